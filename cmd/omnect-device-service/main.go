// Command omnect-device-service is the on-device agent entrypoint: it
// loads configuration, builds the feature registry and the event runtime,
// drives the update-validation state machine, and serves the local HTTP
// API over a Unix-domain socket. The root command is a single spf13/cobra
// command with subcommands added via AddCommand.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/omnect/omnect-device-service/internal/adapters/bootloaderenv"
	"github.com/omnect/omnect-device-service/internal/adapters/fswatch"
	"github.com/omnect/omnect-device-service/internal/adapters/fwupdate"
	"github.com/omnect/omnect-device-service/internal/adapters/iotclient"
	"github.com/omnect/omnect-device-service/internal/adapters/networkd"
	"github.com/omnect/omnect-device-service/internal/adapters/process"
	"github.com/omnect/omnect-device-service/internal/adapters/reason"
	"github.com/omnect/omnect-device-service/internal/adapters/systemd"
	"github.com/omnect/omnect-device-service/internal/config"
	"github.com/omnect/omnect-device-service/internal/feature"
	"github.com/omnect/omnect-device-service/internal/features/deviceupdateconsent"
	"github.com/omnect/omnect-device-service/internal/features/factoryreset"
	"github.com/omnect/omnect-device-service/internal/features/modeminfo"
	"github.com/omnect/omnect-device-service/internal/features/networkstatus"
	"github.com/omnect/omnect-device-service/internal/features/provisioningconfig"
	"github.com/omnect/omnect-device-service/internal/features/reboot"
	"github.com/omnect/omnect-device-service/internal/features/sshtunnel"
	"github.com/omnect/omnect-device-service/internal/features/systeminfo"
	"github.com/omnect/omnect-device-service/internal/features/wificommissioning"
	"github.com/omnect/omnect-device-service/internal/fileio"
	"github.com/omnect/omnect-device-service/internal/httpapi"
	"github.com/omnect/omnect-device-service/internal/publish"
	"github.com/omnect/omnect-device-service/internal/runtime"
	"github.com/omnect/omnect-device-service/internal/runtime/watchdog"
	"github.com/omnect/omnect-device-service/internal/twin"
	"github.com/omnect/omnect-device-service/internal/validation"
	"github.com/omnect/omnect-device-service/pkg/executer"
	"github.com/omnect/omnect-device-service/pkg/log"
	"github.com/omnect/omnect-device-service/pkg/version"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// NewRootCommand builds the omnect-device-service root command: running it
// with no subcommand starts the agent, matching the on-device unit's
// invocation (a single ExecStart line, no subcommand).
func NewRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "omnect-device-service",
		Short: "omnect-device-service mediates between the module twin and local OS subsystems",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(configFile)
		},
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&configFile, "config", config.DefaultConfigFile, "path to the device-service configuration file")
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print version information and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version.Get().String())
			return nil
		},
	}
}

// runAgent wires every component in bottom-up dependency order (system
// adapters, twin-backed features, publish fan-out, local HTTP API, event
// runtime, update-validation) and blocks until a shutdown signal is
// handled.
func runAgent(configFile string) error {
	topLog := log.NewPrefixLogger("")

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	topLog.Level(cfg.LogLevel)
	topLog.Infof("starting omnect-device-service %s", version.Get())
	topLog.Infof("config: %s", cfg.StringSanitized())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	exec := executer.NewCommonExecuter()
	fio := fileio.New("")
	notifier := watchdog.New()

	sysd, err := systemd.Dial(ctx, exec, log.NewPrefixLogger("systemd"))
	if err != nil {
		return fmt.Errorf("connecting to systemd: %w", err)
	}
	defer sysd.Close()

	env := bootloaderenv.New(exec, log.NewPrefixLogger("bootloaderenv"))
	reasonLogger := reason.New(exec)
	netClient := networkd.New(exec, log.NewPrefixLogger("networkd"))
	fwAgent := fwupdate.New(exec, cfg.FirmwareUpdateCommand, log.NewPrefixLogger("fwupdate"))
	partitionReader := bootloaderenv.NewPartitionReader(env)
	launcher := process.New(log.NewPrefixLogger("process"))

	pub := publish.New(&http.Client{Timeout: 5 * time.Second}, log.NewPrefixLogger("publish"))
	if err := pub.EnablePersistence(fio, cfg.PublishEndpointsFile); err != nil {
		topLog.WithError(err).Warnf("failed loading persisted publish endpoints")
	}
	pub.Publish(ctx, publish.ChannelOnlineStatus, json.RawMessage(`{"iothub":false}`))

	machine := validation.New(
		fio, sysd, env, reasonLogger, partitionReader,
		cfg.SentinelFile, cfg.BarrierFile, cfg.UpdateValidationConfFile, cfg.FirmwareUpdateUnit,
		cfg.UpdateValidationTimeout(), cfg.RestartBudget,
		log.NewPrefixLogger(validation.FeatureID),
	)

	candidates := []feature.Feature{
		factoryreset.New(env, sysd, reasonLogger, log.NewPrefixLogger(factoryreset.ID)),
		deviceupdateconsent.New(cfg.ConsentDirPath, fio, fwAgent, pub, log.NewPrefixLogger(deviceupdateconsent.ID)),
		networkstatus.New(netClient, cfg.RefreshNetworkStatusIntervalSecs, time.Duration(cfg.ReloadNetworkDelayMS)*time.Millisecond, log.NewPrefixLogger(networkstatus.ID)),
		reboot.New(sysd, reasonLogger, fio, cfg.RuntimeDir, log.NewPrefixLogger(reboot.ID)),
		provisioningconfig.New(cfg.IdentityConfigFile, log.NewPrefixLogger(provisioningconfig.ID)),
		sshtunnel.New(fio, launcher, exec, cfg.SSHTunnelRunnerPath, cfg.RuntimeDir, cfg.SSHTunnelCAPubFile, log.NewPrefixLogger(sshtunnel.ID)),
		systeminfo.New(&partitionAdapter{partitionReader}, cfg.DiskPath, cfg.RefreshSystemInfoIntervalSecs, log.NewPrefixLogger(systeminfo.ID)),
		wificommissioning.New(cfg.WifiCommissioningAvailable),
		validation.NewFeature(machine),
	}
	if cfg.ModemInfoBuilt {
		candidates = append(candidates, modeminfo.New(exec, cfg.RefreshModemInfoIntervalSecs, log.NewPrefixLogger(modeminfo.ID)))
	}

	registry := feature.NewRegistry(candidates, cfg.Suppress)
	knownFeatureIDs := make([]string, 0, len(candidates)+1)
	for _, f := range candidates {
		knownFeatureIDs = append(knownFeatureIDs, f.ID())
	}
	if !cfg.ModemInfoBuilt {
		// Listed so an unbuilt modem_info still reports an explicit null.
		knownFeatureIDs = append(knownFeatureIDs, modeminfo.ID)
	}

	var iotClient iotclient.Client = iotclient.Noop{}
	defer iotClient.Close()

	d := runtime.New(registry, notifier, log.NewPrefixLogger("runtime"))
	d.SetReporter(iotClient)
	iotClient.SetDesiredHandler(func(ctx context.Context, delta twin.Delta) {
		if err := d.HandleDesired(ctx, delta); err != nil {
			topLog.WithError(err).Errorf("applying desired delta")
		}
	})
	iotClient.SetMethodHandler(func(ctx context.Context, name string, payload json.RawMessage) (int, json.RawMessage) {
		reply := d.HandleMethod(ctx, name, payload)
		return reply.Status, reply.Payload
	})

	if _, err := d.Bootstrap(ctx, knownFeatureIDs); err != nil {
		return fmt.Errorf("building initial reported snapshot: %w", err)
	}

	d.RunTickers(ctx)
	go d.RunWatchdog(ctx, watchdog.Normal)

	watcher, err := fswatch.New(log.NewPrefixLogger("fswatch"))
	if err != nil {
		return fmt.Errorf("constructing filesystem watcher: %w", err)
	}
	defer watcher.Close()
	go watcher.Run(ctx)
	if err := d.RunFSWatcher(ctx, watcher); err != nil {
		return fmt.Errorf("starting filesystem watcher: %w", err)
	}

	if !cfg.Suppress[validation.FeatureID] {
		go func() {
			// While the machine is active the supervisor is pinged at the
			// faster cadence so long external calls (unit start, D-Bus
			// polls) cannot trip the watchdog timeout mid-validation.
			fastCtx, stopFast := context.WithCancel(ctx)
			go d.RunWatchdog(fastCtx, watchdog.Fast)
			defer stopFast()

			machine.SetAuthenticated(iotClient.Authenticated())
			if err := machine.Run(ctx); err != nil {
				topLog.WithError(err).Errorf("update-validation machine exited with error")
			}
		}()
	}

	var server *httpapi.Server
	if !cfg.DisableWebservice {
		server = httpapi.New(registry, pub, d, log.NewPrefixLogger("httpapi"))
		if err := server.Listen(cfg.SocketPath); err != nil {
			return fmt.Errorf("listening on %s: %w", cfg.SocketPath, err)
		}
		go func() {
			if err := server.Serve(); err != nil {
				topLog.WithError(err).Errorf("local HTTP API server exited with error")
			}
		}()
	}

	if err := notifier.Ready(); err != nil {
		topLog.WithError(err).Warnf("failed notifying systemd readiness")
	}

	<-ctx.Done()
	topLog.Infof("shutdown signal received, draining")
	d.Drain()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			topLog.WithError(err).Warnf("error shutting down local HTTP API server")
		}
	}

	if err := notifier.Stopping(); err != nil {
		topLog.WithError(err).Warnf("failed notifying systemd of stopping state")
	}

	return nil
}

// partitionAdapter adapts bootloaderenv.PartitionReader's context-taking
// signature to systeminfo.PartitionReader's context-free one; the two
// features historically read this value on different cadences (a tick vs.
// a one-shot commit) so their collaborator interfaces were never unified.
type partitionAdapter struct {
	inner *bootloaderenv.PartitionReader
}

func (a *partitionAdapter) BootedPartition() (string, error) {
	return a.inner.BootedPartition(context.Background())
}
