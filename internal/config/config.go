// Package config loads and validates the device-service configuration: a
// YAML file provides defaults, a fixed set of environment variables
// overrides individual fields, and Complete/Validate are run once at
// startup before the runtime is constructed.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"
)

const (
	// DefaultConfigFile is the path the agent reads its YAML configuration from.
	DefaultConfigFile = "/etc/omnect/omnect-device-service.yaml"
	// DefaultConsentDirPath is where device-update-consent files live.
	DefaultConsentDirPath = "/etc/omnect/consent"
	// DefaultRuntimeDir is the tmpfs directory used for the sentinel/barrier
	// files, the Unix socket, and per-tunnel SSH key material.
	DefaultRuntimeDir = "/run/omnect-device-service"
	// DefaultSocketPath is the Unix-domain socket the local HTTP API listens on.
	DefaultSocketPath = DefaultRuntimeDir + "/api.sock"
	// DefaultPublishEndpointsFile persists registered publish sinks across restarts.
	DefaultPublishEndpointsFile = "/var/lib/omnect-device-service/publish-endpoints.json"
	// DefaultUpdateValidationConfFile carries the local_update hint written by
	// the firmware-update agent before rebooting into the candidate partition.
	DefaultUpdateValidationConfFile = "/var/lib/omnect-device-service/update_validation_conf.json"
	// DefaultIdentityConfigFile is the read-only identity-service configuration.
	DefaultIdentityConfigFile = "/etc/aziot/config.toml"
	// DefaultSentinelFile marks a candidate post-update boot needing validation.
	DefaultSentinelFile = "omnect_validate_update"
	// DefaultBarrierFile coordinates restart counting across process restarts.
	DefaultBarrierFile = "omnect_validate_update_barrier.json"
	// DefaultFirmwareUpdateUnit is the systemd unit update_validation starts
	// while observing and whose ActiveState it polls.
	DefaultFirmwareUpdateUnit = "omnect-fwupdate.service"
	// DefaultFirmwareUpdateCommand is the CLI the device_update_consent
	// feature shells out to for /fwupdate/load/v1 and /fwupdate/run/v1.
	DefaultFirmwareUpdateCommand = "omnect-fwupdate"
	// DefaultSSHTunnelRunnerPath is the detached child binary ssh_tunnel launches.
	DefaultSSHTunnelRunnerPath = "/usr/bin/omnect-ssh-tunnel-runner"
	// DefaultSSHTunnelCAPubFile is where the ssh_tunnel_ca_pub desired value
	// is persisted, relative to RuntimeDir.
	DefaultSSHTunnelCAPubFile = "ssh-tunnel-ca.pub"
	// DefaultDiskPath is the filesystem path system_info samples disk usage from.
	DefaultDiskPath = "/"

	// DefaultUpdateValidationTimeoutSecs is the deadline for the validation
	// state machine to reach Committed before it gives up.
	DefaultUpdateValidationTimeoutSecs = 300
	// DefaultRefreshNetworkStatusIntervalSecs is the network_status tick period.
	DefaultRefreshNetworkStatusIntervalSecs = 60
	// DefaultReloadNetworkDelayMS is the delay before re-sampling after reload-network/v1.
	DefaultReloadNetworkDelayMS = 500
	// DefaultRefreshModemInfoIntervalSecs is the modem_info tick period.
	DefaultRefreshModemInfoIntervalSecs = 600
	// DefaultRefreshSystemInfoIntervalSecs is the system_info telemetry tick period.
	DefaultRefreshSystemInfoIntervalSecs = 60
	// DefaultRestartBudget is the restart_count at which the validation
	// barrier gives up and rolls back.
	DefaultRestartBudget = 9
	// MaxRestartBudget caps update-validation-restart-budget.
	MaxRestartBudget = 1000
)

// Config holds every tunable the runtime, the features, and the HTTP API
// need. Zero-value fields are filled in by Complete() before Validate() runs.
type Config struct {
	LogLevel string `json:"log-level,omitempty"`

	ConsentDirPath              string `json:"consent-dir-path,omitempty"`
	RuntimeDir                  string `json:"runtime-dir,omitempty"`
	SocketPath                  string `json:"socket-path,omitempty"`
	PublishEndpointsFile        string `json:"publish-endpoints-file,omitempty"`
	UpdateValidationConfFile    string `json:"update-validation-conf-file,omitempty"`
	IdentityConfigFile          string `json:"identity-config-file,omitempty"`
	DisableWebservice           bool   `json:"disable-webservice,omitempty"`
	UpdateValidationTimeoutSecs uint64 `json:"update-validation-timeout-in-secs,omitempty"`
	RestartBudget               uint64 `json:"update-validation-restart-budget,omitempty"`

	RefreshNetworkStatusIntervalSecs uint64 `json:"refresh-network-status-interval-secs,omitempty"`
	ReloadNetworkDelayMS             uint64 `json:"reload-network-delay-ms,omitempty"`
	RefreshModemInfoIntervalSecs     uint64 `json:"refresh-modem-info-interval-secs,omitempty"`
	RefreshSystemInfoIntervalSecs    uint64 `json:"refresh-system-info-interval-secs,omitempty"`

	// SentinelFile and BarrierFile are resolved relative to RuntimeDir by
	// Complete() when left empty.
	SentinelFile       string `json:"sentinel-file,omitempty"`
	BarrierFile        string `json:"barrier-file,omitempty"`
	FirmwareUpdateUnit string `json:"firmware-update-unit,omitempty"`

	FirmwareUpdateCommand string `json:"firmware-update-command,omitempty"`
	SSHTunnelRunnerPath   string `json:"ssh-tunnel-runner-path,omitempty"`
	SSHTunnelCAPubFile    string `json:"ssh-tunnel-ca-pub-file,omitempty"`
	DiskPath              string `json:"disk-path,omitempty"`

	// Suppress holds the parsed SUPPRESS_<FEATURE>=true environment
	// overrides, keyed by feature id.
	Suppress map[string]bool `json:"-"`

	// ModemInfoBuilt mirrors a build-time feature flag in the original
	// implementation (modem_info is only compiled in on cellular-capable
	// images); here it is just another runtime toggle.
	ModemInfoBuilt bool `json:"modem-info-built,omitempty"`

	// WifiCommissioningAvailable mirrors another build-time capability flag,
	// reported as-is by the wifi_commissioning feature.
	WifiCommissioningAvailable bool `json:"wifi-commissioning-available,omitempty"`
}

// NewDefault returns a Config populated with every documented default.
func NewDefault() *Config {
	return &Config{
		LogLevel:                         logrus.InfoLevel.String(),
		ConsentDirPath:                   DefaultConsentDirPath,
		RuntimeDir:                       DefaultRuntimeDir,
		SocketPath:                       DefaultSocketPath,
		PublishEndpointsFile:             DefaultPublishEndpointsFile,
		UpdateValidationConfFile:         DefaultUpdateValidationConfFile,
		IdentityConfigFile:               DefaultIdentityConfigFile,
		UpdateValidationTimeoutSecs:      DefaultUpdateValidationTimeoutSecs,
		RestartBudget:                    DefaultRestartBudget,
		RefreshNetworkStatusIntervalSecs: DefaultRefreshNetworkStatusIntervalSecs,
		ReloadNetworkDelayMS:             DefaultReloadNetworkDelayMS,
		RefreshModemInfoIntervalSecs:     DefaultRefreshModemInfoIntervalSecs,
		RefreshSystemInfoIntervalSecs:    DefaultRefreshSystemInfoIntervalSecs,
		FirmwareUpdateUnit:               DefaultFirmwareUpdateUnit,
		FirmwareUpdateCommand:            DefaultFirmwareUpdateCommand,
		SSHTunnelRunnerPath:              DefaultSSHTunnelRunnerPath,
		SSHTunnelCAPubFile:               DefaultSSHTunnelCAPubFile,
		DiskPath:                         DefaultDiskPath,
		Suppress:                         map[string]bool{},
		ModemInfoBuilt:                   false,
		WifiCommissioningAvailable:       true,
	}
}

// Load reads the YAML config file (if present), applies the recognized
// environment variable overrides, and completes/validates the result.
func Load(path string) (*Config, error) {
	cfg := NewDefault()

	if path != "" {
		if contents, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(contents, cfg); err != nil {
				return nil, fmt.Errorf("unmarshalling config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Complete(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// knownFeatures lists every feature id a SUPPRESS_<NAME> env var can target.
var knownFeatures = []string{
	"factory_reset",
	"device_update_consent",
	"network_status",
	"modem_info",
	"reboot",
	"provisioning_config",
	"ssh_tunnel",
	"system_info",
	"wifi_commissioning",
	"update_validation",
}

func (cfg *Config) applyEnv() {
	if v := os.Getenv("RUST_LOG"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DEVICE_SERVICE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CONSENT_DIR_PATH"); v != "" {
		cfg.ConsentDirPath = v
	}
	if v := os.Getenv("DISABLE_WEBSERVICE"); v != "" {
		cfg.DisableWebservice = parseBool(v, cfg.DisableWebservice)
	}
	// WEBSERVICE_ENABLED is a historical alias with inverted polarity.
	if v := os.Getenv("WEBSERVICE_ENABLED"); v != "" {
		cfg.DisableWebservice = !parseBool(v, !cfg.DisableWebservice)
	}
	if v := os.Getenv("UPDATE_VALIDATION_TIMEOUT_IN_SECS"); v != "" {
		cfg.UpdateValidationTimeoutSecs = parseUint(v, cfg.UpdateValidationTimeoutSecs)
	}
	if v := os.Getenv("REFRESH_NETWORK_STATUS_INTERVAL_SECS"); v != "" {
		cfg.RefreshNetworkStatusIntervalSecs = parseUint(v, cfg.RefreshNetworkStatusIntervalSecs)
	}
	if v := os.Getenv("RELOAD_NETWORK_DELAY_MS"); v != "" {
		cfg.ReloadNetworkDelayMS = parseUint(v, cfg.ReloadNetworkDelayMS)
	}
	if v := os.Getenv("REFRESH_MODEM_INFO_INTERVAL_SECS"); v != "" {
		cfg.RefreshModemInfoIntervalSecs = parseUint(v, cfg.RefreshModemInfoIntervalSecs)
	}
	if v := os.Getenv("REFRESH_SYSTEM_INFO_INTERVAL_SECS"); v != "" {
		cfg.RefreshSystemInfoIntervalSecs = parseUint(v, cfg.RefreshSystemInfoIntervalSecs)
	}

	for _, id := range knownFeatures {
		if v := os.Getenv("SUPPRESS_" + envName(id)); v != "" && parseBool(v, false) {
			cfg.Suppress[id] = true
		}
	}
}

func envName(featureID string) string {
	out := make([]byte, 0, len(featureID))
	for _, r := range featureID {
		if r == '-' {
			r = '_'
		}
		out = append(out, byte(r))
	}
	return string(out)
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func parseUint(v string, fallback uint64) uint64 {
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

// Complete fills in directories derived from RuntimeDir when they were not
// set explicitly by the config file, and resolves a relative
// SSHTunnelCAPubFile against RuntimeDir.
func (cfg *Config) Complete() error {
	if cfg.RuntimeDir == "" {
		cfg.RuntimeDir = DefaultRuntimeDir
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = cfg.RuntimeDir + "/api.sock"
	}
	if cfg.SentinelFile == "" {
		cfg.SentinelFile = cfg.RuntimeDir + "/" + DefaultSentinelFile
	}
	if cfg.BarrierFile == "" {
		cfg.BarrierFile = cfg.RuntimeDir + "/" + DefaultBarrierFile
	}
	if cfg.SSHTunnelCAPubFile != "" && !filepath.IsAbs(cfg.SSHTunnelCAPubFile) {
		cfg.SSHTunnelCAPubFile = filepath.Join(cfg.RuntimeDir, cfg.SSHTunnelCAPubFile)
	}
	return nil
}

// Validate checks that the consent and runtime directories are set and that
// the restart budget lies in 1..MaxRestartBudget.
func (cfg *Config) Validate() error {
	if cfg.ConsentDirPath == "" {
		return fmt.Errorf("consent-dir-path is required")
	}
	if cfg.RuntimeDir == "" {
		return fmt.Errorf("runtime-dir is required")
	}
	if cfg.RestartBudget == 0 || cfg.RestartBudget > MaxRestartBudget {
		return fmt.Errorf("update-validation-restart-budget out of range: %d", cfg.RestartBudget)
	}
	return nil
}

// UpdateValidationTimeout returns the configured timeout as a Duration.
func (cfg *Config) UpdateValidationTimeout() time.Duration {
	return time.Duration(cfg.UpdateValidationTimeoutSecs) * time.Second
}

// StringSanitized renders the config for logging without leaking anything
// sensitive (there is nothing secret in this config today, but callers log
// through this method rather than %+v so that stays true if that changes).
func (cfg *Config) StringSanitized() string {
	return fmt.Sprintf("consent_dir=%s runtime_dir=%s socket=%s disable_webservice=%v",
		cfg.ConsentDirPath, cfg.RuntimeDir, cfg.SocketPath, cfg.DisableWebservice)
}
