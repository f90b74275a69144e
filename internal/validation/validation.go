// Package validation implements the update-validation state machine: it
// runs once at startup, detects whether the device booted a candidate
// root partition pending validation, and either commits that partition or
// rolls back by reboot within a bounded restart budget and deadline. The
// Observing-phase predicate poll is built on
// k8s.io/apimachinery/pkg/util/wait.
package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/omnect/omnect-device-service/internal/adapters/bootloaderenv"
	"github.com/omnect/omnect-device-service/internal/adapters/reason"
	"github.com/omnect/omnect-device-service/internal/adapters/systemd"
	"github.com/omnect/omnect-device-service/internal/fileio"
	"github.com/omnect/omnect-device-service/pkg/log"
)

// State is one of the five states the machine moves through.
type State int

const (
	Idle State = iota
	Armed
	Observing
	Committed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Observing:
		return "observing"
	case Committed:
		return "committed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	// envValidationFlag is the sentinel the bootloader checks to decide
	// whether the newly-flashed candidate partition still needs validating;
	// commit clears it by writing "0".
	envValidationFlag = "omnect_validate_update"
	pollInterval      = 5 * time.Second
)

// Barrier is the on-disk record that coordinates this machine with the
// supervisor's post-stop script; it is the single source of truth for
// restart counting and the deadline.
type Barrier struct {
	StartBoottimeSecs    uint64 `json:"start_boottime_secs"`
	DeadlineBoottimeSecs uint64 `json:"deadline_boottime_secs"`
	RestartCount         uint32 `json:"restart_count"`
	Authenticated        bool   `json:"authenticated"`
	LocalUpdate          bool   `json:"local_update"`
}

type updateValidationConf struct {
	LocalUpdate bool `json:"local_update"`
}

// PartitionReader reports which root partition is currently booted, so
// Commit knows which value to write as the new permanent partition.
type PartitionReader interface {
	BootedPartition(ctx context.Context) (string, error)
}

// Machine drives the update-validation state machine described above.
type Machine struct {
	fio       fileio.ReadWriter
	systemd   systemd.Client
	env       bootloaderenv.Env
	reason    reason.Logger
	partition PartitionReader
	log       *log.PrefixLogger

	sentinelFile        string
	barrierFile         string
	localUpdateConfFile string
	firmwareUpdateUnit  string
	timeout             time.Duration
	restartBudget       uint64

	authenticated atomic.Bool

	// mu guards the progress fields below, read by the update_validation
	// feature's status ticks while Run mutates them.
	mu           sync.Mutex
	state        State
	restartCount uint32
	lastFailure  string
}

// New constructs a Machine. Paths are relative to fio's root.
func New(
	fio fileio.ReadWriter,
	sysd systemd.Client,
	env bootloaderenv.Env,
	reasonLogger reason.Logger,
	partition PartitionReader,
	sentinelFile, barrierFile, localUpdateConfFile, firmwareUpdateUnit string,
	timeout time.Duration,
	restartBudget uint64,
	logger *log.PrefixLogger,
) *Machine {
	return &Machine{
		fio:                 fio,
		systemd:             sysd,
		env:                 env,
		reason:              reasonLogger,
		partition:           partition,
		sentinelFile:        sentinelFile,
		barrierFile:         barrierFile,
		localUpdateConfFile: localUpdateConfFile,
		firmwareUpdateUnit:  firmwareUpdateUnit,
		timeout:             timeout,
		restartBudget:       restartBudget,
		log:                 logger,
	}
}

// State returns the machine's current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// statusReport renders the machine's progress as the update_validation
// feature's reported block.
func (m *Machine) statusReport() (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return json.Marshal(reportedStatus{
		Version:           FeatureVersion,
		State:             m.state.String(),
		RestartCount:      m.restartCount,
		LastFailureReason: m.lastFailure,
	})
}

// SetAuthenticated records whether the IoT client reports an authenticated
// connection; the Observing-phase predicate poll reads the latest value.
func (m *Machine) SetAuthenticated(v bool) {
	m.authenticated.Store(v)
}

// Run detects the trigger and, if present, drives the machine through to
// Committed or Failed. It returns promptly if the sentinel is absent
// (Idle — no validation in progress on this boot).
func (m *Machine) Run(ctx context.Context) error {
	exists, err := m.fio.PathExists(m.sentinelFile)
	if err != nil {
		return fmt.Errorf("checking sentinel file: %w", err)
	}
	if !exists {
		m.setState(Idle)
		return nil
	}
	m.setState(Armed)

	barrier, err := m.loadOrCreateBarrier()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.restartCount = barrier.RestartCount
	m.mu.Unlock()

	if barrier.RestartCount >= uint32(m.restartBudget) {
		m.log.Warnf("restart budget exhausted (%d >= %d), rolling back", barrier.RestartCount, m.restartBudget)
		return m.fail(ctx, "restart budget exhausted")
	}

	m.setState(Observing)
	return m.observe(ctx, barrier)
}

func (m *Machine) loadOrCreateBarrier() (*Barrier, error) {
	exists, err := m.fio.PathExists(m.barrierFile)
	if err != nil {
		return nil, fmt.Errorf("checking barrier file: %w", err)
	}
	if exists {
		data, err := m.fio.ReadFile(m.barrierFile)
		if err != nil {
			return nil, fmt.Errorf("reading barrier file: %w", err)
		}
		var barrier Barrier
		if err := json.Unmarshal(data, &barrier); err != nil {
			return nil, fmt.Errorf("unmarshalling barrier file: %w", err)
		}
		return &barrier, nil
	}

	start, err := bootTimeSeconds()
	if err != nil {
		m.log.Warnf("failed reading boot time, using zero: %v", err)
	}
	localUpdate := m.readLocalUpdate()

	barrier := &Barrier{
		StartBoottimeSecs:    start,
		DeadlineBoottimeSecs: start + uint64(m.timeout.Seconds()),
		RestartCount:         0,
		Authenticated:        false,
		LocalUpdate:          localUpdate,
	}
	if err := m.writeBarrier(barrier); err != nil {
		return nil, err
	}
	return barrier, nil
}

func (m *Machine) readLocalUpdate() bool {
	data, err := m.fio.ReadFile(m.localUpdateConfFile)
	if err != nil {
		return false
	}
	var conf updateValidationConf
	if err := json.Unmarshal(data, &conf); err != nil {
		return false
	}
	return conf.LocalUpdate
}

func (m *Machine) writeBarrier(barrier *Barrier) error {
	data, err := json.Marshal(barrier)
	if err != nil {
		return fmt.Errorf("marshalling barrier file: %w", err)
	}
	if err := m.fio.WriteFile(m.barrierFile, data, fileio.DefaultFilePermissions); err != nil {
		return fmt.Errorf("writing barrier file: %w", err)
	}
	return nil
}

// observe polls the three commit predicates until they all hold or the
// deadline/context elapses.
func (m *Machine) observe(ctx context.Context, barrier *Barrier) error {
	now, err := bootTimeSeconds()
	if err == nil && now >= barrier.DeadlineBoottimeSecs {
		m.log.Warnf("update-validation deadline already passed")
		return m.fail(ctx, "deadline passed")
	}

	remaining := time.Duration(barrier.DeadlineBoottimeSecs-now) * time.Second
	pollCtx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()

	if m.firmwareUpdateUnit != "" {
		if err := m.systemd.StartUnit(ctx, m.firmwareUpdateUnit); err != nil {
			m.log.Warnf("failed starting firmware-update-agent unit: %v", err)
		}
	}

	err = wait.PollUntilContextTimeout(pollCtx, pollInterval, remaining, true, func(ctx context.Context) (bool, error) {
		return m.predicatesSatisfied(ctx, barrier)
	})
	if err != nil {
		m.log.Warnf("update-validation predicates not satisfied before deadline: %v", err)
		return m.fail(ctx, "validation predicates not satisfied before deadline")
	}

	return m.commit(ctx)
}

func (m *Machine) predicatesSatisfied(ctx context.Context, barrier *Barrier) (bool, error) {
	state, err := m.systemd.IsSystemRunning(ctx)
	if err != nil || state != "running" {
		return false, nil
	}

	if m.firmwareUpdateUnit != "" {
		unitState, err := m.systemd.UnitActiveState(ctx, m.firmwareUpdateUnit)
		if err != nil || unitState != "active" {
			return false, nil
		}
	}

	if barrier.LocalUpdate || m.authenticated.Load() {
		return true, nil
	}
	return false, nil
}

// commit writes the permanent boot-partition variable, clears the
// validation flag, deletes the sentinel and barrier files, and logs the
// "swupdate" outcome.
func (m *Machine) commit(ctx context.Context) error {
	if m.partition != nil {
		if partition, err := m.partition.BootedPartition(ctx); err == nil {
			if err := m.env.Set(ctx, bootloaderenv.BootPartitionVar, partition); err != nil {
				m.log.Errorf("failed writing permanent partition variable: %v", err)
			}
		}
	}
	if err := m.env.Set(ctx, envValidationFlag, "0"); err != nil {
		m.log.Errorf("failed clearing validation flag: %v", err)
	}

	if err := m.fio.RemoveFile(m.sentinelFile); err != nil {
		m.log.Warnf("failed removing sentinel file: %v", err)
	}
	if err := m.fio.RemoveFile(m.barrierFile); err != nil {
		m.log.Warnf("failed removing barrier file: %v", err)
	}
	if err := m.reason.Log(ctx, "swupdate"); err != nil {
		m.log.Warnf("failed logging swupdate reboot reason: %v", err)
	}

	m.setState(Committed)
	return nil
}

// fail records the rollback cause, logs the reboot reason, and reboots; it
// does not delete the sentinel, so a still-failing candidate partition is
// retried up to the restart budget on the next boot (the bootloader's own
// fallback takes over once that is exhausted).
func (m *Machine) fail(ctx context.Context, cause string) error {
	m.mu.Lock()
	m.lastFailure = cause
	m.mu.Unlock()

	if err := m.reason.Log(ctx, "swupdate-validation-failed"); err != nil {
		m.log.Warnf("failed logging validation-failed reboot reason: %v", err)
	}
	if err := m.systemd.Reboot(ctx); err != nil {
		m.log.Errorf("failed requesting rollback reboot: %v", err)
	}

	m.setState(Failed)
	return nil
}

func bootTimeSeconds() (uint64, error) {
	data, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0, err
	}
	var seconds float64
	if _, err := fmt.Sscanf(string(data), "%f", &seconds); err != nil {
		return 0, err
	}
	return uint64(seconds), nil
}
