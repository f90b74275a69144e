// Package systeminfo implements the system_info feature: a static
// once-reported block (OS release, boot time, booted partition) plus a
// periodic CPU/memory/disk telemetry batch, sampled with go-osstat and
// formatted with go-humanize.
package systeminfo

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mackerelio/go-osstat/cpu"
	"github.com/mackerelio/go-osstat/memory"

	"github.com/omnect/omnect-device-service/internal/feature"
	"github.com/omnect/omnect-device-service/pkg/log"
	"github.com/omnect/omnect-device-service/pkg/version"
)

var _ feature.Feature = (*Feature)(nil)

// ID is the feature's stable identifier.
const ID = "system_info"

const schemaVersion = 1

// PartitionReader returns the currently booted root-partition label, a
// detail update_validation also needs (SPEC_FULL.md's
// "Supplemented features" section).
type PartitionReader interface {
	BootedPartition() (string, error)
}

type staticInfo struct {
	OSVersion    string `json:"os_version"`
	AgentVersion string `json:"agent_version"`
	BootTime     string `json:"boot_time"`
	Arch         string `json:"arch"`
}

type sensorTemp struct {
	Sensor  string  `json:"sensor"`
	Celsius float64 `json:"celsius"`
}

type telemetry struct {
	CPUUsage    float64      `json:"cpu_usage"`
	MemoryUsed  uint64       `json:"memory_used"`
	MemoryTotal uint64       `json:"memory_total"`
	DiskUsed    uint64       `json:"disk_used"`
	DiskTotal   uint64       `json:"disk_total"`
	Temps       []sensorTemp `json:"temps,omitempty"`
}

type reported struct {
	Version   uint64      `json:"version"`
	Static    *staticInfo `json:"static,omitempty"`
	Telemetry *telemetry  `json:"telemetry,omitempty"`
	Partition string      `json:"partition,omitempty"`
}

// Feature implements feature.Feature for system_info.
type Feature struct {
	mu              sync.Mutex
	partitionReader PartitionReader
	diskPath        string
	intervalSecs    uint64
	log             *log.PrefixLogger

	staticBlock   *staticInfo
	lastTelemetry *telemetry
	partition     string

	prevCPU *cpu.Stats
}

// New constructs the system_info feature. diskPath is the filesystem to
// report disk_used/disk_total for (the root filesystem in production).
func New(partitionReader PartitionReader, diskPath string, intervalSecs uint64, logger *log.PrefixLogger) *Feature {
	return &Feature{partitionReader: partitionReader, diskPath: diskPath, intervalSecs: intervalSecs, log: logger}
}

func (f *Feature) ID() string      { return ID }
func (f *Feature) Version() uint64 { return schemaVersion }

func (f *Feature) InitialReported(ctx context.Context) (json.RawMessage, error) {
	bootTime, err := bootTime()
	if err != nil {
		f.log.Warnf("failed reading boot time: %v", err)
	}

	f.mu.Lock()
	f.staticBlock = &staticInfo{
		OSVersion:    osRelease(),
		AgentVersion: version.Get().Version,
		BootTime:     bootTime,
		Arch:         runtime.GOARCH,
	}
	if f.partitionReader != nil {
		if p, err := f.partitionReader.BootedPartition(); err == nil {
			f.partition = p
		}
	}
	snap := f.snapshotLocked()
	f.mu.Unlock()

	return snap, nil
}

func (f *Feature) snapshotLocked() json.RawMessage {
	data, err := json.Marshal(reported{
		Version:   schemaVersion,
		Static:    f.staticBlock,
		Telemetry: f.lastTelemetry,
		Partition: f.partition,
	})
	if err != nil {
		f.log.Errorf("marshalling system_info reported block: %v", err)
		return json.RawMessage(`{"version":1}`)
	}
	return data
}

func (f *Feature) DesiredKeys() []string { return nil }

func (f *Feature) OnDesired(ctx context.Context, version uint64, doc map[string]json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}

func (f *Feature) Methods() []string { return nil }

func (f *Feature) OnMethod(ctx context.Context, name string, payload json.RawMessage) (json.RawMessage, error) {
	return nil, fmt.Errorf("unknown method %s", name)
}

// Interval reports the configured telemetry period; a zero interval
// disables ticking.
func (f *Feature) Interval() (bool, time.Duration) {
	if f.intervalSecs == 0 {
		return false, 0
	}
	return true, time.Duration(f.intervalSecs) * time.Second
}

// OnTick samples CPU/memory/disk and emits a telemetry patch, logging a
// human-readable summary of the sample.
func (f *Feature) OnTick(ctx context.Context) (json.RawMessage, error) {
	cpuUsage, err := f.sampleCPU()
	if err != nil {
		f.log.Warnf("failed sampling cpu: %v", err)
	}

	memStats, err := memory.Get()
	if err != nil {
		f.log.Warnf("failed sampling memory: %v", err)
		memStats = &memory.Stats{}
	}

	diskUsed, diskTotal, err := diskUsage(f.diskPath)
	if err != nil {
		f.log.Warnf("failed sampling disk usage for %s: %v", f.diskPath, err)
	}

	temps := readThermalZones()

	f.mu.Lock()
	f.lastTelemetry = &telemetry{
		CPUUsage:    cpuUsage,
		MemoryUsed:  memStats.Used,
		MemoryTotal: memStats.Total,
		DiskUsed:    diskUsed,
		DiskTotal:   diskTotal,
		Temps:       temps,
	}
	snap := f.snapshotLocked()
	f.mu.Unlock()

	f.log.Debugf("system_info tick: cpu=%.1f%% mem=%s/%s disk=%s/%s",
		cpuUsage,
		humanize.IBytes(memStats.Used), humanize.IBytes(memStats.Total),
		humanize.IBytes(diskUsed), humanize.IBytes(diskTotal))

	return snap, nil
}

// sampleCPU computes utilization as a delta between the previous and
// current cumulative counters go-osstat returns; the first sample after
// startup reports 0 since there is no prior counter to diff against.
func (f *Feature) sampleCPU() (float64, error) {
	cur, err := cpu.Get()
	if err != nil {
		return 0, err
	}

	f.mu.Lock()
	prev := f.prevCPU
	f.prevCPU = cur
	f.mu.Unlock()

	if prev == nil {
		return 0, nil
	}

	totalDelta := float64(cur.Total - prev.Total)
	if totalDelta <= 0 {
		return 0, nil
	}
	idleDelta := float64(cur.Idle - prev.Idle)
	return 100 * (1 - idleDelta/totalDelta), nil
}

func (f *Feature) WatchedPaths() []string { return nil }

func (f *Feature) OnFSChange(ctx context.Context, path string) (json.RawMessage, error) {
	return nil, nil
}

func (f *Feature) HTTPRoutes() []feature.Route { return nil }

func diskUsage(path string) (used, total uint64, err error) {
	if path == "" {
		return 0, 0, nil
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	total = stat.Blocks * uint64(stat.Bsize)
	free := stat.Bfree * uint64(stat.Bsize)
	return total - free, total, nil
}

// readThermalZones samples every /sys/class/thermal/thermal_zone*/temp
// sensor, in millidegrees Celsius, converting each to degrees Celsius and
// naming it from the zone's type file. Zones that fail to read are skipped
// rather than failing the whole telemetry tick.
func readThermalZones() []sensorTemp {
	paths, err := filepath.Glob("/sys/class/thermal/thermal_zone*/temp")
	if err != nil || len(paths) == 0 {
		return nil
	}
	sort.Strings(paths)

	temps := make([]sensorTemp, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		milliC, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			continue
		}

		zoneDir := filepath.Dir(path)
		sensor := filepath.Base(zoneDir)
		if typeData, err := os.ReadFile(filepath.Join(zoneDir, "type")); err == nil {
			sensor = strings.TrimSpace(string(typeData))
		}

		temps = append(temps, sensorTemp{Sensor: sensor, Celsius: float64(milliC) / 1000})
	}
	return temps
}

func osRelease() string {
	data, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return "unknown"
	}
	return string(data)
}

func bootTime() (string, error) {
	seconds, err := uptimeSeconds()
	if err != nil {
		return "", err
	}
	return time.Now().Add(-time.Duration(seconds) * time.Second).UTC().Format(time.RFC3339), nil
}

func uptimeSeconds() (int64, error) {
	data, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0, err
	}
	var seconds float64
	if _, err := fmt.Sscanf(string(data), "%f", &seconds); err != nil {
		return 0, err
	}
	return int64(seconds), nil
}
