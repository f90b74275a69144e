// Package networkstatus implements the network_status feature: periodic
// interface enumeration via systemd-networkd, plus an on-demand reload
// that delays its next sample to let networkd settle.
package networkstatus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/omnect/omnect-device-service/internal/adapters/networkd"
	"github.com/omnect/omnect-device-service/internal/feature"
	rterrors "github.com/omnect/omnect-device-service/internal/runtime/errors"
	"github.com/omnect/omnect-device-service/pkg/log"
)

var _ feature.Feature = (*Feature)(nil)

// ID is the feature's stable identifier.
const ID = "network_status"

const schemaVersion = 1

// onlineStates are the networkd operational states treated as "online".
var onlineStates = map[string]bool{"routable": true, "degraded": true, "carrier": true}

type ipv4Addr struct {
	Addr      string `json:"addr"`
	PrefixLen int    `json:"prefix_len"`
	DHCP      bool   `json:"dhcp"`
}

type ipv4Info struct {
	Addrs    []ipv4Addr `json:"addrs"`
	DNS      []string   `json:"dns"`
	Gateways []string   `json:"gateways"`
}

type interfaceStatus struct {
	Name   string   `json:"name"`
	MAC    string   `json:"mac"`
	Online bool     `json:"online"`
	IPv4   ipv4Info `json:"ipv4"`
}

type reported struct {
	Version    uint64            `json:"version"`
	Interfaces []interfaceStatus `json:"interfaces"`
}

// Feature implements feature.Feature for network_status.
type Feature struct {
	mu           sync.Mutex
	client       networkd.Client
	intervalSecs uint64
	reloadDelay  time.Duration
	log          *log.PrefixLogger

	last []interfaceStatus
}

// New constructs the network_status feature. intervalSecs is
// REFRESH_NETWORK_STATUS_INTERVAL_SECS, reloadDelay is
// RELOAD_NETWORK_DELAY_MS.
func New(client networkd.Client, intervalSecs uint64, reloadDelay time.Duration, logger *log.PrefixLogger) *Feature {
	return &Feature{client: client, intervalSecs: intervalSecs, reloadDelay: reloadDelay, log: logger}
}

func (f *Feature) ID() string      { return ID }
func (f *Feature) Version() uint64 { return schemaVersion }

func (f *Feature) InitialReported(ctx context.Context) (json.RawMessage, error) {
	return f.sample(ctx)
}

func (f *Feature) snapshotLocked() json.RawMessage {
	data, err := json.Marshal(reported{Version: schemaVersion, Interfaces: f.last})
	if err != nil {
		f.log.Errorf("marshalling network_status reported block: %v", err)
		return json.RawMessage(`{"version":1,"interfaces":[]}`)
	}
	return data
}

func (f *Feature) sample(ctx context.Context) (json.RawMessage, error) {
	links, err := f.client.Links(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]interfaceStatus, 0, len(links))
	for _, l := range links {
		statuses = append(statuses, interfaceStatus{
			Name:   l.Name,
			MAC:    l.MAC,
			Online: onlineStates[strings.ToLower(l.OperState)],
			IPv4:   toIPv4Info(l),
		})
	}

	f.mu.Lock()
	f.last = statuses
	snap := f.snapshotLocked()
	f.mu.Unlock()

	return snap, nil
}

func toIPv4Info(l networkd.Link) ipv4Info {
	info := ipv4Info{DNS: l.DNS, Gateways: l.Gateways}
	for _, cidr := range l.Addresses {
		addr, prefixLen := splitCIDR(cidr)
		if strings.Contains(addr, ":") {
			continue // ipv6, out of scope for this block
		}
		info.Addrs = append(info.Addrs, ipv4Addr{Addr: addr, PrefixLen: prefixLen, DHCP: true})
	}
	return info
}

func splitCIDR(cidr string) (addr string, prefixLen int) {
	parts := strings.SplitN(cidr, "/", 2)
	addr = parts[0]
	if len(parts) == 2 {
		_, _ = fmt.Sscanf(parts[1], "%d", &prefixLen)
	}
	return addr, prefixLen
}

func (f *Feature) DesiredKeys() []string { return nil }

func (f *Feature) OnDesired(ctx context.Context, version uint64, doc map[string]json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}

func (f *Feature) Methods() []string { return nil }

func (f *Feature) OnMethod(ctx context.Context, name string, payload json.RawMessage) (json.RawMessage, error) {
	return nil, fmt.Errorf("%w: unknown method %s", rterrors.ErrMethodRejected, name)
}

func (f *Feature) Interval() (bool, time.Duration) {
	if f.intervalSecs == 0 {
		return false, 0
	}
	return true, time.Duration(f.intervalSecs) * time.Second
}

func (f *Feature) OnTick(ctx context.Context) (json.RawMessage, error) {
	return f.sample(ctx)
}

func (f *Feature) WatchedPaths() []string { return nil }

func (f *Feature) OnFSChange(ctx context.Context, path string) (json.RawMessage, error) {
	return nil, nil
}

// HTTPRoutes registers POST /reload-network/v1, which asks networkd to
// reload then waits RELOAD_NETWORK_DELAY_MS before resampling so the
// reported block reflects the post-reload state.
func (f *Feature) HTTPRoutes() []feature.Route {
	return []feature.Route{
		{Method: http.MethodPost, Pattern: "/reload-network/v1", Handler: f.handleReload},
	}
}

func (f *Feature) handleReload(ctx context.Context, body json.RawMessage) feature.HTTPResponse {
	if err := f.client.Reload(ctx); err != nil {
		return feature.ErrorResponse(rterrors.ToStatus(err), err.Error())
	}

	time.Sleep(f.reloadDelay)

	patch, err := f.sample(ctx)
	if err != nil {
		return feature.ErrorResponse(rterrors.ToStatus(err), err.Error())
	}

	return feature.HTTPResponse{Status: http.StatusOK, Body: patch, Patch: patch}
}
