// Package publish implements the publish/status fan-out: an in-memory
// cache of the latest payload per channel, a registry of HTTP sink
// endpoints, and a retrying POST client that pushes cache updates to every
// registered sink, retrying with exponential backoff until delivered or a
// budget is exhausted. Uses golang.org/x/sync/errgroup to fan a publish
// out to every sink concurrently.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/omnect/omnect-device-service/internal/fileio"
	"github.com/omnect/omnect-device-service/pkg/log"
)

// Channel names the publish cache recognizes.
const (
	ChannelOnlineStatus       = "OnlineStatus"
	ChannelSystemInfo         = "SystemInfo"
	ChannelTimeouts           = "Timeouts"
	ChannelFactoryResetResult = "FactoryResetResult"
	ChannelNetworkStatus      = "NetworkStatus"
	ChannelFirmwareUpdate     = "FirmwareUpdate"
	ChannelFleetID            = "FleetId"
)

const (
	backoffInitial = 250 * time.Millisecond
	backoffCap     = 5 * time.Second
	retryBudget    = 10 * time.Second
	maxAttempts    = 5
)

// Header is a single (name, value) header a sink registration carries.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Sink is a registered publish destination.
type Sink struct {
	ClientID string   `json:"client_id"`
	URL      string   `json:"url"`
	Headers  []Header `json:"headers,omitempty"`
}

type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// HTTPDoer is the narrow surface publish needs from an HTTP client, so
// tests can substitute a recording fake.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Registry owns the status cache and the registered sinks, and fans out
// every published channel update to them.
type Registry struct {
	mu    sync.Mutex
	cache map[string]json.RawMessage
	// order records each channel's first Publish, so catch-up deliveries
	// replay the cache in a stable registration order rather than map
	// iteration order.
	order []string
	sinks map[string]Sink

	client HTTPDoer
	log    *log.PrefixLogger

	// persist/endpointsFile, when set via EnablePersistence, keep the sink
	// registry on disk across restarts.
	persist       fileio.ReadWriter
	endpointsFile string
}

// New returns an empty Registry. A nil client falls back to
// http.DefaultClient, which tests override with a recording fake.
func New(client HTTPDoer, logger *log.PrefixLogger) *Registry {
	if client == nil {
		client = http.DefaultClient
	}
	return &Registry{
		cache:  map[string]json.RawMessage{},
		sinks:  map[string]Sink{},
		client: client,
		log:    logger,
	}
}

// EnablePersistence loads any sinks persisted at path and arranges for
// every subsequent Register/Unregister to rewrite it, so registered
// endpoints survive a service restart. A missing file is not an error.
func (r *Registry) EnablePersistence(fio fileio.ReadWriter, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.persist = fio
	r.endpointsFile = path

	exists, err := fio.PathExists(path)
	if err != nil {
		return fmt.Errorf("checking publish-endpoints file: %w", err)
	}
	if !exists {
		return nil
	}

	data, err := fio.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading publish-endpoints file: %w", err)
	}
	var sinks []Sink
	if err := json.Unmarshal(data, &sinks); err != nil {
		return fmt.Errorf("unmarshalling publish-endpoints file: %w", err)
	}
	for _, s := range sinks {
		r.sinks[s.ClientID] = s
	}
	return nil
}

// saveSinksLocked rewrites the persisted endpoint registry; failures are
// logged, not surfaced, since the in-memory registry stays authoritative
// for the life of the process either way.
func (r *Registry) saveSinksLocked() {
	if r.persist == nil {
		return
	}
	sinks := make([]Sink, 0, len(r.sinks))
	for _, s := range r.sinks {
		sinks = append(sinks, s)
	}
	data, err := json.Marshal(sinks)
	if err != nil {
		r.log.Errorf("marshalling publish-endpoints registry: %v", err)
		return
	}
	if err := r.persist.WriteFile(r.endpointsFile, data, fileio.DefaultFilePermissions); err != nil {
		r.log.Errorf("persisting publish-endpoints registry: %v", err)
	}
}

// Register adds or replaces a sink by client_id and immediately fans out
// every cached channel to it in registration order.
func (r *Registry) Register(ctx context.Context, sink Sink) {
	r.mu.Lock()
	r.sinks[sink.ClientID] = sink
	cached := r.orderedCacheLocked()
	r.saveSinksLocked()
	r.mu.Unlock()

	for _, entry := range cached {
		r.deliver(ctx, sink, entry.channel, entry.data)
	}
}

// Unregister removes a sink by client_id; idempotent if absent.
func (r *Registry) Unregister(clientID string) {
	r.mu.Lock()
	delete(r.sinks, clientID)
	r.saveSinksLocked()
	r.mu.Unlock()
}

type cacheEntry struct {
	channel string
	data    json.RawMessage
}

// orderedCacheLocked returns the cache's entries in channel registration
// order (the order of each channel's first Publish), the order catch-up
// deliveries must replay them in.
func (r *Registry) orderedCacheLocked() []cacheEntry {
	out := make([]cacheEntry, 0, len(r.order))
	for _, ch := range r.order {
		out = append(out, cacheEntry{channel: ch, data: r.cache[ch]})
	}
	return out
}

// Publish updates the cache for channel and fans the new value out to
// every registered sink concurrently.
func (r *Registry) Publish(ctx context.Context, channel string, data json.RawMessage) {
	r.mu.Lock()
	if _, known := r.cache[channel]; !known {
		r.order = append(r.order, channel)
	}
	r.cache[channel] = data
	sinks := make([]Sink, 0, len(r.sinks))
	for _, s := range r.sinks {
		sinks = append(sinks, s)
	}
	r.mu.Unlock()

	if len(sinks) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, sink := range sinks {
		sink := sink
		g.Go(func() error {
			r.deliver(gctx, sink, channel, data)
			return nil
		})
	}
	_ = g.Wait()
}

// Status returns the union of every cached channel, for GET /status/v1.
func (r *Registry) Status() map[string]json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]json.RawMessage, len(r.cache))
	for k, v := range r.cache {
		out[k] = v
	}
	return out
}

// Republish re-sends every cached channel to the sink identified by
// clientID. Returns an error if clientID is not registered.
func (r *Registry) Republish(ctx context.Context, clientID string) error {
	r.mu.Lock()
	sink, ok := r.sinks[clientID]
	cached := r.orderedCacheLocked()
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("no sink registered for client_id %s", clientID)
	}

	for _, entry := range cached {
		r.deliver(ctx, sink, entry.channel, entry.data)
	}
	return nil
}

// deliver posts one channel update to one sink, retrying with exponential
// backoff up to maxAttempts or retryBudget wall time, whichever comes
// first. Failures beyond that are logged; the cache already holds the
// latest value so the next publish supersedes.
func (r *Registry) deliver(ctx context.Context, sink Sink, channel string, data json.RawMessage) {
	body, err := json.Marshal(envelope{Channel: channel, Data: data})
	if err != nil {
		r.log.Errorf("marshalling publish envelope for %s: %v", channel, err)
		return
	}

	deadline := time.Now().Add(retryBudget)
	backoff := backoffInitial

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if time.Now().After(deadline) {
			r.log.Warnf("publish to sink %s channel %s exceeded retry wall budget", sink.ClientID, channel)
			return
		}

		if err := r.post(ctx, sink, body); err != nil {
			r.log.Warnf("publish attempt %d to sink %s channel %s failed: %v", attempt, sink.ClientID, channel, err)
			if attempt == maxAttempts {
				return
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > backoffCap {
				backoff = backoffCap
			}
			continue
		}
		return
	}
}

func (r *Registry) post(ctx context.Context, sink Sink, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sink.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for _, h := range sink.Headers {
		req.Header.Set(h.Name, h.Value)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", sink.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sink %s returned status %d", sink.URL, resp.StatusCode)
	}
	return nil
}
