// Package sshtunnel implements the ssh_tunnel feature: on-demand keypair
// generation, launching a detached SSH-tunnel runner process bound to a
// certificate the cloud side issued, and a self-imposed tunnel lifetime.
// Uses internal/adapters/process to start and track the detached runner,
// fileio.ReadWriter for the per-tunnel key/certificate material, and
// golang.org/x/crypto/ssh to marshal the generated keypair into OpenSSH
// wire formats.
package sshtunnel

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/omnect/omnect-device-service/internal/adapters/process"
	"github.com/omnect/omnect-device-service/internal/feature"
	"github.com/omnect/omnect-device-service/internal/fileio"
	rterrors "github.com/omnect/omnect-device-service/internal/runtime/errors"
	"github.com/omnect/omnect-device-service/pkg/executer"
	"github.com/omnect/omnect-device-service/pkg/log"
)

var _ feature.Feature = (*Feature)(nil)

// ID is the feature's stable identifier.
const ID = "ssh_tunnel"

const schemaVersion = 1

// TunnelLifetime is the self-imposed lifetime of an open tunnel; the
// runner and its key material are torn down once it elapses, whether or
// not close_ssh_tunnel was called.
const TunnelLifetime = 300 * time.Second

const (
	privateKeyFile  = "id_ed25519"
	publicKeyFile   = "id_ed25519.pub"
	certificateFile = "id_ed25519-cert.pub"
)

// tunnelState is the per-tunnel state machine: unmodified -> keyGenerated
// -> tunnelOpen -> closed.
type tunnelState int

const (
	stateUnmodified tunnelState = iota
	stateKeyGenerated
	stateTunnelOpen
	stateClosed
)

type tunnel struct {
	id         string
	dir        string
	state      tunnelState
	handle     *process.Handle
	socketPath string
	timer      *time.Timer
}

type reported struct {
	Version uint64 `json:"version"`
	CAPub   string `json:"ca_pub,omitempty"`
}

// Runner launches the external SSH-tunnel runner binary.
type Runner interface {
	Start(name string, args ...string) (*process.Handle, error)
}

// Feature implements feature.Feature for ssh_tunnel.
type Feature struct {
	mu         sync.Mutex
	fio        fileio.ReadWriter
	runner     Runner
	exec       executer.Executer
	runnerPath string
	runtimeDir string // relative to fio's root, e.g. "ssh-tunnels"
	caPubFile  string // trusted-ca file path, relative to fio's root
	log        *log.PrefixLogger

	caPub   string
	tunnels map[string]*tunnel
}

// New constructs the ssh_tunnel feature. runtimeDir is the directory
// (relative to fio's root) under which per-tunnel key material lives;
// caPubFile is where the ssh_tunnel_ca_pub desired value is persisted.
// exec runs the `ssh -O exit` control command used to close a tunnel's
// master socket gracefully.
func New(fio fileio.ReadWriter, runner Runner, exec executer.Executer, runnerPath, runtimeDir, caPubFile string, logger *log.PrefixLogger) *Feature {
	return &Feature{
		fio:        fio,
		runner:     runner,
		exec:       exec,
		runnerPath: runnerPath,
		runtimeDir: runtimeDir,
		caPubFile:  caPubFile,
		log:        logger,
		tunnels:    map[string]*tunnel{},
	}
}

func (f *Feature) ID() string      { return ID }
func (f *Feature) Version() uint64 { return schemaVersion }

func (f *Feature) InitialReported(ctx context.Context) (json.RawMessage, error) {
	if data, err := f.fio.ReadFile(f.caPubFile); err == nil {
		f.caPub = string(data)
	}
	return f.snapshot()
}

func (f *Feature) snapshot() (json.RawMessage, error) {
	return json.Marshal(reported{Version: schemaVersion, CAPub: f.caPub})
}

func (f *Feature) DesiredKeys() []string { return []string{"ssh_tunnel_ca_pub"} }

func (f *Feature) OnDesired(ctx context.Context, version uint64, doc map[string]json.RawMessage) (json.RawMessage, error) {
	raw, ok := doc["ssh_tunnel_ca_pub"]
	if !ok {
		return nil, nil
	}
	if len(raw) == 0 || string(raw) == "null" {
		f.caPub = ""
	} else {
		var caPub string
		if err := json.Unmarshal(raw, &caPub); err != nil {
			return nil, fmt.Errorf("%w: ssh_tunnel_ca_pub must be a string: %v", rterrors.ErrDesiredRejected, err)
		}
		f.caPub = caPub
	}

	if err := f.fio.WriteFile(f.caPubFile, []byte(f.caPub), fileio.DefaultFilePermissions); err != nil {
		return nil, fmt.Errorf("%w: persisting ssh_tunnel_ca_pub: %v", rterrors.ErrSystemFailure, err)
	}

	return f.snapshot()
}

func (f *Feature) Methods() []string {
	return []string{"get_ssh_pub_key", "open_ssh_tunnel", "close_ssh_tunnel"}
}

func (f *Feature) OnMethod(ctx context.Context, name string, payload json.RawMessage) (json.RawMessage, error) {
	switch name {
	case "get_ssh_pub_key":
		return f.getSSHPubKey(ctx, payload)
	case "open_ssh_tunnel":
		return f.openSSHTunnel(ctx, payload)
	case "close_ssh_tunnel":
		return f.closeSSHTunnel(ctx, payload)
	default:
		return nil, fmt.Errorf("%w: unknown method %s", rterrors.ErrMethodRejected, name)
	}
}

type tunnelIDPayload struct {
	TunnelID string `json:"tunnel_id"`
}

func (f *Feature) getSSHPubKey(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req tunnelIDPayload
	if err := json.Unmarshal(payload, &req); err != nil || req.TunnelID == "" {
		return nil, fmt.Errorf("%w: get_ssh_pub_key requires a tunnel_id", rterrors.ErrMethodRejected)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: generating keypair: %v", rterrors.ErrSystemFailure, err)
	}

	dir := filepath.Join(f.runtimeDir, req.TunnelID)
	if err := f.fio.MkdirAll(dir, fileio.DefaultDirectoryPermissions); err != nil {
		return nil, fmt.Errorf("%w: creating tunnel directory: %v", rterrors.ErrSystemFailure, err)
	}

	privPEM, err := marshalPrivateKeyPEM(priv)
	if err != nil {
		return nil, fmt.Errorf("%w: marshalling private key: %v", rterrors.ErrSystemFailure, err)
	}
	if err := f.fio.WriteFile(filepath.Join(dir, privateKeyFile), privPEM, 0o600); err != nil {
		return nil, fmt.Errorf("%w: writing private key: %v", rterrors.ErrSystemFailure, err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: converting public key: %v", rterrors.ErrSystemFailure, err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "SSH PUBLIC KEY", Bytes: sshPub.Marshal()})
	if err := f.fio.WriteFile(filepath.Join(dir, publicKeyFile), pubPEM, fileio.DefaultFilePermissions); err != nil {
		return nil, fmt.Errorf("%w: writing public key: %v", rterrors.ErrSystemFailure, err)
	}

	f.mu.Lock()
	f.tunnels[req.TunnelID] = &tunnel{id: req.TunnelID, dir: dir, state: stateKeyGenerated}
	f.mu.Unlock()

	return json.Marshal(map[string]string{"public_key": string(pubPEM)})
}

func marshalPrivateKeyPEM(priv ed25519.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

type openTunnelPayload struct {
	TunnelID    string `json:"tunnel_id"`
	Certificate string `json:"certificate"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	User        string `json:"user"`
	SocketPath  string `json:"socket_path"`
}

func (f *Feature) openSSHTunnel(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req openTunnelPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: malformed open_ssh_tunnel payload: %v", rterrors.ErrMethodRejected, err)
	}

	f.mu.Lock()
	t, ok := f.tunnels[req.TunnelID]
	if !ok || t.state != stateKeyGenerated {
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: open_ssh_tunnel for %s without a prior get_ssh_pub_key", rterrors.ErrMethodRejected, req.TunnelID)
	}
	f.mu.Unlock()

	certPath := filepath.Join(t.dir, certificateFile)
	if err := f.fio.WriteFile(certPath, []byte(req.Certificate), fileio.DefaultFilePermissions); err != nil {
		return nil, fmt.Errorf("%w: writing certificate: %v", rterrors.ErrSystemFailure, err)
	}

	identityPath := f.fio.PathFor(filepath.Join(t.dir, privateKeyFile))
	args := []string{
		"-i", identityPath,
		"-o", "CertificateFile=" + f.fio.PathFor(certPath),
		"-o", "PubkeyAuthentication=yes",
		"-o", "PasswordAuthentication=no",
		"-M", "-S", req.SocketPath,
		"-p", strconv.Itoa(req.Port),
		fmt.Sprintf("%s@%s", req.User, req.Host),
	}

	handle, err := f.runner.Start(f.runnerPath, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: launching ssh-tunnel runner: %v", rterrors.ErrSystemFailure, err)
	}

	f.mu.Lock()
	t.handle = handle
	t.state = stateTunnelOpen
	t.socketPath = req.SocketPath
	t.timer = time.AfterFunc(TunnelLifetime, func() { f.expireTunnel(req.TunnelID) })
	f.mu.Unlock()

	go func() { _ = handle.Wait() }()

	return f.snapshot()
}

func (f *Feature) expireTunnel(tunnelID string) {
	f.mu.Lock()
	t, ok := f.tunnels[tunnelID]
	f.mu.Unlock()
	if !ok {
		return
	}

	f.log.Infof("ssh tunnel %s reached its self-imposed lifetime, tearing down", tunnelID)
	f.teardown(t)
}

func (f *Feature) teardown(t *tunnel) {
	if t.handle != nil {
		if err := t.handle.Kill(); err != nil {
			f.log.Warnf("killing ssh-tunnel runner for %s: %v", t.id, err)
		}
	}
	if err := f.fio.RemoveFile(filepath.Join(t.dir, privateKeyFile)); err != nil {
		f.log.Warnf("removing private key for %s: %v", t.id, err)
	}
	if err := f.fio.RemoveFile(filepath.Join(t.dir, publicKeyFile)); err != nil {
		f.log.Warnf("removing public key for %s: %v", t.id, err)
	}
	if err := f.fio.RemoveFile(filepath.Join(t.dir, certificateFile)); err != nil {
		f.log.Warnf("removing certificate for %s: %v", t.id, err)
	}

	f.mu.Lock()
	t.state = stateClosed
	if t.timer != nil {
		t.timer.Stop()
	}
	f.mu.Unlock()
}

func (f *Feature) closeSSHTunnel(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req tunnelIDPayload
	if err := json.Unmarshal(payload, &req); err != nil || req.TunnelID == "" {
		return nil, fmt.Errorf("%w: close_ssh_tunnel requires a tunnel_id", rterrors.ErrMethodRejected)
	}

	f.mu.Lock()
	t, ok := f.tunnels[req.TunnelID]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown tunnel_id %s", rterrors.ErrNotFound, req.TunnelID)
	}

	if t.socketPath != "" {
		if _, stderr, exitCode := f.exec.ExecuteWithContext(ctx, "ssh", "-O", "exit", "-S", t.socketPath, "."); exitCode != 0 {
			f.log.Warnf("control-exit on master socket %s failed (exit %d): %s", t.socketPath, exitCode, stderr)
		}
	}
	f.teardown(t)

	return f.snapshot()
}

func (f *Feature) Interval() (bool, time.Duration) { return false, 0 }

func (f *Feature) OnTick(ctx context.Context) (json.RawMessage, error) { return nil, nil }

func (f *Feature) WatchedPaths() []string { return nil }

func (f *Feature) OnFSChange(ctx context.Context, path string) (json.RawMessage, error) {
	return nil, nil
}

func (f *Feature) HTTPRoutes() []feature.Route { return nil }
