// Package provisioningconfig implements the provisioning_config feature: a
// single read, at startup, of the on-device identity-service configuration,
// surfaced as a stable {source, method} report, parsed with go-toml/v2.
package provisioningconfig

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/omnect/omnect-device-service/internal/feature"
	"github.com/omnect/omnect-device-service/pkg/log"
)

var _ feature.Feature = (*Feature)(nil)

// ID is the feature's stable identifier.
const ID = "provisioning_config"

const schemaVersion = 1

type x509Method struct {
	Expires string `json:"expires,omitempty"`
	EST     bool   `json:"est,omitempty"`
}

type reported struct {
	Version uint64      `json:"version"`
	Source  string      `json:"source,omitempty"`
	Method  interface{} `json:"method,omitempty"`
}

// identityConfig is the narrow subset of /etc/aziot/config.toml this
// feature cares about; the identity service's full schema has many more
// sections this service has no use for.
type identityConfig struct {
	Provisioning struct {
		Source         string `toml:"source"`
		GlobalEndpoint string `toml:"global_endpoint"`
		Attestation    struct {
			Method       string `toml:"method"`
			IdentityCert string `toml:"identity_cert"`
		} `toml:"attestation"`
	} `toml:"provisioning"`
}

// Feature implements feature.Feature for provisioning_config.
type Feature struct {
	configFile string
	log        *log.PrefixLogger

	source string
	method interface{}
}

// New constructs the provisioning_config feature. configFile is the
// identity-service configuration path (config.IdentityConfigFile).
func New(configFile string, logger *log.PrefixLogger) *Feature {
	return &Feature{configFile: configFile, log: logger}
}

func (f *Feature) ID() string      { return ID }
func (f *Feature) Version() uint64 { return schemaVersion }

func (f *Feature) InitialReported(ctx context.Context) (json.RawMessage, error) {
	data, err := os.ReadFile(f.configFile)
	if err != nil {
		f.log.Warnf("failed reading identity config %s: %v", f.configFile, err)
		return f.snapshot()
	}

	var cfg identityConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		f.log.Errorf("failed parsing identity config %s: %v", f.configFile, err)
		return f.snapshot()
	}

	f.source = normalizeSource(cfg.Provisioning.Source)
	f.method = methodFor(cfg)

	return f.snapshot()
}

func normalizeSource(source string) string {
	switch source {
	case "dps":
		return "dps"
	case "manual":
		return "manual"
	default:
		return ""
	}
}

// methodFor derives the attestation method from the parsed config: tpm,
// sas and symmetric_key are reported as plain strings; x509 carries a
// nested object with the certificate's expiry and whether EST is in use.
func methodFor(cfg identityConfig) interface{} {
	switch cfg.Provisioning.Attestation.Method {
	case "tpm", "sas", "symmetric_key":
		return cfg.Provisioning.Attestation.Method
	case "x509":
		expires := ""
		if cert := cfg.Provisioning.Attestation.IdentityCert; cert != "" {
			if info, err := certExpiry(cert); err == nil {
				expires = info
			}
		}
		return x509Method{Expires: expires, EST: false}
	default:
		return nil
	}
}

func certExpiry(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return "", fmt.Errorf("no PEM block in %s", path)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", err
	}
	return cert.NotAfter.UTC().Format(time.RFC3339), nil
}

func (f *Feature) snapshot() (json.RawMessage, error) {
	return json.Marshal(reported{Version: schemaVersion, Source: f.source, Method: f.method})
}

func (f *Feature) DesiredKeys() []string { return nil }

func (f *Feature) OnDesired(ctx context.Context, version uint64, doc map[string]json.RawMessage) (json.RawMessage, error) {
	return nil, nil
}

func (f *Feature) Methods() []string { return nil }

func (f *Feature) OnMethod(ctx context.Context, name string, payload json.RawMessage) (json.RawMessage, error) {
	return nil, fmt.Errorf("unknown method %s", name)
}

func (f *Feature) Interval() (bool, time.Duration) { return false, 0 }

func (f *Feature) OnTick(ctx context.Context) (json.RawMessage, error) { return nil, nil }

func (f *Feature) WatchedPaths() []string { return nil }

func (f *Feature) OnFSChange(ctx context.Context, path string) (json.RawMessage, error) {
	return nil, nil
}

func (f *Feature) HTTPRoutes() []feature.Route { return nil }
