package provisioningconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omnect/omnect-device-service/pkg/log"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestInitialReported_DPSWithSymmetricKey(t *testing.T) {
	path := writeConfig(t, `
[provisioning]
source = "dps"

[provisioning.attestation]
method = "symmetric_key"
`)

	f := New(path, log.NewPrefixLogger("provisioning_config"))
	patch, err := f.InitialReported(context.Background())
	require.NoError(t, err)

	var r reported
	require.NoError(t, json.Unmarshal(patch, &r))
	require.Equal(t, "dps", r.Source)
	require.Equal(t, "symmetric_key", r.Method)
}

func TestInitialReported_ManualWithX509(t *testing.T) {
	certPath := filepath.Join(t.TempDir(), "identity.pem")
	require.NoError(t, os.WriteFile(certPath, []byte("cert"), 0o600))

	path := writeConfig(t, fmt.Sprintf(`
[provisioning]
source = "manual"

[provisioning.attestation]
method = "x509"
identity_cert = %q
`, certPath))

	f := New(path, log.NewPrefixLogger("provisioning_config"))
	patch, err := f.InitialReported(context.Background())
	require.NoError(t, err)

	var r reported
	require.NoError(t, json.Unmarshal(patch, &r))
	require.Equal(t, "manual", r.Source)
	require.NotNil(t, r.Method)
}

func TestInitialReported_MissingFileDoesNotFail(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "missing.toml"), log.NewPrefixLogger("provisioning_config"))
	patch, err := f.InitialReported(context.Background())
	require.NoError(t, err)
	require.NotNil(t, patch)
}
