package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/omnect/omnect-device-service/internal/adapters/fswatch"
	"github.com/omnect/omnect-device-service/pkg/log"
)

func TestRunFSWatcher_FiresOnChangeAfterDebounce(t *testing.T) {
	dir := t.TempDir()
	f := &stubFeature{id: "device_update_consent", watched: []string{dir}}
	d := newDispatcher(t, f)

	watcher, err := fswatch.New(log.NewPrefixLogger("fswatch"))
	require.NoError(t, err)
	defer watcher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go watcher.Run(ctx)
	require.NoError(t, d.RunFSWatcher(ctx, watcher))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "user_consent_request.json"), []byte(`{}`), 0o644))

	require.Eventually(t, func() bool {
		return d.Snapshot()["device_update_consent"] != nil
	}, fswatch.Debounce+2*time.Second, 100*time.Millisecond)
}
