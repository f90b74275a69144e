package wificommissioning

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitialReported_ReflectsAvailability(t *testing.T) {
	f := New(true)
	patch, err := f.InitialReported(context.Background())
	require.NoError(t, err)

	var r reported
	require.NoError(t, json.Unmarshal(patch, &r))
	require.True(t, r.Available)
}

func TestInitialReported_Unavailable(t *testing.T) {
	f := New(false)
	patch, err := f.InitialReported(context.Background())
	require.NoError(t, err)

	var r reported
	require.NoError(t, json.Unmarshal(patch, &r))
	require.False(t, r.Available)
}
