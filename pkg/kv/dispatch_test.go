package kv_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticerun/lattice/pkg/kv"
)

func newDispatch(t *testing.T, allowed []string) *kv.Dispatch {
	t.Helper()
	manager := kv.NewStaticStoreManager(map[string]kv.Store{
		"default": kv.NewMemoryStore(),
	}, map[string]string{"default": "memory"})
	return kv.NewDispatch(allowed, manager)
}

func TestOpenDeniedWhenNotAllowed(t *testing.T) {
	d := newDispatch(t, nil)
	_, err := d.Open(context.Background(), "default")
	require.ErrorIs(t, err, kv.ErrAccessDenied)
}

func TestOpenNoSuchStoreWhenAllowedButUnconfigured(t *testing.T) {
	d := newDispatch(t, []string{"missing"})
	_, err := d.Open(context.Background(), "missing")
	require.ErrorIs(t, err, kv.ErrNoSuchStore)
}

func TestGetSetDeleteExists(t *testing.T) {
	d := newDispatch(t, []string{"default"})
	ctx := context.Background()
	handle, err := d.Open(ctx, "default")
	require.NoError(t, err)

	exists, err := d.Exists(ctx, handle, "k")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, d.Set(ctx, handle, "k", []byte("v")))

	exists, err = d.Exists(ctx, handle, "k")
	require.NoError(t, err)
	require.True(t, exists)

	v, err := d.Get(ctx, handle, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)

	require.NoError(t, d.Delete(ctx, handle, "k"))
	exists, err = d.Exists(ctx, handle, "k")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestBatchEmptyInputsShortCircuit(t *testing.T) {
	d := newDispatch(t, []string{"default"})
	ctx := context.Background()
	handle, err := d.Open(ctx, "default")
	require.NoError(t, err)

	out, err := d.GetMany(ctx, handle, nil)
	require.NoError(t, err)
	require.Empty(t, out)

	require.NoError(t, d.SetMany(ctx, handle, nil))
	require.NoError(t, d.DeleteMany(ctx, handle, nil))
}

func TestIncrementAbsentKeyIsZero(t *testing.T) {
	d := newDispatch(t, []string{"default"})
	ctx := context.Background()
	handle, err := d.Open(ctx, "default")
	require.NoError(t, err)

	v, err := d.Increment(ctx, handle, "counter", 5)
	require.NoError(t, err)
	require.Equal(t, int64(5), v)

	v, err = d.Increment(ctx, handle, "counter", -2)
	require.NoError(t, err)
	require.Equal(t, int64(3), v)
}

// TestCasSequenceFailsAndReborrows exercises the testable-property scenario:
// new(k); v = current(); set(k, v'); swap(v'') fails with CasFailed and a
// fresh token whose current() equals v'.
func TestCasSequenceFailsAndReborrows(t *testing.T) {
	d := newDispatch(t, []string{"default"})
	ctx := context.Background()
	handle, err := d.Open(ctx, "default")
	require.NoError(t, err)

	require.NoError(t, d.Set(ctx, handle, "k", []byte("v0")))

	casHandle, err := d.NewCas(ctx, handle, "k")
	require.NoError(t, err)

	_, err = d.Current(ctx, casHandle)
	require.NoError(t, err)

	// Another writer changes the value out from under the CAS token.
	require.NoError(t, d.Set(ctx, handle, "k", []byte("v1")))

	newHandle, err := d.Swap(ctx, casHandle, []byte("v2"))
	require.Error(t, err)
	require.NotZero(t, newHandle)

	current, err := d.Current(ctx, newHandle)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), current)
}

func TestLegacyErrorTranslation(t *testing.T) {
	require.Equal(t, kv.LegacyStoreTableFull, kv.ToLegacy(kv.ErrStoreTableFull))
	require.Equal(t, kv.LegacyNoSuchStore, kv.ToLegacy(kv.ErrNoSuchStore))
	require.Equal(t, kv.LegacyAccessDenied, kv.ToLegacy(kv.ErrAccessDenied))
	require.Equal(t, kv.LegacyIO, kv.ToLegacy(kv.ErrOther("disk full")))
}
