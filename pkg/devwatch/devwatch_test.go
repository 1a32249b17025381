package devwatch_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticerun/lattice/pkg/devwatch"
)

func newFilter(t *testing.T, root string) *devwatch.Filter {
	t.Helper()
	return devwatch.New(devwatch.Config{
		ManifestPattern:  devwatch.NewPattern(root, "spin.toml"),
		SourcePatterns:   []devwatch.Pattern{devwatch.NewPattern(root, "*.rs")},
		ArtifactPatterns: nil,
		IgnorePatterns:   devwatch.DefaultIgnorePatterns(),
	})
}

func TestCheck_ModifyWatchedFile(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.rs")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	f := newFilter(t, root)
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	d := f.Check(devwatch.Event{Path: path, Kind: devwatch.EventModifyContent})
	assert.True(t, d.Reload)
	assert.Equal(t, devwatch.ClassSource, d.Class)
}

func TestCheck_IgnoresSwapFiles(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.rs.swp")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	f := newFilter(t, root)
	d := f.Check(devwatch.Event{Path: path, Kind: devwatch.EventModifyContent})
	assert.False(t, d.Reload)
}

func TestCheck_CreateWatchedFile(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.rs")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	f := newFilter(t, root)
	d := f.Check(devwatch.Event{Path: path, Kind: devwatch.EventCreate})
	assert.True(t, d.Reload)
}

func TestCheck_RemoveWatchedFile(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.rs")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	require.NoError(t, os.Remove(path))

	f := newFilter(t, root)
	d := f.Check(devwatch.Event{Path: path, Kind: devwatch.EventRemove})
	assert.True(t, d.Reload)
}

func TestCheck_InvalidEventKindRejected(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.rs")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	f := newFilter(t, root)
	d := f.Check(devwatch.Event{Path: path, Kind: devwatch.EventOther})
	assert.False(t, d.Reload)
}

func TestCheck_UnwatchedPathRejected(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	f := newFilter(t, root)
	d := f.Check(devwatch.Event{Path: path, Kind: devwatch.EventModifyContent})
	assert.False(t, d.Reload)
}
