package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/latticerun/lattice/pkg/devwatch"
	"github.com/latticerun/lattice/pkg/invoke"
	"github.com/latticerun/lattice/pkg/lockedapp"
)

// watchPollInterval is how often the dev-loop poller stats the watched
// files. A real inotify/FSEvents watcher would push events instead; the
// filter downstream is the same either way.
const watchPollInterval = 500 * time.Millisecond

// watchChanges starts a polling watcher over the manifest and every
// resolved component source, classifies raw changes through the devwatch
// filter, and signals the returned channel once when a reload is
// warranted. The watcher stops after the first signal; the caller
// rebuilds the app and starts a fresh one.
func watchChanges(ctx context.Context, manifestPath string, app *lockedapp.LockedApp, logger *slog.Logger) <-chan struct{} {
	dir := filepath.Dir(manifestPath)

	paths := []string{manifestPath}
	var sourcePatterns []devwatch.Pattern
	for _, c := range app.Components {
		p, err := invoke.ResolveWasmPath(c.Source.Source)
		if err != nil {
			continue
		}
		paths = append(paths, p)
		sourcePatterns = append(sourcePatterns, devwatch.Pattern{Glob: p})
	}

	filter := devwatch.New(devwatch.Config{
		ManifestPattern: devwatch.NewPattern(dir, filepath.Base(manifestPath)),
		SourcePatterns:  sourcePatterns,
		IgnorePatterns:  devwatch.DefaultIgnorePatterns(),
	})

	ch := make(chan struct{}, 1)
	go pollForReload(ctx, paths, filter, ch, logger.With("component", "devwatch"))
	return ch
}

func pollForReload(ctx context.Context, paths []string, filter *devwatch.Filter, ch chan<- struct{}, logger *slog.Logger) {
	type stamp struct {
		mtime  time.Time
		exists bool
	}
	snap := make(map[string]stamp, len(paths))
	for _, p := range paths {
		if fi, err := os.Stat(p); err == nil {
			snap[p] = stamp{mtime: fi.ModTime(), exists: true}
		} else {
			snap[p] = stamp{}
		}
	}

	ticker := time.NewTicker(watchPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, p := range paths {
			fi, err := os.Stat(p)
			prev := snap[p]

			var ev devwatch.Event
			switch {
			case err != nil && prev.exists:
				ev = devwatch.Event{Path: p, Kind: devwatch.EventRemove}
				snap[p] = stamp{}
			case err == nil && !prev.exists:
				ev = devwatch.Event{Path: p, Kind: devwatch.EventCreate}
				snap[p] = stamp{mtime: fi.ModTime(), exists: true}
			case err == nil && fi.ModTime().After(prev.mtime):
				ev = devwatch.Event{Path: p, Kind: devwatch.EventModifyContent}
				snap[p] = stamp{mtime: fi.ModTime(), exists: true}
			default:
				continue
			}

			d := filter.Check(ev)
			if !d.Reload {
				continue
			}
			logger.Info("watched file changed", "path", p, "class", classString(d.Class))
			select {
			case ch <- struct{}{}:
			default:
			}
			return
		}
	}
}

func classString(c devwatch.Classification) string {
	switch c {
	case devwatch.ClassManifest:
		return "manifest"
	case devwatch.ClassSource:
		return "source"
	case devwatch.ClassArtifact:
		return "artifact"
	default:
		return "unknown"
	}
}
