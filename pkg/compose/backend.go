package compose

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/latticerun/lattice/pkg/lockedapp"
)

// ErrNoGraphBackend is returned by UnlinkedGraph for every operation: the
// host build carries no component-composition backend, so any component
// that actually declares dependencies fails at load with a linkage error
// instead of being silently served unlinked.
var ErrNoGraphBackend = errors.New("compose: no composition backend linked into this build")

// NewUnlinkedGraph returns the Graph a host uses when no composition
// backend is wired in. Compose never touches the graph for a component
// without dependencies, so dependency-free apps load normally; a
// component with dependencies fails at its first graph operation.
func NewUnlinkedGraph() Graph { return unlinkedGraph{} }

type unlinkedGraph struct{}

func (unlinkedGraph) RegisterPackage(string, []byte) (WorldID, NodeID, error) {
	return nil, nil, ErrNoGraphBackend
}
func (unlinkedGraph) World(WorldID) World                                 { return nil }
func (unlinkedGraph) AliasInstanceExport(NodeID, string) (ExportID, error) { return nil, ErrNoGraphBackend }
func (unlinkedGraph) SetInstantiationArgument(NodeID, string, ExportID) error {
	return ErrNoGraphBackend
}
func (unlinkedGraph) Export(ExportID, string) error { return ErrNoGraphBackend }
func (unlinkedGraph) Checker() SubtypeChecker       { return nil }
func (unlinkedGraph) Encode() ([]byte, error)       { return nil, ErrNoGraphBackend }

// FileSourceLoader resolves locked component sources the way the manifest
// loader emits them: inline bytes, or an absolute file:// URL into the
// content cache. A digest on the ref is verified against the loaded bytes.
type FileSourceLoader struct{}

// Load implements SourceLoader.
func (FileSourceLoader) Load(_ context.Context, source lockedapp.LockedComponentSource) ([]byte, error) {
	var data []byte
	switch {
	case source.Inline != nil:
		data = source.Inline
	case source.Source != nil:
		raw := *source.Source
		if !strings.HasPrefix(raw, "file://") {
			return nil, fmt.Errorf("compose: unsupported content ref scheme in %q", raw)
		}
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("compose: parsing content ref %q: %w", raw, err)
		}
		data, err = os.ReadFile(u.Path)
		if err != nil {
			return nil, fmt.Errorf("compose: reading %q: %w", u.Path, err)
		}
	default:
		return nil, errors.New("compose: content ref has neither source nor inline bytes")
	}

	if source.Digest != nil {
		want := strings.TrimPrefix(*source.Digest, "sha256:")
		sum := sha256.Sum256(data)
		if got := hex.EncodeToString(sum[:]); got != want {
			return nil, fmt.Errorf("compose: digest mismatch: manifest says %s, content is %s", want, got)
		}
	}
	return data, nil
}
