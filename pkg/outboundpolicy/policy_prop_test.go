package outboundpolicy_test

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/latticerun/lattice/pkg/outboundpolicy"
)

// TestPortRangeProperty checks the half-open range invariant: a port is
// admitted by a "start..end" entry iff start <= port < end, for randomly
// generated ranges and probe ports.
func TestPortRangeProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("half-open port range admits exactly [start,end)", prop.ForAll(
		func(startI, widthI, probeI int) bool {
			start := uint16(startI)
			end := start + uint16(widthI)
			probe := uint16(probeI)
			if end <= start {
				return true // degenerate, skip
			}
			raw := fmt.Sprintf("*://example.com:%d..%d", start, end)
			cfg, err := outboundpolicy.Parse([]string{raw})
			if err != nil {
				return false
			}
			u, err := outboundpolicy.ParseOutboundURL(fmt.Sprintf("http://example.com:%d", probe), "http")
			if err != nil {
				return false
			}
			want := probe >= start && probe < end
			return cfg.Allows(u) == want
		},
		gen.IntRange(1, 30000),
		gen.IntRange(1, 1000),
		gen.IntRange(1, 31000),
	))

	properties.TestingRun(t)
}
