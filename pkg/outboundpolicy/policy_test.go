package outboundpolicy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticerun/lattice/pkg/outboundpolicy"
)

func mustURL(t *testing.T, raw, scheme string) outboundpolicy.OutboundURL {
	t.Helper()
	u, err := outboundpolicy.ParseOutboundURL(raw, scheme)
	require.NoError(t, err)
	return u
}

func TestParseAllowsURLWithPort(t *testing.T) {
	_, err := outboundpolicy.ParseAllowedHostConfig("http://spin.fermyon.dev:4444")
	require.NoError(t, err)
	_, err = outboundpolicy.ParseAllowedHostConfig("http://spin.fermyon.dev:4444/")
	require.NoError(t, err)
}

func TestParseRejectsPlainHostWithoutScheme(t *testing.T) {
	_, err := outboundpolicy.ParseAllowedHostConfig("spin.fermyon.dev")
	require.Error(t, err)
	_, err = outboundpolicy.ParseAllowedHostConfig("spin.fermyon.dev:80")
	require.Error(t, err)
}

func TestParseRejectsPath(t *testing.T) {
	_, err := outboundpolicy.ParseAllowedHostConfig("http://spin.fermyon.dev/a")
	require.Error(t, err)
	_, err = outboundpolicy.ParseAllowedHostConfig("http://spin.fermyon.dev:6666/a/b")
	require.Error(t, err)
}

func TestParseRejectsInsecureAllowAll(t *testing.T) {
	_, err := outboundpolicy.Parse([]string{"insecure:allow-all"})
	require.Error(t, err)
	_, err = outboundpolicy.Parse([]string{"spin.fermyon.dev", "insecure:allow-all"})
	require.Error(t, err)
}

func TestPortRange(t *testing.T) {
	cfg, err := outboundpolicy.Parse([]string{"*://example.com:4444..5555"})
	require.NoError(t, err)

	assert.True(t, cfg.Allows(mustURL(t, "http://example.com:4444", "http")))
	assert.True(t, cfg.Allows(mustURL(t, "http://example.com:5554", "http")))
	assert.False(t, cfg.Allows(mustURL(t, "http://example.com:5555", "http")))
	assert.False(t, cfg.Allows(mustURL(t, "http://example.com:4443", "http")))
}

func TestScenarioSchemeMismatch(t *testing.T) {
	cfg, err := outboundpolicy.Parse([]string{"http://spin.fermyon.dev:4444"})
	require.NoError(t, err)

	assert.True(t, cfg.Allows(mustURL(t, "http://spin.fermyon.dev:4444/x", "http")))
	assert.False(t, cfg.Allows(mustURL(t, "https://spin.fermyon.dev:4444/x", "https")))
}

func TestCanBeSpecific(t *testing.T) {
	cfg, err := outboundpolicy.Parse([]string{"*://spin.fermyon.dev:443", "http://example.com:8383"})
	require.NoError(t, err)

	assert.True(t, cfg.Allows(mustURL(t, "http://example.com:8383/foo/bar", "http")))
	assert.True(t, cfg.Allows(mustURL(t, "https://spin.fermyon.dev/", "https")))
	assert.False(t, cfg.Allows(mustURL(t, "http://example.com/", "http")))
	assert.False(t, cfg.Allows(mustURL(t, "http://google.com/", "http")))
	assert.True(t, cfg.Allows(mustURL(t, "spin.fermyon.dev:443", "https")))
	assert.True(t, cfg.Allows(mustURL(t, "example.com:8383", "http")))
}

func TestCIDR(t *testing.T) {
	cfg, err := outboundpolicy.Parse([]string{"*://127.0.0.0/24:80"})
	require.NoError(t, err)
	assert.True(t, cfg.Allows(mustURL(t, "http://127.0.0.5:80", "http")))
	assert.False(t, cfg.Allows(mustURL(t, "http://10.0.0.5:80", "http")))

	_, err = outboundpolicy.ParseAllowedHostConfig("*://127.0.0.0/24")
	require.Error(t, err)
}

func TestAllowAllGlob(t *testing.T) {
	cfg, err := outboundpolicy.Parse([]string{"*://*:*"})
	require.NoError(t, err)
	assert.True(t, cfg.Allows(mustURL(t, "https://anything.example:9999/path", "https")))
}

func TestSelfHostNeverAllowsAbsolute(t *testing.T) {
	cfg, err := outboundpolicy.Parse([]string{"http://self"})
	require.NoError(t, err)
	assert.False(t, cfg.Allows(mustURL(t, "http://self", "http")))
	assert.True(t, cfg.AllowsRelativeURL([]string{"http"}))
}
