package variables_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticerun/lattice/pkg/variables"
)

type mapProvider map[string]string

func (m mapProvider) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := m[key]
	return v, ok, nil
}

func newTestResolver(t *testing.T) *variables.ProviderResolver {
	t.Helper()
	def := "default-value"
	r, err := variables.NewProviderResolver(map[string]variables.Variable{
		"required": {},
		"default":  {Default: &def},
	})
	require.NoError(t, err)
	require.NoError(t, r.AddComponentVariables("test-component", map[string]string{
		"test_key": "",
	}))
	r.AddProvider(mapProvider{"required": "provider-value"})
	return r
}

func resolve(t *testing.T, template string) (string, error) {
	t.Helper()
	def := "default-value"
	r, err := variables.NewProviderResolver(map[string]variables.Variable{
		"required": {},
		"default":  {Default: &def},
	})
	require.NoError(t, err)
	require.NoError(t, r.AddComponentVariables("test-component", map[string]string{
		"test_key": template,
	}))
	r.AddProvider(mapProvider{"required": "provider-value"})
	return r.Resolve(context.Background(), "test-component", "test_key")
}

func TestResolveStatic(t *testing.T) {
	v, err := resolve(t, "static-value")
	require.NoError(t, err)
	require.Equal(t, "static-value", v)
}

func TestResolveVariableDefault(t *testing.T) {
	v, err := resolve(t, "prefix-{{ default }}-suffix")
	require.NoError(t, err)
	require.Equal(t, "prefix-default-value-suffix", v)
}

func TestResolveVariableProvider(t *testing.T) {
	v, err := resolve(t, "prefix-{{ required }}-suffix")
	require.NoError(t, err)
	require.Equal(t, "prefix-provider-value-suffix", v)
}

func TestKeysGood(t *testing.T) {
	for _, key := range []string{"ab", "abc", "a1b2c3", "a_1", "a_1_b_3"} {
		require.NoError(t, variables.ValidateKey(key), key)
	}
}

func TestKeysBad(t *testing.T) {
	for _, key := range []string{"", "a", "aX", "1bc", "_x", "x.y", "x_", "a__b", "x-y"} {
		require.Error(t, variables.ValidateKey(key), key)
	}
}

func TestTemplateLiteral(t *testing.T) {
	tmpl, err := variables.NewTemplate("hello")
	require.NoError(t, err)
	require.True(t, tmpl.IsLiteral())

	tmpl2, err := variables.NewTemplate("hello {{ world }}")
	require.NoError(t, err)
	require.False(t, tmpl2.IsLiteral())
}

func TestUnknownVariableRejectedAtRegistration(t *testing.T) {
	r, err := variables.NewResolver(map[string]variables.Variable{
		"known": {},
	})
	require.NoError(t, err)
	err = r.AddComponentVariables("comp", map[string]string{
		"key": "{{ unknown }}",
	})
	require.Error(t, err)
}

func TestResolveAllConcurrent(t *testing.T) {
	r := newTestResolver(t)
	require.NoError(t, r.AddComponentVariables("test-component", map[string]string{
		"a": "{{ required }}",
		"b": "{{ default }}",
	}))
	out, err := r.ResolveAll(context.Background(), "test-component")
	require.NoError(t, err)
	require.Equal(t, "provider-value", out["a"])
	require.Equal(t, "default-value", out["b"])
}

func TestPrepareSnapshotsWithoutFurtherProviderCalls(t *testing.T) {
	r := newTestResolver(t)
	prepared, err := r.Prepare(context.Background())
	require.NoError(t, err)

	tmpl, err := variables.NewTemplate("{{ required }}/{{ default }}")
	require.NoError(t, err)
	v, err := prepared.ResolveTemplate(tmpl)
	require.NoError(t, err)
	require.Equal(t, "provider-value/default-value", v)
}

func TestEnvProviderResolvesPrefixedName(t *testing.T) {
	t.Setenv("SPIN_VARIABLE_API_KEY", "from-env")
	p := variables.NewEnvProvider("")
	v, ok, err := p.Get(context.Background(), "api_key")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "from-env", v)

	_, ok, err = p.Get(context.Background(), "unset_name")
	require.NoError(t, err)
	require.False(t, ok)
}
