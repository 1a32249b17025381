package lockedapp_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticerun/lattice/pkg/lockedapp"
)

func TestNoHostReqsSerializesAsV0AndV0DeserializesAsV1(t *testing.T) {
	app := lockedapp.LockedApp{}

	raw, err := json.Marshal(app)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"spin_lock_version":0`)

	reloaded, err := lockedapp.FromJSON(raw)
	require.NoError(t, err)
	require.Empty(t, reloaded.MustUnderstand)
}

func TestWithHostReqsSerializesAsV1(t *testing.T) {
	app := lockedapp.LockedApp{
		MustUnderstand:   []lockedapp.MustUnderstand{lockedapp.MustUnderstandHostRequirements},
		HostRequirements: map[string]json.RawMessage{lockedapp.ServiceChainingKey: json.RawMessage(`"bar"`)},
	}

	raw, err := json.Marshal(app)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"spin_lock_version":1`)

	reloaded, err := lockedapp.FromJSON(raw)
	require.NoError(t, err)
	require.Len(t, reloaded.MustUnderstand, 1)
	require.Len(t, reloaded.HostRequirements, 1)
}

func TestDeserializingIgnoresUnknownFields(t *testing.T) {
	raw := []byte(`{
		"spin_lock_version": 1,
		"triggers": [],
		"components": [],
		"never_create_field_with_this_name": 123
	}`)
	app, err := lockedapp.FromJSON(raw)
	require.NoError(t, err)
	require.Empty(t, app.Triggers)
}

func TestDeserializingRejectsUnknownMustUnderstand(t *testing.T) {
	raw := []byte(`{
		"spin_lock_version": 1,
		"must_understand": ["never_create_field_with_this_name"],
		"triggers": [],
		"components": []
	}`)
	_, err := lockedapp.FromJSON(raw)
	require.ErrorContains(t, err, "never_create_field_with_this_name")
}

func TestDeserializingAcceptsUnderstoodMustUnderstand(t *testing.T) {
	raw := []byte(`{
		"spin_lock_version": 1,
		"must_understand": ["host_requirements"],
		"host_requirements": {"local_service_chaining": "required"},
		"triggers": [],
		"components": []
	}`)
	app, err := lockedapp.FromJSON(raw)
	require.NoError(t, err)
	require.Len(t, app.MustUnderstand, 1)
	require.Len(t, app.HostRequirements, 1)
}

func TestDeserializingRejectsUnsupportedHostRequirement(t *testing.T) {
	raw := []byte(`{
		"spin_lock_version": 1,
		"must_understand": ["host_requirements"],
		"host_requirements": {
			"local_service_chaining": "required",
			"accelerated_spline_reticulation": "required"
		},
		"triggers": [],
		"components": []
	}`)
	_, err := lockedapp.FromJSON(raw)
	require.ErrorContains(t, err, "accelerated_spline_reticulation")
}

func TestDeserializingSkipsOptionalHostRequirements(t *testing.T) {
	raw := []byte(`{
		"spin_lock_version": 1,
		"must_understand": ["host_requirements"],
		"host_requirements": {
			"local_service_chaining": "required",
			"accelerated_spline_reticulation": "optional"
		},
		"triggers": [],
		"components": []
	}`)
	app, err := lockedapp.FromJSON(raw)
	require.NoError(t, err)
	require.Len(t, app.HostRequirements, 1)
}

func TestRejectsUnsupportedSchemaVersion(t *testing.T) {
	raw := []byte(`{"spin_lock_version": 7, "triggers": [], "components": []}`)
	_, err := lockedapp.FromJSON(raw)
	require.Error(t, err)
}

func TestContentRefRoundTripsInlineBase64(t *testing.T) {
	ref := lockedapp.ContentRef{Inline: []byte("hello wasm")}
	raw, err := json.Marshal(ref)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"inline"`)

	var decoded lockedapp.ContentRef
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, []byte("hello wasm"), decoded.Inline)
}

func TestLockedComponentSourceFlattensContentRef(t *testing.T) {
	src := lockedapp.LockedComponentSource{
		ContentType: "application/wasm",
		ContentRef:  lockedapp.ContentRef{Source: strPtr("file:///tmp/a.wasm")},
	}
	raw, err := json.Marshal(src)
	require.NoError(t, err)

	var decoded lockedapp.LockedComponentSource
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, "application/wasm", decoded.ContentType)
	require.Equal(t, "file:///tmp/a.wasm", *decoded.Source)
}

func TestInheritConfigurationDefaultIsDenyAll(t *testing.T) {
	var dep lockedapp.LockedComponentDependency
	require.True(t, dep.Inherit.IsNone())

	raw, err := json.Marshal(dep)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "inherit")
}

func TestInheritAllRoundTrips(t *testing.T) {
	raw, err := json.Marshal(lockedapp.InheritAll())
	require.NoError(t, err)
	require.Equal(t, `"All"`, string(raw))

	var decoded lockedapp.InheritConfiguration
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.True(t, decoded.All)
}

func TestInheritSomeRoundTrips(t *testing.T) {
	raw, err := json.Marshal(lockedapp.InheritSome([]string{"db_url"}))
	require.NoError(t, err)

	var decoded lockedapp.InheritConfiguration
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.False(t, decoded.All)
	require.Equal(t, []string{"db_url"}, decoded.Some)
}

func TestEnsureNeedsOnly(t *testing.T) {
	app := lockedapp.LockedApp{
		HostRequirements: map[string]json.RawMessage{lockedapp.ServiceChainingKey: json.RawMessage(`"required"`)},
	}
	require.NoError(t, app.EnsureNeedsOnly([]string{lockedapp.ServiceChainingKey}))
	require.Error(t, app.EnsureNeedsOnly(nil))
}

func strPtr(s string) *string { return &s }
