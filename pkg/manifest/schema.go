package manifest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// manifestSchemaURL is an arbitrary internal resource id; the schema text
// is registered in-memory, never fetched over the network.
const manifestSchemaURL = "https://lattice.local/manifest.schema.json"

// manifestSchema is a minimal structural JSON Schema for the manifest
// shape: manifest_version, application.name and at least one component
// are required, and every component must name a source. Variable
// declarations are not checked here; Loader.Load rejects a variable that
// does not set exactly one of default/required.
const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["manifest_version", "application", "components"],
  "properties": {
    "manifest_version": {"type": "integer"},
    "application": {
      "type": "object",
      "required": ["name"],
      "properties": {"name": {"type": "string"}}
    },
    "components": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {
        "type": "object",
        "required": ["source"]
      }
    }
  }
}`

var compiledManifestSchema *jsonschema.Schema

func init() {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(manifestSchemaURL, strings.NewReader(manifestSchema)); err != nil {
		panic(fmt.Sprintf("manifest: invalid embedded schema: %v", err))
	}
	compiled, err := c.Compile(manifestSchemaURL)
	if err != nil {
		panic(fmt.Sprintf("manifest: schema compile failed: %v", err))
	}
	compiledManifestSchema = compiled
}

// ValidateStructure checks raw manifest YAML (already converted to a
// JSON-compatible value) against the structural schema before the
// strongly-typed ParseManifest decode runs, so malformed manifests fail
// with a schema-pointer path rather than an opaque yaml.Node error.
func ValidateStructure(doc interface{}) error {
	// jsonschema validates against decoded Go values (map[string]interface{}
	// etc.); round-trip through JSON to normalize map key types coming from
	// yaml.v3 (which produces map[string]interface{} for mapping nodes when
	// decoded into interface{}, matching what encoding/json also produces).
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("manifest: re-encode for validation: %w", err)
	}
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("manifest: decode for validation: %w", err)
	}
	if err := compiledManifestSchema.Validate(v); err != nil {
		return fmt.Errorf("manifest: schema validation failed: %w", err)
	}
	return nil
}
