package lockedapp

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

func base64Encode(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func base64Decode(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }

// mergeFlatten combines two encoded JSON objects into one, mimicking
// serde's #[serde(flatten)]: fields from b win on key collision.
func mergeFlatten(a, b []byte) ([]byte, error) {
	var am, bm map[string]json.RawMessage
	if err := json.Unmarshal(a, &am); err != nil {
		return nil, fmt.Errorf("lockedapp: flatten merge: %w", err)
	}
	if err := json.Unmarshal(b, &bm); err != nil {
		return nil, fmt.Errorf("lockedapp: flatten merge: %w", err)
	}
	for k, v := range bm {
		am[k] = v
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(am); err != nil {
		return nil, err
	}
	out := bytes.TrimRight(buf.Bytes(), "\n")
	return out, nil
}
