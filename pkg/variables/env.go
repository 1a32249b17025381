package variables

import (
	"context"
	"os"
	"strings"
)

// DefaultEnvPrefix is the environment prefix the host-level provider
// reads variables from: variable "api_key" resolves from
// SPIN_VARIABLE_API_KEY.
const DefaultEnvPrefix = "SPIN_VARIABLE_"

// EnvProvider resolves variables from process environment variables named
// <Prefix><UPPER_SNAKE_NAME>.
type EnvProvider struct {
	Prefix string
}

// NewEnvProvider builds an EnvProvider; an empty prefix uses
// DefaultEnvPrefix.
func NewEnvProvider(prefix string) EnvProvider {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return EnvProvider{Prefix: prefix}
}

// Get implements Provider.
func (p EnvProvider) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := os.LookupEnv(p.Prefix + strings.ToUpper(key))
	return v, ok, nil
}
