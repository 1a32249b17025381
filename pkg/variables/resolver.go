// Package variables implements the three-layer variable resolver: a base
// Resolver owning declared variables and per-component templates, a
// ProviderResolver extending it with an ordered list of external
// providers, and a PreparedResolver snapshot that answers without making
// further provider calls.
package variables

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"
)

var keyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*[a-z0-9]$`)

// ValidateKey enforces the variable-name grammar: lower-case ASCII
// letters, digits, and underscores; at least two characters long; must
// start with a letter, end with a letter or digit, and never contain two
// consecutive underscores.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("invalid variable name %q: must not be empty", key)
	}
	if strings.Contains(key, "__") {
		return fmt.Errorf("invalid variable name %q: must not contain multiple consecutive underscores", key)
	}
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("invalid variable name %q: must be lower-case letters, numbers, and underscores, starting with a letter and ending with a letter or digit", key)
	}
	return nil
}

// Variable is a declared variable: an optional default and a flag
// controlling whether its resolved value may be logged.
type Variable struct {
	Default *string
	Secret  bool
}

// Provider resolves a variable by name from an external source (env,
// vault, file, etc.), returning ("", false, nil) when it has no opinion.
type Provider interface {
	Get(ctx context.Context, key string) (string, bool, error)
}

// Resolver is the base layer: declared variables plus per-component
// template registrations, with no external providers.
type Resolver struct {
	variables          map[string]Variable
	componentTemplates map[string]map[string]Template
}

// NewResolver validates and stores the declared variable set.
func NewResolver(vars map[string]Variable) (*Resolver, error) {
	for name := range vars {
		if err := ValidateKey(name); err != nil {
			return nil, err
		}
	}
	return &Resolver{
		variables:          vars,
		componentTemplates: make(map[string]map[string]Template),
	}, nil
}

// AddComponentVariables registers the component's config key/template
// pairs, validating that every referenced variable name is declared.
func (r *Resolver) AddComponentVariables(componentID string, values map[string]string) error {
	templates := make(map[string]Template, len(values))
	for key, raw := range values {
		if err := ValidateKey(key); err != nil {
			return err
		}
		tmpl, err := r.validateTemplate(raw)
		if err != nil {
			return err
		}
		templates[key] = tmpl
	}
	r.componentTemplates[componentID] = templates
	return nil
}

func (r *Resolver) validateTemplate(raw string) (Template, error) {
	tmpl, err := NewTemplate(raw)
	if err != nil {
		return Template{}, err
	}
	for _, p := range tmpl.Parts() {
		if p.Expr != "" {
			if _, ok := r.variables[p.Expr]; !ok {
				return Template{}, fmt.Errorf("invalid variable template: unknown variable %q", p.Expr)
			}
		}
	}
	return tmpl, nil
}

func (r *Resolver) getTemplate(componentID, key string) (Template, error) {
	templates, ok := r.componentTemplates[componentID]
	if !ok {
		return Template{}, fmt.Errorf("undefined variable: no variable for component %q", componentID)
	}
	tmpl, ok := templates[key]
	if !ok {
		return Template{}, fmt.Errorf("undefined variable: no variable for %s.%s", componentID, key)
	}
	return tmpl, nil
}

// Resolve expands the template registered under (componentID, key)
// using only declared defaults.
func (r *Resolver) Resolve(componentID, key string) (string, error) {
	tmpl, err := r.getTemplate(componentID, key)
	if err != nil {
		return "", err
	}
	return r.resolveTemplate(tmpl)
}

func (r *Resolver) resolveTemplate(tmpl Template) (string, error) {
	var sb strings.Builder
	for _, p := range tmpl.Parts() {
		if !p.isExprPart() {
			sb.WriteString(p.Literal)
			continue
		}
		v, err := r.resolveVariable(p.Expr)
		if err != nil {
			return "", err
		}
		sb.WriteString(v)
	}
	return sb.String(), nil
}

func (p Part) isExprPart() bool { return p.isExpr }

func (r *Resolver) resolveVariable(key string) (string, error) {
	v, ok := r.variables[key]
	if !ok {
		return "", fmt.Errorf("invalid variable name: %s", key)
	}
	if v.Default == nil {
		return "", fmt.Errorf("provider error: no provider resolved required variable %q", key)
	}
	return *v.Default, nil
}

// ProviderResolver extends Resolver with an ordered list of Providers
// consulted before falling back to the declared default.
type ProviderResolver struct {
	internal  *Resolver
	providers []Provider
}

// NewProviderResolver creates a ProviderResolver for the given variables.
func NewProviderResolver(vars map[string]Variable) (*ProviderResolver, error) {
	internal, err := NewResolver(vars)
	if err != nil {
		return nil, err
	}
	return &ProviderResolver{internal: internal}, nil
}

// AddComponentVariables delegates to the base resolver.
func (p *ProviderResolver) AddComponentVariables(componentID string, values map[string]string) error {
	return p.internal.AddComponentVariables(componentID, values)
}

// AddProvider appends a provider to the resolution chain. Providers are
// consulted in the order added; the first to return a value wins.
func (p *ProviderResolver) AddProvider(provider Provider) {
	p.providers = append(p.providers, provider)
}

// Resolve expands a single variable template for a component.
func (p *ProviderResolver) Resolve(ctx context.Context, componentID, key string) (string, error) {
	tmpl, err := p.internal.getTemplate(componentID, key)
	if err != nil {
		return "", err
	}
	return p.resolveTemplate(ctx, tmpl)
}

// ResolveAll expands every declared template for a component
// concurrently, mirroring the reference implementation's try_join_all.
func (p *ProviderResolver) ResolveAll(ctx context.Context, componentID string) (map[string]string, error) {
	templates, ok := p.internal.componentTemplates[componentID]
	if !ok {
		return map[string]string{}, nil
	}

	type kv struct {
		key   string
		value string
	}
	results := make([]kv, len(templates))
	keys := make([]string, 0, len(templates))
	for k := range templates {
		keys = append(keys, k)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			v, err := p.resolveTemplate(gctx, templates[key])
			if err != nil {
				return err
			}
			results[i] = kv{key: key, value: v}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(results))
	for _, r := range results {
		out[r.key] = r.value
	}
	return out, nil
}

// Prepare fully resolves every declared variable into a PreparedResolver
// that answers without further provider calls.
func (p *ProviderResolver) Prepare(ctx context.Context) (*PreparedResolver, error) {
	out := make(map[string]string, len(p.internal.variables))
	for name := range p.internal.variables {
		v, err := p.resolveVariable(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return &PreparedResolver{variables: out}, nil
}

func (p *ProviderResolver) resolveTemplate(ctx context.Context, tmpl Template) (string, error) {
	var sb strings.Builder
	for _, part := range tmpl.Parts() {
		if !part.isExprPart() {
			sb.WriteString(part.Literal)
			continue
		}
		v, err := p.resolveVariable(ctx, part.Expr)
		if err != nil {
			return "", err
		}
		sb.WriteString(v)
	}
	return sb.String(), nil
}

func (p *ProviderResolver) resolveVariable(ctx context.Context, key string) (string, error) {
	for _, provider := range p.providers {
		v, ok, err := provider.Get(ctx, key)
		if err != nil {
			return "", fmt.Errorf("provider error: %w", err)
		}
		if ok {
			return v, nil
		}
	}
	return p.internal.resolveVariable(key)
}

// PreparedResolver answers variable lookups from a fully-resolved
// snapshot with no further provider calls.
type PreparedResolver struct {
	variables map[string]string
}

// ResolveTemplate expands a template using only the prepared snapshot.
func (p *PreparedResolver) ResolveTemplate(tmpl Template) (string, error) {
	var sb strings.Builder
	for _, part := range tmpl.Parts() {
		if !part.isExprPart() {
			sb.WriteString(part.Literal)
			continue
		}
		v, ok := p.variables[part.Expr]
		if !ok {
			return "", fmt.Errorf("invalid variable name: %s", part.Expr)
		}
		sb.WriteString(v)
	}
	return sb.String(), nil
}
