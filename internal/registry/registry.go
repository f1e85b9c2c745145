// Package registry resolves a logical model name to a concrete upstream
// route. It is loaded once at startup from a TOML file and never mutated
// afterward, so lookups need no locking.
package registry

import (
	"fmt"
	"os"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ProviderKind names one of the fixed set of upstream connectors.
type ProviderKind string

const (
	OpenRouter ProviderKind = "openrouter"
	Vertex     ProviderKind = "vertex"
	Clewdr     ProviderKind = "clewdr"
)

// EgressRoute is where a logical model is actually sent.
type EgressRoute struct {
	Provider       ProviderKind   `koanf:"provider"`
	ProviderModelID string        `koanf:"provider_model_id"`
	Region         *string        `koanf:"region"`
	Project        *string        `koanf:"project"`
	Extra          map[string]any `koanf:"extra"`
	TimeoutMS      *int64         `koanf:"timeouts_ms"`
}

// Registry is an immutable logical-model -> routes table. Routes[0] is
// the primary route; later entries are reserved for future failover and
// are not dispatched to today.
type Registry struct {
	routes map[string][]EgressRoute
}

// ErrModelNotFound is returned by Resolve when the logical model has no
// configured route.
type ErrModelNotFound struct {
	LogicalModel string
}

func (e *ErrModelNotFound) Error() string {
	return fmt.Sprintf("model %q not found", e.LogicalModel)
}

// Resolve returns the primary route for a logical model name.
func (r *Registry) Resolve(logicalModel string) (EgressRoute, error) {
	routes, ok := r.routes[logicalModel]
	if !ok || len(routes) == 0 {
		return EgressRoute{}, &ErrModelNotFound{LogicalModel: logicalModel}
	}
	return routes[0], nil
}

// fileModel is the shape of one [models.<name>] table in the TOML file.
type fileModel struct {
	Primary EgressRoute `koanf:"primary"`
}

type fileConfig struct {
	Models map[string]fileModel `koanf:"models"`
}

const defaultConfigPath = "config/xjp.example.toml"

// Load reads the model registry from a TOML file at path. If path does
// not exist, it falls back to the bundled example config so the gateway
// can still start in a minimal local setup.
func Load(path string) (*Registry, error) {
	if path == "" {
		path = defaultConfigPath
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			path = defaultConfigPath
		} else {
			return nil, fmt.Errorf("registry: stat config: %w", err)
		}
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
		return nil, fmt.Errorf("registry: loading %s: %w", path, err)
	}

	var fc fileConfig
	if err := k.Unmarshal("", &fc); err != nil {
		return nil, fmt.Errorf("registry: unmarshaling %s: %w", path, err)
	}

	routes := make(map[string][]EgressRoute, len(fc.Models))
	for name, m := range fc.Models {
		routes[name] = []EgressRoute{m.Primary}
	}
	return &Registry{routes: routes}, nil
}

// FromRoutes builds a Registry directly, primarily for tests.
func FromRoutes(routes map[string][]EgressRoute) *Registry {
	return &Registry{routes: routes}
}
