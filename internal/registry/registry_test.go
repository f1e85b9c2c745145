package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_PrimaryRoute(t *testing.T) {
	reg := FromRoutes(map[string][]EgressRoute{
		"gpt-fast": {
			{Provider: OpenRouter, ProviderModelID: "openai/gpt-4o-mini"},
		},
	})

	route, err := reg.Resolve("gpt-fast")
	require.NoError(t, err)
	assert.Equal(t, OpenRouter, route.Provider)
	assert.Equal(t, "openai/gpt-4o-mini", route.ProviderModelID)
}

func TestResolve_NotFound(t *testing.T) {
	reg := FromRoutes(map[string][]EgressRoute{})

	_, err := reg.Resolve("does-not-exist")
	require.Error(t, err)

	var notFound *ErrModelNotFound
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "does-not-exist", notFound.LogicalModel)
}

func TestLoad_FallsBackToExampleConfig(t *testing.T) {
	// The fallback path is relative to the repository root.
	t.Chdir("../..")

	reg, err := Load("/nonexistent/path/xjp.toml")
	require.NoError(t, err)
	require.NotNil(t, reg)
}
