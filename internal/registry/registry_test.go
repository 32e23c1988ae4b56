package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsAllowed(t *testing.T) {
	assert.True(t, IsAllowed("claude-sonnet-4-20250514"))
	assert.True(t, IsAllowed("claude-3-5-haiku-20241022"))
	assert.False(t, IsAllowed("gpt-4o"))
	assert.False(t, IsAllowed(""))
}

func TestModelsShape(t *testing.T) {
	models := Models()
	require.NotEmpty(t, models)
	for _, m := range models {
		assert.Equal(t, "model", m.Object)
		assert.Equal(t, "anthropic", m.OwnedBy)
		assert.True(t, IsAllowed(m.ID))
	}
}

func TestModelIDsMatchModels(t *testing.T) {
	assert.Len(t, ModelIDs(), len(Models()))
}
