package roster

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoster(t *testing.T) {
	r := New(map[string]string{"u1": "Ada", "u2": "  "})
	assert.Equal(t, 1, r.Len())

	name, ok := r.DisplayName("u1")
	assert.True(t, ok)
	assert.Equal(t, "Ada", name)

	_, ok = r.DisplayName("u2")
	assert.False(t, ok)

	r.Set("u1", "")
	_, ok = r.DisplayName("u1")
	assert.False(t, ok)
}
