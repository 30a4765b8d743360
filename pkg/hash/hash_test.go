package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPassword(t *testing.T) {
	hashed, err := HashPassword("s3cret-pass")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret-pass", hashed)
	assert.True(t, CheckPasswordHash("s3cret-pass", hashed))
	assert.False(t, CheckPasswordHash("wrong", hashed))
}
