package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashText(t *testing.T) {
	assert.Equal(t, HashText("a", "bc"), HashText("a", "bc"))
	assert.NotEqual(t, HashText("ab", "c"), HashText("a", "bc"))
	assert.Len(t, HashText("x"), 64)
}
