package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewID_ReturnsUniqueUUIDs(t *testing.T) {
	a := NewID()
	b := NewID()

	assert.NotEqual(t, a, b)
	assert.Len(t, a, 36)
}
