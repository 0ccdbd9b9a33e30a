package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequentialIDs(t *testing.T) {
	ids := NewSequentialIDs("")

	assert.Equal(t, "op-0001", ids.NewID())
	assert.Equal(t, "op-0002", ids.NewID())
}

func TestSequentialIDs_Prefix(t *testing.T) {
	ids := NewSequentialIDs("bulk")
	assert.Equal(t, "bulk-0001", ids.NewID())
}
