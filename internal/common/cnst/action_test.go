package cnst

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActionType(t *testing.T) {
	assert.Equal(t, ActionType("lease"), ActionLease)
	assert.Equal(t, ActionType("release"), ActionRelease)
	assert.Equal(t, ActionType("update"), ActionUpdate)
	assert.Equal(t, ActionType("exit"), ActionExit)

	assert.True(t, ActionLease.Distributed())
	assert.True(t, ActionRelease.Distributed())
	assert.True(t, ActionExit.Distributed())
	assert.False(t, ActionUpdate.Distributed())
}
