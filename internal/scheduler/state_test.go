package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPhaseStrings(t *testing.T) {
	assert.Equal(t, "Idle", Idle.String())
	assert.Equal(t, "QueuedForElmMake", QueuedForElmMake.String())
	assert.Equal(t, "Interrupted", Interrupted.String())
}

func TestActivePhases(t *testing.T) {
	active := []Phase{ElmMake, Postprocess, Injecting, Writing}
	inactive := []Phase{Idle, QueuedForElmMake, ElmMakeDone, QueuedForPostprocess, Succeeded, Failed, Interrupted}

	for _, p := range active {
		assert.True(t, p.Active(), "%s should be active", p)
	}
	for _, p := range inactive {
		assert.False(t, p.Active(), "%s should not be active", p)
	}
}

func TestTransitionTable(t *testing.T) {
	allowed := []struct{ from, to Phase }{
		{Idle, QueuedForElmMake},
		{QueuedForElmMake, ElmMake},
		{QueuedForElmMake, Interrupted},
		{ElmMake, ElmMakeDone},
		{ElmMake, Failed},
		{ElmMake, Interrupted},
		{ElmMakeDone, QueuedForPostprocess},
		{ElmMakeDone, Injecting},
		{QueuedForPostprocess, Postprocess},
		{QueuedForPostprocess, Interrupted},
		{Postprocess, Injecting},
		{Postprocess, Failed},
		{Postprocess, Interrupted},
		{Injecting, Writing},
		{Writing, Succeeded},
		{Writing, Failed},
		{Succeeded, Idle},
		{Failed, Idle},
		{Interrupted, QueuedForElmMake},
	}

	for _, tc := range allowed {
		assert.True(t, Allowed(tc.from, tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}

	denied := []struct{ from, to Phase }{
		{Idle, ElmMake},
		{Idle, Succeeded},
		{ElmMake, Succeeded},
		{ElmMake, QueuedForElmMake},
		{Succeeded, ElmMake},
		{Interrupted, ElmMake},
		{Interrupted, Idle},
		{Writing, Idle},
		{Failed, Succeeded},
	}

	for _, tc := range denied {
		assert.False(t, Allowed(tc.from, tc.to), "%s -> %s should be denied", tc.from, tc.to)
	}
}
