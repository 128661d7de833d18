package tscb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventFlagBasic(t *testing.T) {
	f, err := NewEventFlag()
	require.NoError(t, err)
	defer f.Close()

	assert.False(t, f.isSet())

	f.set()
	assert.True(t, f.isSet())

	f.clear()
	assert.False(t, f.isSet())
}

func TestEventFlagSetIsIdempotent(t *testing.T) {
	f, err := NewEventFlag()
	require.NoError(t, err)
	defer f.Close()

	f.set()
	f.set()
	assert.True(t, f.isSet())
	f.clear()
	assert.False(t, f.isSet())
	f.clear()
	assert.False(t, f.isSet())
}

func TestEventFlagWaitUnblocksOnSet(t *testing.T) {
	f, err := NewEventFlag()
	require.NoError(t, err)
	defer f.Close()

	done := make(chan struct{})
	go func() {
		f.Wait()
		close(done)
	}()

	f.set()
	<-done
}
