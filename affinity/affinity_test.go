package affinity

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrentIDStablePerGoroutine(t *testing.T) {
	a := CurrentID()
	b := CurrentID()
	require.NotZero(t, a)
	assert.Equal(t, a, b)

	var other uint64
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		other = CurrentID()
	}()
	wg.Wait()

	assert.NotEqual(t, a, other)
}

func TestUnsetTagPassesNonStrict(t *testing.T) {
	var tag Tag
	assert.True(t, tag.Check(false))
	assert.False(t, tag.Check(true))
}

func TestLatchedTagChecks(t *testing.T) {
	var tag Tag
	tag.Latch()

	assert.True(t, tag.Check(true))
	assert.True(t, tag.Check(false))

	var wg sync.WaitGroup
	wg.Add(1)
	var fromOther bool
	go func() {
		defer wg.Done()
		fromOther = tag.Check(false)
	}()
	wg.Wait()

	assert.False(t, fromOther)
}

func TestInheritFrom(t *testing.T) {
	var parent, child Tag

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		parent.Latch()
		child.InheritFrom(&parent)
	}()
	wg.Wait()

	require.NotZero(t, parent.Belongs())
	assert.Equal(t, parent.Belongs(), child.Belongs())
	// This goroutine is not the owner.
	assert.False(t, child.Check(false))
}

func TestMustCheckPanicsOnViolation(t *testing.T) {
	var tag Tag

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tag.Latch()
	}()
	wg.Wait()

	assert.Panics(t, func() {
		tag.MustCheck("extension thread")
	})
}
