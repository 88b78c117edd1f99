package clock_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orca.dev/orca/clock"
)

func TestVirtualAdvance(t *testing.T) {
	v := clock.NewVirtual(100)
	require.Equal(t, int64(100), v.NowMillis())

	got := v.Advance(5)
	assert.Equal(t, int64(105), got)
	assert.Equal(t, int64(105), v.NowMillis())

	// Negative delta never regresses time.
	got = v.Advance(-50)
	assert.Equal(t, int64(105), got)
}

func TestVirtualSet(t *testing.T) {
	v := clock.NewVirtual(0)
	v.Set(9999)
	assert.Equal(t, int64(9999), v.NowMillis())
}

func TestRegistrySwap(t *testing.T) {
	r := clock.NewRegistry(clock.NewVirtual(1))
	assert.Equal(t, int64(1), r.NowMillis())

	prev := r.Swap(clock.NewVirtual(42))
	assert.Equal(t, int64(1), prev.NowMillis())
	assert.Equal(t, int64(42), r.NowMillis())
}

func TestRegistryDefaultsToSystem(t *testing.T) {
	r := clock.NewRegistry(nil)
	_, ok := r.Clock().(*clock.System)
	assert.True(t, ok)
}
