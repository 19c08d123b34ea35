package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryAllocateMonotonic(t *testing.T) {
	r := newRegistry()

	ids := make([]uint64, 5)
	for i := range ids {
		ids[i] = r.allocate()
	}
	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i], ids[i-1], "ids must be strictly increasing")
	}
	assert.Equal(t, ids, r.snapshot())
}

func TestRegistryRemove(t *testing.T) {
	r := newRegistry()
	a := r.allocate()
	b := r.allocate()
	c := r.allocate()

	r.remove(b)
	assert.Equal(t, []uint64{a, c}, r.snapshot())
}

func TestRegistryRemoveUnknownIsNoop(t *testing.T) {
	r := newRegistry()
	a := r.allocate()

	r.remove(999)
	assert.Equal(t, []uint64{a}, r.snapshot())
}

func TestRegistryNeverReusesIDs(t *testing.T) {
	r := newRegistry()
	a := r.allocate()
	r.remove(a)
	b := r.allocate()
	assert.NotEqual(t, a, b)
	assert.Greater(t, b, a)
}
