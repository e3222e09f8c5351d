package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateStaysInRange(t *testing.T) {
	a := &PortAllocator{probe: func(int) bool { return true }}

	for i := 0; i < 200; i++ {
		port, err := a.Allocate()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, port, PortRangeStart)
		assert.LessOrEqual(t, port, PortRangeEnd)
	}
}

func TestAllocateSkipsBusyPorts(t *testing.T) {
	var probed []int
	a := &PortAllocator{probe: func(port int) bool {
		probed = append(probed, port)
		return len(probed) >= 3
	}}

	port, err := a.Allocate()
	require.NoError(t, err)
	assert.Len(t, probed, 3)
	assert.Equal(t, probed[2], port)
}

func TestAllocateExhaustion(t *testing.T) {
	a := &PortAllocator{probe: func(int) bool { return false }}

	_, err := a.Allocate()
	assert.Error(t, err)
}
