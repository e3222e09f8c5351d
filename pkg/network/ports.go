package network

import (
	"fmt"
	"math/rand/v2"
	"net"
)

// Host ports are drawn from the IANA ephemeral range.
const (
	PortRangeStart = 49152
	PortRangeEnd   = 65535
)

// allocateAttempts bounds how many random ports are probed before
// giving up.
const allocateAttempts = 50

// PortAllocator hands out free host ports, chosen uniformly at random
// from the ephemeral range.
type PortAllocator struct {
	// probe reports whether a port is free. Swapped in tests.
	probe func(port int) bool
}

// NewPortAllocator creates an allocator that probes availability by
// binding the port.
func NewPortAllocator() *PortAllocator {
	return &PortAllocator{probe: portFree}
}

// Allocate returns a free port in [PortRangeStart, PortRangeEnd].
func (a *PortAllocator) Allocate() (int, error) {
	for i := 0; i < allocateAttempts; i++ {
		port := PortRangeStart + rand.IntN(PortRangeEnd-PortRangeStart+1)
		if a.probe(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no free port found after %d attempts", allocateAttempts)
}

func portFree(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
