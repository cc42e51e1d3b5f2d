package network

import (
	"sync"

	"github.com/pkg/errors"
)

// IVIndex is the IV index state of the local node.
type IVIndex struct {
	mu       sync.RWMutex
	index    uint32
	updating bool
}

func (v *IVIndex) Get() (uint32, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.index, v.updating
}

// Tx is the IV index used for transmission. While an update is in
// progress the previous index is still used.
func (v *IVIndex) Tx() uint32 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.updating && v.index > 0 {
		return v.index - 1
	}
	return v.index
}

func (v *IVIndex) reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.index, v.updating = 0, false
}

// Rx resolves the IV index of a received PDU from its IVI bit.
func (v *IVIndex) Rx(ivi byte) (uint32, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if byte(v.index&1) == ivi&1 {
		return v.index, true
	}
	if v.index == 0 {
		return 0, false
	}
	return v.index - 1, true
}

// Set changes the state and reports whether the transmit index moved.
// The index never decreases.
func (v *IVIndex) Set(index uint32, updating bool) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if index < v.index {
		return false, errors.Errorf("iv index %d < current %d", index, v.index)
	}
	if index == v.index && updating && !v.updating {
		return false, errors.Errorf("iv index %d already in normal operation", index)
	}

	before := v.txLocked()
	v.index, v.updating = index, updating
	return v.txLocked() != before, nil
}

func (v *IVIndex) txLocked() uint32 {
	if v.updating && v.index > 0 {
		return v.index - 1
	}
	return v.index
}
