// Copyright (c) 2026 Kata Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package launch

import (
	"encoding/hex"
	"sync"

	"github.com/google/uuid"
)

// InstanceInfo describes one launch attempt. The process that builds the
// Orchestrator owns it; observers hold a reference through Retain.
type InstanceInfo struct {
	mu   sync.RWMutex
	refs int

	id            string
	version       string
	state         State
	vmType        string
	measurement   string
	transactionID string
	failedStep    string
	lastErr       error
}

// InstanceSnapshot is a consistent copy of an InstanceInfo.
type InstanceSnapshot struct {
	ID            string
	Version       string
	State         State
	VMType        string
	Measurement   string
	TransactionID string
	FailedStep    string
	Err           error
}

// NewInstanceInfo returns a handle with one reference held by the caller.
func NewInstanceInfo(version string) *InstanceInfo {
	return &InstanceInfo{
		refs:    1,
		id:      uuid.New().String(),
		version: version,
		state:   StateCreated,
		vmType:  "none",
	}
}

// Retain takes a reference.
func (i *InstanceInfo) Retain() *InstanceInfo {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.refs++
	return i
}

// Release drops a reference and returns how many remain.
func (i *InstanceInfo) Release() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.refs > 0 {
		i.refs--
	}
	return i.refs
}

func (i *InstanceInfo) ID() string {
	return i.id
}

func (i *InstanceInfo) State() State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

func (i *InstanceInfo) Snapshot() InstanceSnapshot {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return InstanceSnapshot{
		ID:            i.id,
		Version:       i.version,
		State:         i.state,
		VMType:        i.vmType,
		Measurement:   i.measurement,
		TransactionID: i.transactionID,
		FailedStep:    i.failedStep,
		Err:           i.lastErr,
	}
}

// transition moves to state if the state machine allows it.
func (i *InstanceInfo) transition(to State) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := validTransition(i.state, to); err != nil {
		return err
	}
	i.state = to
	launchState.Set(float64(to))
	return nil
}

func (i *InstanceInfo) fail(step string, err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.state = StateFailed
	i.failedStep = step
	i.lastErr = err
	launchState.Set(float64(StateFailed))
}

func (i *InstanceInfo) setVMType(t string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.vmType = t
}

func (i *InstanceInfo) setMeasurement(data []byte) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.measurement = hex.EncodeToString(data)
}

func (i *InstanceInfo) setTransactionID(id string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.transactionID = id
}
