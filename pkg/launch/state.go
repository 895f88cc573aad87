// Copyright (c) 2026 Kata Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package launch

import "github.com/pkg/errors"

// State is the launch state of a confidential VM.
type State int

const (
	StateCreated State = iota
	StateConfigured
	// StateBooted means the guest is measured and paused.
	StateBooted
	StateAttested
	StateSecretInjected
	StateRunning
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConfigured:
		return "configured"
	case StateBooted:
		return "booted"
	case StateAttested:
		return "attested"
	case StateSecretInjected:
		return "secret-injected"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// next is the only forward transition out of each state.
var next = map[State]State{
	StateCreated:        StateConfigured,
	StateConfigured:     StateBooted,
	StateBooted:         StateAttested,
	StateAttested:       StateSecretInjected,
	StateSecretInjected: StateRunning,
}

func validTransition(from, to State) error {
	if from == StateFailed {
		return errors.Wrapf(ErrInvalidTransition, "launch already failed, cannot move to %s", to)
	}
	if to == StateFailed {
		return nil
	}
	if n, ok := next[from]; ok && n == to {
		return nil
	}
	return errors.Wrapf(ErrInvalidTransition, "from %s to %s", from, to)
}
