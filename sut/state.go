// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package sut

import (
	"fmt"
	"sync"

	"go.chromium.org/kirk/errors"
)

// State is a lifecycle state of a SUT.
type State int

// SUT states. Restart is Stop followed by Start.
const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var allowedTransitions = map[State]map[State]struct{}{
	Stopped:  {Starting: {}},
	Starting: {Running: {}, Stopped: {}},
	Running:  {Stopping: {}},
	Stopping: {Stopped: {}},
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to State) bool {
	_, ok := allowedTransitions[from][to]
	return ok
}

// Lifecycle tracks the state of a SUT. The zero value is Stopped.
type Lifecycle struct {
	mu    sync.Mutex
	state State
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Transition moves to state to. An illegal transition is an internal error
// and leaves the state unchanged.
func (l *Lifecycle) Transition(to State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !CanTransition(l.state, to) {
		return errors.Errorf("illegal SUT state transition %v -> %v", l.state, to)
	}
	l.state = to
	return nil
}
