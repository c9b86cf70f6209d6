// Package undo supplies the transaction undo collaborator: mutations
// register actions able to reverse themselves; commit releases them in
// registration order and rollback applies them in reverse order.
package undo

import (
	"errors"
)

var (
	errQuantumComplete = errors.New("undo: quantum already released or undone")
)

// Action captures enough pre-image state to reverse one mutation.
type Action interface {
	// Undo reverses the mutation.
	Undo()
	// Release frees any state held for a possible undo; called on commit.
	Release()
}

// Quantum accumulates the undo actions of one transaction.
type Quantum struct {
	actions  []Action
	complete bool
}

func NewQuantum() *Quantum {
	return &Quantum{}
}

func (uq *Quantum) RegisterUndoAction(action Action) {
	if uq.complete {
		panic(errQuantumComplete)
	}
	uq.actions = append(uq.actions, action)
}

func (uq *Quantum) NumActions() int {
	return len(uq.actions)
}

// Release commits the quantum: actions release in registration order.
func (uq *Quantum) Release() {
	if uq.complete {
		panic(errQuantumComplete)
	}
	uq.complete = true
	for _, action := range uq.actions {
		action.Release()
	}
	uq.actions = nil
}

// Undo rolls the quantum back: actions undo in reverse registration order.
func (uq *Quantum) Undo() {
	if uq.complete {
		panic(errQuantumComplete)
	}
	uq.complete = true
	for adx := len(uq.actions) - 1; adx >= 0; adx-- {
		uq.actions[adx].Undo()
	}
	uq.actions = nil
}
