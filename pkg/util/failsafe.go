package util

import (
	"fmt"
	"runtime/debug"
)

// StateHook pairs a snapshot function with the function that restores it.
type StateHook struct {
	Name    string
	Save    func() any
	Restore func(any)
}

// PanicError carries a recovered panic value and the stack it came from.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// FailSensitive runs a task with every registered state snapshotted first.
// If the task panics, returns an error, or yields something other than the
// expected result, the snapshots are restored in reverse order and the fail
// hook runs.
type FailSensitive[T comparable] struct {
	task     func() (T, error)
	expected T
	hooks    []StateHook
	onFail   func()
	onError  func(error)
}

// NewFailSensitive wraps task. Results equal to expected count as success.
func NewFailSensitive[T comparable](expected T, task func() (T, error)) *FailSensitive[T] {
	return &FailSensitive[T]{task: task, expected: expected}
}

// AddState registers a snapshot/restore pair.
func (f *FailSensitive[T]) AddState(name string, save func() any, restore func(any)) *FailSensitive[T] {
	f.hooks = append(f.hooks, StateHook{Name: name, Save: save, Restore: restore})
	return f
}

// OnFail registers a hook that runs after the states are restored.
func (f *FailSensitive[T]) OnFail(fn func()) *FailSensitive[T] {
	f.onFail = fn
	return f
}

// HandleError registers a hook that receives task errors and recovered panics.
func (f *FailSensitive[T]) HandleError(fn func(error)) *FailSensitive[T] {
	f.onError = fn
	return f
}

// Run executes the task. ok is false when the task failed with an error or a
// panic; in that case result is the zero value.
func (f *FailSensitive[T]) Run() (result T, ok bool) {
	saved := make([]any, len(f.hooks))
	for i, h := range f.hooks {
		saved[i] = h.Save()
	}

	rollback := func() {
		for i := len(f.hooks) - 1; i >= 0; i-- {
			f.hooks[i].Restore(saved[i])
		}
		if f.onFail != nil {
			f.onFail()
		}
	}

	result, err := f.call()
	if err != nil {
		rollback()
		if f.onError != nil {
			f.onError(err)
		}
		var zero T
		return zero, false
	}

	if result != f.expected {
		rollback()
	}
	return result, true
}

func (f *FailSensitive[T]) call() (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return f.task()
}
