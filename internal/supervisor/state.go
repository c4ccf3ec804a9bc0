// Package supervisor keeps the local inference service installed, running and
// provisioned with the completion model.
package supervisor

import (
	"context"
	"fmt"
	"sync"
)

// State is the observed condition of the inference service.
type State int

const (
	NotInstalled State = iota
	Stopped
	Starting
	Running
	Crashed
)

func (s State) String() string {
	switch s {
	case NotInstalled:
		return "not_installed"
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Crashed:
		return "crashed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Handle is a one-shot cancellation token shared by everything that must
// stop when the host shuts down. Cancel is idempotent.
type Handle struct {
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// NewHandle returns a Handle that is also cancelled when parent is.
func NewHandle(parent context.Context) *Handle {
	ctx, cancel := context.WithCancel(parent)
	return &Handle{ctx: ctx, cancel: cancel}
}

// Cancel signals the handle.
func (h *Handle) Cancel() {
	h.once.Do(h.cancel)
}

// Done is closed once the handle is signalled.
func (h *Handle) Done() <-chan struct{} { return h.ctx.Done() }

// Cancelled reports whether the handle has been signalled.
func (h *Handle) Cancelled() bool { return h.ctx.Err() != nil }

// Context returns a context that ends with the handle.
func (h *Handle) Context() context.Context { return h.ctx }

// Notifier receives user-facing status messages. Supervision failures that
// are retried locally surface only through here.
type Notifier interface {
	Notify(msg string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(msg string)

func (f NotifierFunc) Notify(msg string) { f(msg) }

type nopNotifier struct{}

func (nopNotifier) Notify(string) {}
