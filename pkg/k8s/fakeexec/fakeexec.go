// Package fakeexec provides a scripted k8s.Executor for tests.
package fakeexec

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/isitobservable/netcheck/pkg/k8s"
)

// Call records one Exec invocation.
type Call struct {
	Target  k8s.Target
	Command []string
	Stdin   []byte
}

// Line returns the command joined by spaces.
func (c Call) Line() string { return strings.Join(c.Command, " ") }

// HandlerFunc scripts the result of a call.
type HandlerFunc func(call Call) (k8s.CommandResult, error)

// Executor records calls and answers them with Handler. The zero value
// answers every call with exit code 0 and no output.
type Executor struct {
	Handler HandlerFunc

	mu    sync.Mutex
	calls []Call
}

// New returns an Executor driven by h.
func New(h HandlerFunc) *Executor {
	return &Executor{Handler: h}
}

func (e *Executor) Exec(ctx context.Context, req k8s.ExecRequest) (k8s.CommandResult, error) {
	call := Call{Target: req.Target, Command: append([]string(nil), req.Command...)}
	if req.Stdin != nil {
		data, err := io.ReadAll(req.Stdin)
		if err != nil {
			return k8s.CommandResult{}, err
		}
		call.Stdin = data
	}

	e.mu.Lock()
	e.calls = append(e.calls, call)
	e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return k8s.CommandResult{}, err
	}
	if e.Handler == nil {
		return k8s.CommandResult{}, nil
	}
	return e.Handler(call)
}

// Calls returns a copy of every recorded call.
func (e *Executor) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

// CallsTo returns the calls made against pod, in order.
func (e *Executor) CallsTo(pod string) []Call {
	var out []Call
	for _, c := range e.Calls() {
		if c.Target.Pod == pod {
			out = append(out, c)
		}
	}
	return out
}
