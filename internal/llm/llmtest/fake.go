// Package llmtest provides a scripted llm.Completer for tests.
package llmtest

import (
	"context"
	"fmt"
	"sync"

	"learnly/internal/llm"
)

// Reply is one scripted completion.
type Reply struct {
	Text string
	Err  error
}

// Fake answers each capability from its own queue of replies. When a queue is
// exhausted the last reply is repeated. Calls are recorded in order.
type Fake struct {
	mu      sync.Mutex
	replies map[llm.Capability][]Reply
	next    map[llm.Capability]int
	calls   []llm.Request

	// Handler, when set, answers requests instead of the queues.
	Handler func(ctx context.Context, req llm.Request) (string, error)
}

func New() *Fake {
	return &Fake{
		replies: make(map[llm.Capability][]Reply),
		next:    make(map[llm.Capability]int),
	}
}

// On appends replies for a capability and returns f for chaining.
func (f *Fake) On(c llm.Capability, replies ...Reply) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[c] = append(f.replies[c], replies...)
	return f
}

func (f *Fake) Complete(ctx context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	handler := f.Handler
	queue := f.replies[req.Capability]
	idx := f.next[req.Capability]
	if idx < len(queue) {
		f.next[req.Capability] = idx + 1
	}
	f.mu.Unlock()

	if handler != nil {
		return handler(ctx, req)
	}
	if err := ctx.Err(); err != nil {
		return "", &llm.ServiceError{Capability: req.Capability, Err: err}
	}
	if len(queue) == 0 {
		return "", fmt.Errorf("llmtest: no reply scripted for %s", req.Capability)
	}
	if idx >= len(queue) {
		idx = len(queue) - 1
	}
	r := queue[idx]
	return r.Text, r.Err
}

// Calls returns the recorded requests, optionally filtered by capability.
func (f *Fake) Calls(caps ...llm.Capability) []llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(caps) == 0 {
		return append([]llm.Request(nil), f.calls...)
	}
	var out []llm.Request
	for _, call := range f.calls {
		for _, c := range caps {
			if call.Capability == c {
				out = append(out, call)
				break
			}
		}
	}
	return out
}
