package control

import (
	"context"
	"encoding/json"
)

// session is one in-flight batch started by CmdStart: newSession runs the
// SessionRunner in its own goroutine, and done closes once the result (or
// error) is ready for a poll to collect.
type session struct {
	id     int
	cancel context.CancelFunc
	done   chan struct{}
	result any
	err    error
}

func newSession(parent context.Context, id int, payload json.RawMessage, run SessionRunner) *session {
	ctx, cancel := context.WithCancel(parent)
	s := &session{id: id, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		defer cancel()
		s.result, s.err = run(ctx, payload)
	}()
	return s
}
