// Package control implements the local control plane of spec.md §4.8: a
// line-delimited JSON protocol over a Unix socket (TCP on Windows)
// through which a sibling CLI process drives long-running batches —
// ping, start (begin a batch session), stop (cancel one), poll(wait)
// (advance/await one, returning its result once ready).
//
// Grounded directly on original_source/sgcache/control.py's Controller
// (register/loop/accept/_handle_child — one goroutine per connection,
// one JSON object per line in and out) and on the teacher's RPC
// listener setup (internal/rpc/transport_unix.go,
// server_lifecycle_conn.go): a net.Listener accepting connections,
// each handled by its own goroutine reading newline-delimited requests.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vfxetc/sgcache/internal/metrics"
)

// Command names the control-plane protocol supports.
const (
	CmdPing = "ping"
	CmdStart = "start"
	CmdStop  = "stop"
	CmdPoll  = "poll"
)

// Request is one line of the control protocol.
type Request struct {
	Command   string          `json:"command"`
	SessionID int             `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Wait      bool            `json:"wait,omitempty"`
}

// Response is one line of the control protocol's reply.
type Response struct {
	OK        bool   `json:"ok"`
	SessionID int    `json:"session_id,omitempty"`
	Done      bool   `json:"done,omitempty"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SessionRunner executes one batch request and reports its result; the
// daemon supplies a closure that calls Router.Handle(ctx,
// router.MethodBatch, payload).
type SessionRunner func(ctx context.Context, payload json.RawMessage) (any, error)

// SessionStore persists session ids across daemon restarts (spec.md
// §4.8: "session ids are not reset to 0 on restart" — a bookkeeping
// table, not an in-memory counter, so a client polling a session id
// issued before a restart gets a clean "unknown session" instead of a
// silently reused id).
type SessionStore interface {
	NextSessionID(ctx context.Context) (int, error)
}

// Controller accepts control-plane connections and drives the session
// state machine of spec.md §4.8.
type Controller struct {
	run SessionRunner
	ids SessionStore
	mtr *metrics.Registry
	log zerolog.Logger

	mu       sync.Mutex
	sessions map[int]*session
}

// New constructs a Controller.
func New(run SessionRunner, ids SessionStore, mtr *metrics.Registry, log zerolog.Logger) *Controller {
	return &Controller{
		run: run, ids: ids, mtr: mtr,
		log:      log.With().Str("component", "control").Logger(),
		sessions: map[int]*session{},
	}
}

// Serve accepts connections on l until ctx is cancelled, one goroutine
// per connection (spec.md §4.8, grounded on Controller.loop/accept in
// original_source/sgcache/control.py).
func (c *Controller) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return fmt.Errorf("control: accept: %w", err)
			}
		}
		go c.handleConn(ctx, conn)
	}
}

func (c *Controller) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			enc.Encode(Response{OK: false, Error: "malformed request"})
			continue
		}
		resp := c.handle(ctx, req)
		if err := enc.Encode(resp); err != nil {
			c.log.Warn().Err(err).Msg("failed to write control response")
			return
		}
	}
}

func (c *Controller) handle(ctx context.Context, req Request) Response {
	switch req.Command {
	case CmdPing:
		return Response{OK: true}
	case CmdStart:
		return c.handleStart(ctx, req)
	case CmdStop:
		return c.handleStop(req)
	case CmdPoll:
		return c.handlePoll(ctx, req)
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Command)}
	}
}

func (c *Controller) handleStart(ctx context.Context, req Request) Response {
	id, err := c.ids.NextSessionID(ctx)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	sess := newSession(ctx, id, req.Payload, c.run)

	c.mu.Lock()
	c.sessions[id] = sess
	if c.mtr != nil {
		c.mtr.ControlSessions.Set(float64(len(c.sessions)))
	}
	c.mu.Unlock()

	return Response{OK: true, SessionID: id}
}

func (c *Controller) handleStop(req Request) Response {
	c.mu.Lock()
	sess, ok := c.sessions[req.SessionID]
	if ok {
		delete(c.sessions, req.SessionID)
	}
	if c.mtr != nil {
		c.mtr.ControlSessions.Set(float64(len(c.sessions)))
	}
	c.mu.Unlock()
	if !ok {
		return Response{OK: false, Error: "unknown session"}
	}
	sess.cancel()
	return Response{OK: true, SessionID: req.SessionID}
}

func (c *Controller) handlePoll(ctx context.Context, req Request) Response {
	c.mu.Lock()
	sess, ok := c.sessions[req.SessionID]
	c.mu.Unlock()
	if !ok {
		return Response{OK: false, Error: "unknown session"}
	}

	if req.Wait {
		select {
		case <-sess.done:
		case <-ctx.Done():
			return Response{OK: false, Error: "cancelled"}
		}
	}

	select {
	case <-sess.done:
		c.mu.Lock()
		delete(c.sessions, req.SessionID)
		if c.mtr != nil {
			c.mtr.ControlSessions.Set(float64(len(c.sessions)))
		}
		c.mu.Unlock()
		if sess.err != nil {
			return Response{OK: false, SessionID: req.SessionID, Done: true, Error: sess.err.Error()}
		}
		return Response{OK: true, SessionID: req.SessionID, Done: true, Result: sess.result}
	default:
		return Response{OK: true, SessionID: req.SessionID, Done: false}
	}
}
