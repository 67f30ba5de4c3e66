package control

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vfxetc/sgcache/internal/metrics"
)

type fakeSessionStore struct{ next int }

func (f *fakeSessionStore) NextSessionID(ctx context.Context) (int, error) {
	f.next++
	return f.next, nil
}

func newTestController(run SessionRunner) (*Controller, net.Listener) {
	mtr := metrics.New(prometheus.NewRegistry())
	c := New(run, &fakeSessionStore{}, mtr, zerolog.Nop())
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	return c, l
}

func roundTrip(t *testing.T, conn net.Conn, req Request) Response {
	t.Helper()
	line, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = conn.Write(append(line, '\n'))
	require.NoError(t, err)

	scanner := bufio.NewScanner(conn)
	require.True(t, scanner.Scan())
	var resp Response
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
	return resp
}

func TestControllerPing(t *testing.T) {
	c, l := newTestController(nil)
	defer l.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Serve(ctx, l)

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	resp := roundTrip(t, conn, Request{Command: CmdPing})
	require.True(t, resp.OK)
}

func TestControllerStartPollLifecycle(t *testing.T) {
	run := func(ctx context.Context, payload json.RawMessage) (any, error) {
		return map[string]any{"echo": string(payload)}, nil
	}
	c, l := newTestController(run)
	defer l.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Serve(ctx, l)

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	started := roundTrip(t, conn, Request{Command: CmdStart, Payload: json.RawMessage(`"hello"`)})
	require.True(t, started.OK)
	require.NotZero(t, started.SessionID)

	require.Eventually(t, func() bool {
		polled := roundTrip(t, conn, Request{Command: CmdPoll, SessionID: started.SessionID})
		return polled.OK && polled.Done
	}, time.Second, 10*time.Millisecond)
}

func TestControllerPollUnknownSession(t *testing.T) {
	c, l := newTestController(nil)
	defer l.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Serve(ctx, l)

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	resp := roundTrip(t, conn, Request{Command: CmdPoll, SessionID: 999})
	require.False(t, resp.OK)
}

func TestControllerStop(t *testing.T) {
	run := func(ctx context.Context, payload json.RawMessage) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	c, l := newTestController(run)
	defer l.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Serve(ctx, l)

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	started := roundTrip(t, conn, Request{Command: CmdStart})
	require.True(t, started.OK)

	stopped := roundTrip(t, conn, Request{Command: CmdStop, SessionID: started.SessionID})
	require.True(t, stopped.OK)
}
