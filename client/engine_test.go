package client

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	kiterr "github.com/c0deZ3R0/go-pad-kit/errors"
	"github.com/c0deZ3R0/go-pad-kit/ot"
	"github.com/c0deZ3R0/go-pad-kit/protocol"
)

type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case <-f.closed:
		return nil, fmt.Errorf("connection closed")
	}
}

func (f *fakeConn) WriteMessage(data []byte) error {
	select {
	case f.out <- data:
		return nil
	case <-f.closed:
		return fmt.Errorf("connection closed")
	}
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) sendServer(t *testing.T, msg protocol.ServerMsg) {
	t.Helper()
	data, err := protocol.MarshalServerMsg(msg)
	if err != nil {
		t.Fatalf("MarshalServerMsg: %v", err)
	}
	select {
	case f.in <- data:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out delivering server message")
	}
}

type fakeDialer struct {
	conns chan *fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	select {
	case c := <-d.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// awaitMsg reads client messages off the wire until one satisfies match.
func awaitMsg(t *testing.T, c *fakeConn, match func(protocol.ClientMsg) bool) protocol.ClientMsg {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-c.out:
			msg, err := protocol.UnmarshalClientMsg(data)
			if err != nil {
				t.Fatalf("UnmarshalClientMsg(%s): %v", data, err)
			}
			if match(msg) {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for client message")
		}
	}
}

func awaitEdit(t *testing.T, c *fakeConn) protocol.Edit {
	t.Helper()
	msg := awaitMsg(t, c, func(m protocol.ClientMsg) bool {
		_, ok := m.(protocol.Edit)
		return ok
	})
	return msg.(protocol.Edit)
}

func assertNoEdit(t *testing.T, c *fakeConn, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case data := <-c.out:
			msg, err := protocol.UnmarshalClientMsg(data)
			if err != nil {
				t.Fatalf("UnmarshalClientMsg(%s): %v", data, err)
			}
			if _, ok := msg.(protocol.Edit); ok {
				t.Fatalf("unexpected edit on the wire: %s", data)
			}
		case <-deadline:
			return
		}
	}
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func startEngine(t *testing.T, cfg Config) (*Engine, *fakeDialer) {
	t.Helper()
	dialer := &fakeDialer{conns: make(chan *fakeConn, 8)}
	cfg.Dialer = dialer
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = 20 * time.Millisecond
	}
	if cfg.CursorInterval == 0 {
		cfg.CursorInterval = time.Millisecond
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e, dialer
}

func TestEngineEditLifecycle(t *testing.T) {
	e, dialer := startEngine(t, Config{Name: "ada", Hue: 100})
	conn := newFakeConn()
	dialer.conns <- conn

	// The engine announces itself on connect.
	msg := awaitMsg(t, conn, func(m protocol.ClientMsg) bool {
		_, ok := m.(protocol.ClientInfo)
		return ok
	})
	if info := msg.(protocol.ClientInfo).Info; info.Name != "ada" || info.Hue != 100 {
		t.Errorf("announced info = %+v, want ada/100", info)
	}
	conn.sendServer(t, protocol.Identity{ID: 1})

	if err := e.Edit([]ot.HostEdit{{Offset: 0, Inserted: "hello"}}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if e.Text() != "hello" {
		t.Errorf("local text = %q before ack, want %q", e.Text(), "hello")
	}
	if e.CanClose() {
		t.Errorf("CanClose must be false while an operation is outstanding")
	}

	edit := awaitEdit(t, conn)
	if edit.Revision != 0 {
		t.Errorf("edit revision = %d, want 0", edit.Revision)
	}
	applied, err := edit.Operation.Apply("")
	if err != nil || applied != "hello" {
		t.Errorf("wire operation applied to %q (%v), want %q", applied, err, "hello")
	}

	conn.sendServer(t, protocol.History{
		Start:      0,
		Operations: []protocol.UserOperation{{ID: 1, Operation: edit.Operation}},
	})
	waitFor(t, "acknowledgment", func() bool { return e.Revision() == 1 && e.CanClose() })
	if e.Text() != "hello" {
		t.Errorf("text after ack = %q, want %q", e.Text(), "hello")
	}
}

func TestEngineAppliesRemoteEdits(t *testing.T) {
	editsCh := make(chan []ot.HostEdit, 4)
	e, dialer := startEngine(t, Config{
		Name: "ada",
		Callbacks: Callbacks{
			OnRemoteEdits: func(edits []ot.HostEdit) { editsCh <- edits },
		},
	})
	conn := newFakeConn()
	dialer.conns <- conn
	conn.sendServer(t, protocol.Identity{ID: 1})

	op := ot.New().Insert("world")
	conn.sendServer(t, protocol.History{
		Start:      0,
		Operations: []protocol.UserOperation{{ID: 2, Operation: op, Email: "grace@example.com"}},
	})

	waitFor(t, "remote edit", func() bool { return e.Revision() == 1 })
	if e.Text() != "world" {
		t.Errorf("text = %q, want %q", e.Text(), "world")
	}

	select {
	case edits := <-editsCh:
		if len(edits) != 1 || edits[0].Inserted != "world" {
			t.Errorf("host edits = %+v, want single insert of %q", edits, "world")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("OnRemoteEdits was not invoked")
	}

	owner, ok := e.Lines()[0]
	if !ok {
		t.Fatalf("line 0 should be attributed to the remote author")
	}
	if owner.Key != "grace@example.com" {
		t.Errorf("line 0 owner = %q, want the author's email", owner.Key)
	}
}

func TestEngineBuffersWhileInFlight(t *testing.T) {
	e, dialer := startEngine(t, Config{Name: "ada"})
	conn := newFakeConn()
	dialer.conns <- conn
	conn.sendServer(t, protocol.Identity{ID: 1})

	if err := e.Edit([]ot.HostEdit{{Offset: 0, Inserted: "a"}}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	first := awaitEdit(t, conn)

	if err := e.Edit([]ot.HostEdit{{Offset: 1, Inserted: "b"}}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if err := e.Edit([]ot.HostEdit{{Offset: 2, Inserted: "c"}}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	// Nothing further goes out until the outstanding edit is acked.
	assertNoEdit(t, conn, 50*time.Millisecond)

	conn.sendServer(t, protocol.History{
		Start:      0,
		Operations: []protocol.UserOperation{{ID: 1, Operation: first.Operation}},
	})

	second := awaitEdit(t, conn)
	if second.Revision != 1 {
		t.Errorf("buffered edit revision = %d, want 1", second.Revision)
	}
	applied, err := second.Operation.Apply("a")
	if err != nil || applied != "abc" {
		t.Errorf("buffered operation applied to %q (%v), want %q", applied, err, "abc")
	}
}

func TestEngineRejectsHistoryGap(t *testing.T) {
	e, dialer := startEngine(t, Config{Name: "ada"})
	conn := newFakeConn()
	dialer.conns <- conn
	conn.sendServer(t, protocol.Identity{ID: 1})
	waitFor(t, "connection", e.Connected)

	// A history slice starting beyond the local revision has a gap the
	// client cannot fill; the connection must be terminated.
	conn.sendServer(t, protocol.History{
		Start:      5,
		Operations: []protocol.UserOperation{{ID: 2, Operation: ot.New().Insert("x")}},
	})
	select {
	case <-conn.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("connection was not terminated after history gap")
	}

	// The engine recovers by reconnecting with a fresh session.
	next := newFakeConn()
	dialer.conns <- next
	awaitMsg(t, next, func(m protocol.ClientMsg) bool {
		_, ok := m.(protocol.ClientInfo)
		return ok
	})
}

func TestEngineResendsOutstandingOnReconnect(t *testing.T) {
	e, dialer := startEngine(t, Config{Name: "ada"})
	conn := newFakeConn()
	dialer.conns <- conn
	conn.sendServer(t, protocol.Identity{ID: 1})

	if err := e.Edit([]ot.HostEdit{{Offset: 0, Inserted: "hello"}}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	awaitEdit(t, conn)

	// The server drops the connection before acknowledging.
	conn.Close()

	next := newFakeConn()
	dialer.conns <- next
	resent := awaitEdit(t, next)
	if resent.Revision != 0 {
		t.Errorf("resent revision = %d, want 0", resent.Revision)
	}
	applied, err := resent.Operation.Apply("")
	if err != nil || applied != "hello" {
		t.Errorf("resent operation applied to %q (%v), want %q", applied, err, "hello")
	}
	if e.CanClose() {
		t.Errorf("outstanding edit is still unacknowledged")
	}
}

func TestEngineDesynchronizesAfterRepeatedFailures(t *testing.T) {
	desynced := make(chan struct{})
	e, dialer := startEngine(t, Config{
		Name:             "ada",
		FailureThreshold: 2,
		Callbacks: Callbacks{
			OnDesynchronized: func() { close(desynced) },
		},
	})

	for i := 0; i < 2; i++ {
		conn := newFakeConn()
		dialer.conns <- conn
		// Wait until the engine is attached, then fail the connection.
		awaitMsg(t, conn, func(m protocol.ClientMsg) bool {
			_, ok := m.(protocol.ClientInfo)
			return ok
		})
		conn.Close()
	}

	select {
	case <-desynced:
	case <-time.After(2 * time.Second):
		t.Fatalf("engine did not report desynchronization")
	}
	if !e.Desynchronized() {
		t.Errorf("Desynchronized() = false after the signal fired")
	}

	err := e.Edit([]ot.HostEdit{{Offset: 0, Inserted: "x"}})
	if err == nil {
		t.Fatalf("expected edits to fail after desynchronization")
	}
	if !kiterr.IsKind(err, kiterr.KindDesync) {
		t.Errorf("error kind = %v, want desync", kiterr.KindOf(err))
	}
}

func TestEngineCursorCoalescing(t *testing.T) {
	e, dialer := startEngine(t, Config{Name: "ada", CursorInterval: 20 * time.Millisecond})
	conn := newFakeConn()
	dialer.conns <- conn
	conn.sendServer(t, protocol.Identity{ID: 1})
	waitFor(t, "connection", e.Connected)

	// Drain the handshake cursor announcement first.
	awaitMsg(t, conn, func(m protocol.ClientMsg) bool {
		_, ok := m.(protocol.SetCursor)
		return ok
	})

	for i := 1; i <= 5; i++ {
		if err := e.SetCursors(protocol.CursorData{Cursors: []int{i}}); err != nil {
			t.Fatalf("SetCursors: %v", err)
		}
	}

	msg := awaitMsg(t, conn, func(m protocol.ClientMsg) bool {
		_, ok := m.(protocol.SetCursor)
		return ok
	})
	got := msg.(protocol.SetCursor).Data
	if len(got.Cursors) != 1 || got.Cursors[0] != 5 {
		t.Errorf("coalesced cursors = %v, want only the final position", got.Cursors)
	}
}

func TestEnginePromotedBufferReflectsLaterHistory(t *testing.T) {
	e, dialer := startEngine(t, Config{Name: "ada"})
	conn := newFakeConn()
	dialer.conns <- conn
	conn.sendServer(t, protocol.Identity{ID: 1})

	if err := e.Edit([]ot.HostEdit{{Offset: 0, Inserted: "a"}}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	first := awaitEdit(t, conn)

	if err := e.Edit([]ot.HostEdit{{Offset: 1, Inserted: "b"}}); err != nil {
		t.Fatalf("Edit: %v", err)
	}

	// One frame acknowledges the outstanding edit and then carries a
	// remote insert. The promoted buffer is transformed by the remote
	// entry, so the edit that goes out must be the post-transform
	// operation tagged with the final revision.
	conn.sendServer(t, protocol.History{
		Start: 0,
		Operations: []protocol.UserOperation{
			{ID: 1, Operation: first.Operation},
			{ID: 2, Operation: ot.New().Retain(1).Insert("Z")},
		},
	})

	second := awaitEdit(t, conn)
	if second.Revision != 2 {
		t.Errorf("promoted edit revision = %d, want 2", second.Revision)
	}

	// The server's text after both history entries is "aZ"; the
	// promoted edit must apply to it cleanly.
	got, err := second.Operation.Apply("aZ")
	if err != nil {
		t.Fatalf("promoted operation does not apply to the server text: %v", err)
	}
	if got != "abZ" {
		t.Errorf("server text after promoted edit = %q, want %q", got, "abZ")
	}
	waitFor(t, "remote application", func() bool { return e.Text() == "abZ" })
}
