// Package client implements the editor-side synchronization engine for
// collaborative plain-text documents: the optimistic-concurrency state
// machine for local edits, connection lifecycle with retry and desync
// escalation, remote cursor tracking, and the advisory per-line
// authorship index.
//
// All engine state is mutated on a single event-loop goroutine fed by
// local edits, inbound frames, and timers; the exported accessors take a
// read lock only so other goroutines can observe consistent snapshots.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	kiterr "github.com/c0deZ3R0/go-pad-kit/errors"
	"github.com/c0deZ3R0/go-pad-kit/logging"
	"github.com/c0deZ3R0/go-pad-kit/ot"
	"github.com/c0deZ3R0/go-pad-kit/protocol"
)

const (
	defaultReconnectInterval = time.Second
	defaultCursorInterval    = 20 * time.Millisecond
	defaultFailureThreshold  = 5

	// The rolling failure counter resets on an independent timer fixed
	// at this multiple of the reconnect interval.
	failureResetFactor = 15

	dialTimeout = 10 * time.Second
)

// Callbacks is the fixed set of signals the engine surfaces. No internal
// failure propagates past this boundary; transport errors retry
// silently, and only desynchronization is terminal. All callbacks run on
// the engine's event loop and must not block.
type Callbacks struct {
	OnConnected       func()
	OnDisconnected    func()
	OnDesynchronized  func()
	OnUsersChanged    func()
	OnLanguageChanged func(name string)

	// OnRemoteEdits delivers the range replacements of a remote
	// operation just applied to the document, for the host surface to
	// mirror. Offsets reference the pre-edit text in codepoints.
	OnRemoteEdits func(edits []ot.HostEdit)
}

// Config configures an Engine.
type Config struct {
	// Dialer opens document connections. Required.
	Dialer Dialer

	// Name and Hue are announced to other users on every connect.
	Name string
	Hue  uint32

	// FixedColors is the static identity-to-hue override table used
	// while fixed-color mode is enabled. Optional.
	FixedColors map[string]uint32

	// ReconnectInterval is the base delay between connection attempts.
	ReconnectInterval time.Duration

	// CursorInterval is the coalescing window for cursor broadcasts;
	// it delays only the network message, never the local value.
	CursorInterval time.Duration

	// FailureThreshold is the number of connection losses within one
	// reset window that escalates to desynchronization.
	FailureThreshold int

	Callbacks Callbacks

	// Logger overrides the default structured logger. Optional.
	Logger *logging.Logger
}

func (c *Config) setDefaults() {
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = defaultReconnectInterval
	}
	if c.CursorInterval == 0 {
		c.CursorInterval = defaultCursorInterval
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
}

type frame struct {
	gen  int
	data []byte
}

type connEvent struct {
	gen int
	err error
}

type dialResult struct {
	conn Conn
	err  error
}

// Engine is the per-document synchronization engine. Create one with
// New, drive it with Edit/SetCursors/..., and observe it through the
// configured Callbacks and the read accessors. After the engine reports
// desynchronization it must be discarded and recreated; there is no
// partial repair.
type Engine struct {
	cfg    Config
	logger *logging.Logger

	// mu guards the fields below. They are mutated only on the run
	// loop; the lock exists so accessors on other goroutines read
	// consistent values.
	mu          sync.RWMutex
	text        string
	revision    int
	language    string
	sessionID   uint64
	hasIdentity bool
	email       string
	myInfo      protocol.UserInfo
	users       map[uint64]protocol.UserInfo
	ctrl        controller
	cursors     *cursorTracker
	attrib      *Attributor
	palette     *Palette
	failures    int
	connected   bool
	desynced    bool
	closed      bool

	conn    Conn
	connGen int

	cmdCh     chan func()
	frameCh   chan frame
	readErrCh chan connEvent
	dialCh    chan dialResult
	closeCh   chan struct{}
	stopped   chan struct{}

	retry          *backoff.ExponentialBackOff
	reconnectTimer *time.Timer
	cursorTimer    *time.Timer
	cursorArmed    bool
	dialing        bool
}

// New creates an engine and starts connecting immediately.
func New(cfg Config) (*Engine, error) {
	if cfg.Dialer == nil {
		return nil, kiterr.E(kiterr.Op("client.New"), kiterr.KindInvalid, "config requires a Dialer")
	}
	cfg.setDefaults()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = cfg.ReconnectInterval
	retry.MaxInterval = 10 * cfg.ReconnectInterval
	retry.MaxElapsedTime = 0

	e := &Engine{
		cfg:       cfg,
		logger:    cfg.Logger.WithComponent(logging.Component("client/engine")),
		myInfo:    protocol.UserInfo{Name: cfg.Name, Hue: cfg.Hue % 360},
		users:     make(map[uint64]protocol.UserInfo),
		cursors:   newCursorTracker(),
		attrib:    NewAttributor(),
		palette:   NewPalette(cfg.FixedColors),
		cmdCh:     make(chan func()),
		frameCh:   make(chan frame, 16),
		readErrCh: make(chan connEvent, 1),
		dialCh:    make(chan dialResult, 1),
		closeCh:   make(chan struct{}),
		stopped:   make(chan struct{}),
		retry:     retry,
	}
	go e.run()
	return e, nil
}

func (e *Engine) run() {
	defer close(e.stopped)

	resetTicker := time.NewTicker(failureResetFactor * e.cfg.ReconnectInterval)
	defer resetTicker.Stop()

	e.reconnectTimer = time.NewTimer(0)
	defer e.reconnectTimer.Stop()
	e.cursorTimer = time.NewTimer(time.Hour)
	if !e.cursorTimer.Stop() {
		<-e.cursorTimer.C
	}
	defer e.cursorTimer.Stop()

	for {
		select {
		case fn := <-e.cmdCh:
			fn()
		case <-e.reconnectTimer.C:
			e.startDial()
		case res := <-e.dialCh:
			e.dialing = false
			e.onDialResult(res)
		case f := <-e.frameCh:
			if f.gen == e.currentGen() {
				e.onFrame(f.data)
			}
		case ev := <-e.readErrCh:
			if ev.gen == e.currentGen() {
				e.onConnClosed(ev.err)
			}
		case <-resetTicker.C:
			e.mu.Lock()
			e.failures = 0
			e.mu.Unlock()
		case <-e.cursorTimer.C:
			e.cursorArmed = false
			e.flushCursors()
		case <-e.closeCh:
			e.teardown()
			return
		}

		e.mu.RLock()
		dead := e.desynced
		e.mu.RUnlock()
		if dead {
			e.teardown()
			return
		}
	}
}

// teardown runs on the loop goroutine as the last act before exit:
// timers are stopped by the run defers, observers detach with the loop,
// the exit-block guard is void once the engine is gone, and finally the
// live connection (if any) is closed.
func (e *Engine) teardown() {
	e.mu.Lock()
	conn := e.conn
	e.conn = nil
	e.connected = false
	e.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (e *Engine) currentGen() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connGen
}

// startDial begins a connection attempt unless one is already pending
// or a connection is live; the two are mutually exclusive by invariant.
func (e *Engine) startDial() {
	e.mu.RLock()
	live := e.conn != nil
	e.mu.RUnlock()
	if live || e.dialing {
		return
	}
	e.dialing = true
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		conn, err := e.cfg.Dialer.Dial(ctx)
		select {
		case e.dialCh <- dialResult{conn: conn, err: err}:
		case <-e.stopped:
			if conn != nil {
				conn.Close()
			}
		}
	}()
}

func (e *Engine) onDialResult(res dialResult) {
	if res.err != nil {
		e.logger.Warn("connection attempt failed", slog.String("error", res.err.Error()))
		e.reconnectTimer.Reset(e.retry.NextBackOff())
		return
	}

	e.mu.Lock()
	if e.closed || e.desynced {
		e.mu.Unlock()
		res.conn.Close()
		return
	}
	e.conn = res.conn
	e.connGen++
	gen := e.connGen
	e.connected = true
	// Presence is fully ephemeral: the server replays it after the
	// handshake, so stale entries are dropped here.
	e.users = make(map[uint64]protocol.UserInfo)
	e.cursors.reset()
	info := e.myInfo
	cursorData := e.cursors.local
	outstanding := e.ctrl.outstanding
	revision := e.revision
	e.mu.Unlock()

	e.retry.Reset()
	go e.readPump(res.conn, gen)

	e.logger.Info("connected")
	e.send(protocol.ClientInfo{Info: info})
	e.send(protocol.SetCursor{Data: cursorData})
	if outstanding != nil {
		// In-flight edits survive reconnection: the server deduplicates
		// by transforming against whatever history the edit missed.
		e.send(protocol.Edit{Revision: revision, Operation: outstanding})
	}
	if cb := e.cfg.Callbacks.OnConnected; cb != nil {
		cb()
	}
}

func (e *Engine) readPump(conn Conn, gen int) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			select {
			case e.readErrCh <- connEvent{gen: gen, err: err}:
			case <-e.stopped:
			}
			return
		}
		select {
		case e.frameCh <- frame{gen: gen, data: data}:
		case <-e.stopped:
			return
		}
	}
}

func (e *Engine) onConnClosed(err error) {
	e.mu.Lock()
	wasOpen := e.conn != nil
	if wasOpen {
		e.conn.Close()
		e.conn = nil
		e.connected = false
		e.failures++
	}
	failures := e.failures
	e.mu.Unlock()

	if !wasOpen {
		return
	}
	e.logger.Warn("disconnected",
		slog.String("error", err.Error()),
		slog.Int("failures", failures),
	)
	if cb := e.cfg.Callbacks.OnDisconnected; cb != nil {
		cb()
	}

	if failures >= e.cfg.FailureThreshold {
		e.enterDesync()
		return
	}
	e.reconnectTimer.Reset(e.retry.NextBackOff())
}

// enterDesync is the single unrecoverable failure path: the engine
// stops, and the caller must discard it and create a fresh one, trading
// availability for correctness.
func (e *Engine) enterDesync() {
	e.mu.Lock()
	already := e.desynced
	e.desynced = true
	e.mu.Unlock()
	if already {
		return
	}
	e.logger.Error("desynchronized, engine must be recreated")
	if cb := e.cfg.Callbacks.OnDesynchronized; cb != nil {
		cb()
	}
}

// closeConnForViolation terminates the live connection after a protocol
// violation; the read pump surfaces the close, which counts toward the
// failure threshold and drives the retry/resync flow.
func (e *Engine) closeConnForViolation(err error) {
	e.logger.Error("protocol violation, terminating connection", slog.String("error", err.Error()))
	e.mu.RLock()
	conn := e.conn
	e.mu.RUnlock()
	if conn != nil {
		conn.Close()
	}
}

func (e *Engine) send(msg protocol.ClientMsg) {
	e.mu.RLock()
	conn := e.conn
	e.mu.RUnlock()
	if conn == nil {
		return
	}
	data, err := protocol.MarshalClientMsg(msg)
	if err != nil {
		e.logger.Error("failed to encode message", slog.String("error", err.Error()))
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		// The read pump observes the broken connection and drives the
		// close path; nothing more to do here.
		e.logger.Warn("write failed", slog.String("error", err.Error()))
	}
}

func (e *Engine) onFrame(data []byte) {
	msg, err := protocol.UnmarshalServerMsg(data)
	if err != nil {
		e.closeConnForViolation(err)
		return
	}

	switch m := msg.(type) {
	case protocol.Identity:
		e.mu.Lock()
		e.sessionID = m.ID
		e.hasIdentity = true
		e.mu.Unlock()

	case protocol.AuthenticatedEmail:
		e.mu.Lock()
		if m.Email != nil {
			e.email = *m.Email
		} else {
			e.email = ""
		}
		e.mu.Unlock()

	case protocol.History:
		if err := e.applyHistory(m); err != nil {
			e.closeConnForViolation(err)
		}

	case protocol.Language:
		e.mu.Lock()
		e.language = m.Name
		e.mu.Unlock()
		if cb := e.cfg.Callbacks.OnLanguageChanged; cb != nil {
			cb(m.Name)
		}

	case protocol.UserJoined:
		e.mu.Lock()
		if m.Info == nil {
			delete(e.users, m.ID)
			e.cursors.remove(m.ID)
		} else {
			e.users[m.ID] = *m.Info
		}
		e.mu.Unlock()
		if cb := e.cfg.Callbacks.OnUsersChanged; cb != nil {
			cb()
		}

	case protocol.UserCursor:
		e.mu.Lock()
		if !e.hasIdentity || m.ID != e.sessionID {
			e.cursors.setRemote(m.ID, m.Data)
		}
		e.mu.Unlock()

	case protocol.UserColor:
		e.mu.Lock()
		e.palette.SetCached(m.Email, m.Hue)
		e.attrib.Recolor(m.Email, e.palette.HueFor(m.Email))
		e.mu.Unlock()
	}
}

// applyHistory applies a contiguous slice of the server's operation log.
// Entries below the local revision were already applied and are skipped;
// a start beyond the local revision would leave a gap and is a fatal
// protocol violation. An entry authored by the local session is the
// acknowledgment of the outstanding operation, not a remote edit.
func (e *Engine) applyHistory(h protocol.History) error {
	const op = kiterr.Op("client.applyHistory")

	e.mu.Lock()
	defer e.mu.Unlock()

	if h.Start > e.revision {
		return kiterr.E(op, kiterr.Component("client/engine"), kiterr.KindProtocol,
			fmt.Sprintf("history starts at revision %d but local revision is %d", h.Start, e.revision))
	}

	var promoted bool
	var remoteEdits [][]ot.HostEdit
	for i, entry := range h.Operations {
		rev := h.Start + i
		if rev < e.revision {
			continue
		}
		if e.hasIdentity && entry.ID == e.sessionID {
			next, err := e.ctrl.onAck()
			if err != nil {
				return err
			}
			e.revision++
			if next != nil {
				promoted = true
			}
			continue
		}

		applied, err := e.ctrl.onRemote(entry.Operation)
		if err != nil {
			return err
		}
		pre := e.text
		key := OwnerKeyFor(entry.Email, entry.ID)
		if err := e.attrib.Record(pre, applied, LineOwner{Key: key, Hue: e.hueForLocked(key, entry.ID)}); err != nil {
			return kiterr.E(op, kiterr.Component("client/engine"), kiterr.KindProtocol, err)
		}
		post, err := applied.Apply(pre)
		if err != nil {
			return kiterr.E(op, kiterr.Component("client/engine"), kiterr.KindProtocol, err)
		}
		e.text = post
		e.revision++
		e.cursors.transformRemote(applied)
		remoteEdits = append(remoteEdits, applied.Edits())
	}
	// Remote entries after the acknowledgment transform the promoted
	// buffer in place, so the operation to transmit is read only after
	// the whole frame is applied.
	var sendNext *ot.Operation
	if promoted {
		sendNext = e.ctrl.outstanding
	}
	revision := e.revision

	// Callbacks and sends happen outside the lock.
	e.mu.Unlock()
	if cb := e.cfg.Callbacks.OnRemoteEdits; cb != nil {
		for _, edits := range remoteEdits {
			cb(edits)
		}
	}
	if sendNext != nil {
		e.send(protocol.Edit{Revision: revision, Operation: sendNext})
	}
	e.mu.Lock()
	return nil
}

// hueForLocked resolves the display hue for an author: palette first
// (fixed table, then cached preference), then the author's announced
// info, then the coordination-free hash. Callers hold e.mu.
func (e *Engine) hueForLocked(key string, sessionID uint64) uint32 {
	if hue, ok := e.palette.Lookup(key); ok {
		return hue
	}
	if info, ok := e.users[sessionID]; ok {
		return info.Hue % 360
	}
	return HashHue(key)
}

// do runs fn on the event loop and waits for it.
func (e *Engine) do(fn func()) error {
	done := make(chan struct{})
	select {
	case e.cmdCh <- func() { fn(); close(done) }:
	case <-e.stopped:
		return e.lifecycleErr()
	}
	select {
	case <-done:
		return nil
	case <-e.stopped:
		return e.lifecycleErr()
	}
}

func (e *Engine) lifecycleErr() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.desynced {
		return kiterr.E(kiterr.Op("client.Engine"), kiterr.KindDesync, "engine is desynchronized and must be recreated")
	}
	return kiterr.E(kiterr.Op("client.Engine"), "engine is closed")
}

// Edit applies a batch of local host edits to the document and queues
// the resulting operation for transmission. At most one operation is in
// flight; anything produced while waiting is composed into the single
// buffered operation.
func (e *Engine) Edit(edits []ot.HostEdit) error {
	var editErr error
	err := e.do(func() {
		e.mu.Lock()
		op, err := ot.FromHostEdits(ot.RuneLen(e.text), edits)
		if err != nil {
			e.mu.Unlock()
			editErr = err
			return
		}
		if op.IsNoop() {
			e.mu.Unlock()
			return
		}
		pre := e.text
		key := OwnerKeyFor(e.email, e.sessionID)
		hue := e.myInfo.Hue
		if h, ok := e.palette.Lookup(key); ok {
			hue = h
		}
		if err := e.attrib.Record(pre, op, LineOwner{Key: key, Hue: hue}); err != nil {
			e.mu.Unlock()
			editErr = err
			return
		}
		post, err := op.Apply(pre)
		if err != nil {
			e.mu.Unlock()
			editErr = err
			return
		}
		e.text = post
		e.cursors.transformRemote(op)
		toSend, err := e.ctrl.onLocalEdit(op)
		revision := e.revision
		e.mu.Unlock()
		if err != nil {
			editErr = err
			return
		}
		if toSend != nil {
			e.send(protocol.Edit{Revision: revision, Operation: toSend})
		}
	})
	if err != nil {
		return err
	}
	return editErr
}

// SetCursors updates the local cursor and selection set. The local value
// is authoritative immediately; the network broadcast is coalesced.
func (e *Engine) SetCursors(data protocol.CursorData) error {
	return e.do(func() {
		e.mu.Lock()
		e.cursors.setLocal(data)
		e.mu.Unlock()
		if !e.cursorArmed {
			e.cursorArmed = true
			e.cursorTimer.Reset(e.cfg.CursorInterval)
		}
	})
}

func (e *Engine) flushCursors() {
	e.mu.Lock()
	data, pending := e.cursors.takePending()
	e.mu.Unlock()
	if pending {
		e.send(protocol.SetCursor{Data: data})
	}
}

// SetLanguage sets the document language; the server rebroadcast is
// authoritative for everyone else.
func (e *Engine) SetLanguage(name string) error {
	return e.do(func() {
		e.mu.Lock()
		e.language = name
		e.mu.Unlock()
		e.send(protocol.SetLanguage{Name: name})
	})
}

// SetInfo updates the announced display name and hue.
func (e *Engine) SetInfo(name string, hue uint32) error {
	return e.do(func() {
		e.mu.Lock()
		e.myInfo = protocol.UserInfo{Name: name, Hue: hue % 360}
		info := e.myInfo
		e.mu.Unlock()
		e.send(protocol.ClientInfo{Info: info})
	})
}

// SetColor sets the authenticated user's persistent color preference;
// the server persists it and broadcasts the change to every session.
func (e *Engine) SetColor(hue uint32) error {
	return e.do(func() {
		e.send(protocol.SetColor{Hue: hue % 360})
	})
}

// SetFixedColors toggles fixed-color mode. A toggle recolors the entire
// ownership index, not just future edits.
func (e *Engine) SetFixedColors(enabled bool) error {
	return e.do(func() {
		e.mu.Lock()
		if e.palette.SetFixedEnabled(enabled) {
			e.attrib.RecolorAll(e.palette.HueFor)
		}
		e.mu.Unlock()
	})
}

// Close disposes the engine: timers stop, observers detach, the exit
// guard is released, and the live connection closes, in that order.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.stopped
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	close(e.closeCh)
	<-e.stopped
	return nil
}

// Text returns the current document text.
func (e *Engine) Text() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.text
}

// Revision returns the last server revision applied locally.
func (e *Engine) Revision() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.revision
}

// SessionID returns the ephemeral id assigned by the server for the
// current connection and whether one has been assigned yet.
func (e *Engine) SessionID() (uint64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessionID, e.hasIdentity
}

// Email returns the stable authenticated identity, if any.
func (e *Engine) Email() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.email
}

// Language returns the current document language.
func (e *Engine) Language() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.language
}

// Users returns a snapshot of the present users.
func (e *Engine) Users() map[uint64]protocol.UserInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[uint64]protocol.UserInfo, len(e.users))
	for id, info := range e.users {
		out[id] = info
	}
	return out
}

// RemoteCursors returns a snapshot of every remote identity's cursors.
func (e *Engine) RemoteCursors() map[uint64]protocol.CursorData {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cursors.snapshot()
}

// Lines returns a snapshot of the advisory line-ownership index.
func (e *Engine) Lines() map[int]LineOwner {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.attrib.Snapshot()
}

// Connected reports whether a connection is currently open.
func (e *Engine) Connected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

// Desynchronized reports whether the engine has entered the terminal
// desynchronized state.
func (e *Engine) Desynchronized() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.desynced
}

// CanClose reports whether the hosting process may exit without risking
// unacknowledged work. It is false while an operation is outstanding.
func (e *Engine) CanClose() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.ctrl.hasOutstanding()
}
