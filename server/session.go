// Package server implements the pad server: per-document sessions over
// the collaborative editing protocol, the HTTP/WebSocket surface, and
// background persistence of live documents.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	kiterr "github.com/c0deZ3R0/go-pad-kit/errors"
	"github.com/c0deZ3R0/go-pad-kit/logging"
	"github.com/c0deZ3R0/go-pad-kit/ot"
	"github.com/c0deZ3R0/go-pad-kit/protocol"
	"github.com/c0deZ3R0/go-pad-kit/storage"
)

// maxDocumentLen caps document size in codepoints; an edit whose result
// would exceed it is rejected.
const maxDocumentLen = 256 * 1024

const sessionComponent = kiterr.Component("server/session")

// Session holds the authoritative state of one live document: the full
// operation history, the current text, presence, cursors, and the color
// cache. Connections join with ServeConn; every applied operation wakes
// all connections so they can stream the history tail.
type Session struct {
	count atomic.Uint64

	mu       sync.RWMutex
	ops      []protocol.UserOperation
	text     string
	language string
	users    map[uint64]protocol.UserInfo
	cursors  map[uint64]protocol.CursorData
	colors   map[string]uint32
	notify   chan struct{}
	subs     map[uint64]chan []byte
	killed   bool

	killCh     chan struct{}
	lastAccess atomic.Int64

	// OnColorChange, if set, observes persisted color preferences.
	OnColorChange func(email string, hue uint32)

	logger *logging.Logger
}

// NewSession returns an empty document session.
func NewSession() *Session {
	return NewSessionFrom(storage.Document{})
}

// NewSessionFrom returns a session seeded with a persisted snapshot.
// History starts empty at revision zero regardless of the text.
func NewSessionFrom(doc storage.Document) *Session {
	s := &Session{
		text:     doc.Text,
		language: doc.Language,
		users:    make(map[uint64]protocol.UserInfo),
		cursors:  make(map[uint64]protocol.CursorData),
		colors:   make(map[string]uint32),
		notify:   make(chan struct{}),
		subs:     make(map[uint64]chan []byte),
		killCh:   make(chan struct{}),
		logger:   logging.WithComponent(logging.Component("server/session")),
	}
	s.touch()
	return s
}

// Text returns the current document text.
func (s *Session) Text() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.text
}

// Revision returns the number of operations applied so far.
func (s *Session) Revision() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ops)
}

// Language returns the current language, if any.
func (s *Session) Language() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.language
}

// UserCount returns the number of connected users.
func (s *Session) UserCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// Snapshot returns the persistable state of the document.
func (s *Session) Snapshot() storage.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return storage.Document{Text: s.text, Language: s.language}
}

// CacheColor seeds the session's color cache, typically from storage
// when an authenticated user connects.
func (s *Session) CacheColor(email string, hue uint32) {
	s.mu.Lock()
	s.colors[email] = hue % 360
	s.mu.Unlock()
}

// LastAccess returns the time of the last client activity.
func (s *Session) LastAccess() time.Time {
	return time.Unix(0, s.lastAccess.Load())
}

func (s *Session) touch() {
	s.lastAccess.Store(time.Now().UnixNano())
}

// Kill tears the session down: every connection unblocks and returns,
// and the session refuses further use.
func (s *Session) Kill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.killed {
		return
	}
	s.killed = true
	close(s.killCh)
}

// Killed reports whether the session has been torn down.
func (s *Session) Killed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.killed
}

// Done is closed when the session is killed.
func (s *Session) Done() <-chan struct{} {
	return s.killCh
}

// notifyChan returns the channel closed on the next new revision.
func (s *Session) notifyChan() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notify
}

func (s *Session) notifyNewRevision() {
	s.mu.Lock()
	ch := s.notify
	s.notify = make(chan struct{})
	s.mu.Unlock()
	close(ch)
}

// historySince returns a copy of the operation log from revision on.
func (s *Session) historySince(revision int) []protocol.UserOperation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if revision >= len(s.ops) {
		return nil
	}
	tail := make([]protocol.UserOperation, len(s.ops)-revision)
	copy(tail, s.ops[revision:])
	return tail
}

// broadcast sends a metadata message to every connection. A connection
// too slow to drain its buffer misses the frame; presence and cursor
// updates are ephemeral, so the next update repairs it.
func (s *Session) broadcast(msg protocol.ServerMsg) {
	data, err := protocol.MarshalServerMsg(msg)
	if err != nil {
		s.logger.Error("failed to encode broadcast", slog.String("error", err.Error()))
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		select {
		case sub <- data:
		default:
		}
	}
}

func (s *Session) addSub(id uint64, ch chan []byte) {
	s.mu.Lock()
	s.subs[id] = ch
	s.mu.Unlock()
}

func (s *Session) removeSub(id uint64) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

// applyEdit transforms an operation submitted against an old revision
// over the history tail it missed, applies it, and appends it to the
// log. Stored cursors are remapped through the applied operation.
func (s *Session) applyEdit(id uint64, email string, revision int, op *ot.Operation) error {
	const errOp = kiterr.Op("session.applyEdit")

	s.mu.Lock()
	defer s.mu.Unlock()

	if revision > len(s.ops) {
		return kiterr.E(errOp, sessionComponent, kiterr.KindProtocol,
			fmt.Sprintf("edit revision %d is ahead of history length %d", revision, len(s.ops)))
	}
	for _, prev := range s.ops[revision:] {
		// The incoming operation is the receiver so that its inserts
		// order ahead of the history tail's, the same way a client
		// orders its outstanding operation ahead of remote ones.
		transformed, _, err := op.Transform(prev.Operation)
		if err != nil {
			return kiterr.E(errOp, sessionComponent, kiterr.KindProtocol, err)
		}
		op = transformed
	}
	if op.TargetLen() > maxDocumentLen {
		return kiterr.E(errOp, sessionComponent, kiterr.KindInvalid,
			fmt.Sprintf("edit would grow document to %d codepoints", op.TargetLen()))
	}
	text, err := op.Apply(s.text)
	if err != nil {
		return kiterr.E(errOp, sessionComponent, kiterr.KindProtocol, err)
	}
	for cid, data := range s.cursors {
		s.cursors[cid] = protocol.TransformCursors(op, data)
	}
	s.ops = append(s.ops, protocol.UserOperation{ID: id, Operation: op, Email: email})
	s.text = text
	return nil
}

// ServeConn runs one client connection until it closes, errors, the
// context is canceled, or the session is killed. All writes to the
// websocket happen on this goroutine.
func (s *Session) ServeConn(ctx context.Context, conn *websocket.Conn, email string) error {
	if s.Killed() {
		return kiterr.E(kiterr.Op("session.ServeConn"), sessionComponent, "session is killed")
	}
	id := s.count.Add(1) - 1
	s.touch()

	sub := make(chan []byte, 256)
	s.addSub(id, sub)
	defer s.removeSub(id)
	defer s.disconnect(id)

	write := func(msg protocol.ServerMsg) error {
		data, err := protocol.MarshalServerMsg(msg)
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	if err := write(protocol.Identity{ID: id}); err != nil {
		return err
	}
	var emailPtr *string
	if email != "" {
		emailPtr = &email
	}
	if err := write(protocol.AuthenticatedEmail{Email: emailPtr}); err != nil {
		return err
	}
	if err := s.sendInitialState(write); err != nil {
		return err
	}

	frames := make(chan []byte, 16)
	readErr := make(chan error, 1)
	go func() {
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			select {
			case frames <- data:
			case <-ctx.Done():
				return
			case <-s.killCh:
				return
			}
		}
	}()

	revision := 0
	for {
		if tail := s.historySince(revision); len(tail) > 0 {
			if err := write(protocol.History{Start: revision, Operations: tail}); err != nil {
				return err
			}
			revision += len(tail)
		}
		notify := s.notifyChan()
		if s.Revision() > revision {
			continue
		}
		select {
		case <-notify:
		case data := <-sub:
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}
		case data := <-frames:
			s.touch()
			if err := s.handleMessage(id, email, data); err != nil {
				return err
			}
		case err := <-readErr:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		case <-s.killCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// sendInitialState replays language, presence, cursors, colors, and the
// full history to a freshly connected client.
func (s *Session) sendInitialState(write func(protocol.ServerMsg) error) error {
	s.mu.RLock()
	var msgs []protocol.ServerMsg
	if s.language != "" {
		msgs = append(msgs, protocol.Language{Name: s.language})
	}
	for id, info := range s.users {
		info := info
		msgs = append(msgs, protocol.UserJoined{ID: id, Info: &info})
	}
	for id, data := range s.cursors {
		msgs = append(msgs, protocol.UserCursor{ID: id, Data: data})
	}
	for email, hue := range s.colors {
		msgs = append(msgs, protocol.UserColor{Email: email, Hue: hue})
	}
	s.mu.RUnlock()

	for _, msg := range msgs {
		if err := write(msg); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) handleMessage(id uint64, email string, data []byte) error {
	msg, err := protocol.UnmarshalClientMsg(data)
	if err != nil {
		return err
	}

	switch m := msg.(type) {
	case protocol.Edit:
		if err := s.applyEdit(id, email, m.Revision, m.Operation); err != nil {
			return err
		}
		s.notifyNewRevision()

	case protocol.SetLanguage:
		s.mu.Lock()
		s.language = m.Name
		s.mu.Unlock()
		s.broadcast(protocol.Language{Name: m.Name})

	case protocol.ClientInfo:
		info := m.Info
		info.Hue %= 360
		s.mu.Lock()
		s.users[id] = info
		s.mu.Unlock()
		s.broadcast(protocol.UserJoined{ID: id, Info: &info})

	case protocol.SetCursor:
		s.mu.Lock()
		s.cursors[id] = m.Data
		s.mu.Unlock()
		s.broadcast(protocol.UserCursor{ID: id, Data: m.Data})

	case protocol.SetColor:
		// Anonymous sessions have no stable identity to color.
		if email == "" {
			return nil
		}
		hue := m.Hue % 360
		s.mu.Lock()
		s.colors[email] = hue
		onChange := s.OnColorChange
		s.mu.Unlock()
		s.broadcast(protocol.UserColor{Email: email, Hue: hue})
		if onChange != nil {
			onChange(email, hue)
		}
	}
	return nil
}

// disconnect drops a connection's presence and cursors and tells
// everyone else.
func (s *Session) disconnect(id uint64) {
	s.mu.Lock()
	_, hadInfo := s.users[id]
	delete(s.users, id)
	delete(s.cursors, id)
	s.mu.Unlock()
	if hadInfo {
		s.broadcast(protocol.UserJoined{ID: id, Info: nil})
	}
}
