package server

import (
	"context"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	kiterr "github.com/c0deZ3R0/go-pad-kit/errors"
	"github.com/c0deZ3R0/go-pad-kit/logging"
	"github.com/c0deZ3R0/go-pad-kit/storage"
)

// Config configures a Server.
type Config struct {
	// Store persists documents and user colors. Optional; with a nil
	// Store documents live only in memory and the management API is
	// disabled.
	Store storage.Store

	// ExpiryTime is how long an idle document stays in memory before
	// the cleaner evicts it. Default 24h.
	ExpiryTime time.Duration

	// PersistInterval is the base interval of the per-document
	// persister; each tick adds up to one second of jitter to spread
	// writes across documents. Default 3s.
	PersistInterval time.Duration

	// CleanupInterval is how often idle documents are scanned for
	// eviction. Default 1h.
	CleanupInterval time.Duration

	// TrustedEmailHeader names the header a fronting gateway sets to
	// the authenticated user's email. Empty means every connection is
	// anonymous. The server trusts this header blindly, so it must be
	// stripped from client traffic upstream.
	TrustedEmailHeader string

	Logger *logging.Logger
}

func (c *Config) setDefaults() {
	if c.ExpiryTime == 0 {
		c.ExpiryTime = 24 * time.Hour
	}
	if c.PersistInterval == 0 {
		c.PersistInterval = 3 * time.Second
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = time.Hour
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
}

type liveDoc struct {
	session *Session

	// lastPersisted is touched only by the document's persist loop.
	lastPersisted int
}

// Server hosts document sessions behind an HTTP/WebSocket API.
type Server struct {
	cfg      Config
	logger   *logging.Logger
	router   *mux.Router
	upgrader websocket.Upgrader

	mu   sync.Mutex
	docs map[string]*liveDoc

	startTime time.Time
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// New creates a Server and starts its background cleaner.
func New(cfg Config) *Server {
	cfg.setDefaults()
	srv := &Server{
		cfg:    cfg,
		logger: cfg.Logger.WithComponent(logging.Component("server")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The trusted gateway in front of the server enforces
			// origin policy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		docs:      make(map[string]*liveDoc),
		startTime: time.Now(),
		stopCh:    make(chan struct{}),
	}
	srv.router = srv.routes()

	srv.wg.Add(1)
	go srv.cleanupLoop()
	return srv
}

func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	srv.router.ServeHTTP(w, r)
}

// Close persists every live document, kills all sessions, and stops the
// background loops.
func (srv *Server) Close() error {
	srv.stopOnce.Do(func() { close(srv.stopCh) })

	srv.mu.Lock()
	docs := make(map[string]*liveDoc, len(srv.docs))
	for id, doc := range srv.docs {
		docs[id] = doc
	}
	srv.docs = make(map[string]*liveDoc)
	srv.mu.Unlock()

	for id, doc := range docs {
		srv.persistNow(id, doc.session)
		doc.session.Kill()
	}
	srv.wg.Wait()
	return nil
}

// getDocument returns the live session for id, creating or loading it
// if needed.
func (srv *Server) getDocument(ctx context.Context, id string) (*Session, error) {
	srv.mu.Lock()
	if doc, ok := srv.docs[id]; ok && !doc.session.Killed() {
		srv.mu.Unlock()
		return doc.session, nil
	}
	srv.mu.Unlock()

	// Load outside the lock; storage may be slow.
	session := NewSession()
	if srv.cfg.Store != nil {
		persisted, err := srv.cfg.Store.LoadDocument(ctx, id)
		switch {
		case err == nil:
			session = NewSessionFrom(persisted)
		case kiterr.IsKind(err, kiterr.KindNotFound):
			// New document.
		default:
			return nil, err
		}
		store := srv.cfg.Store
		session.OnColorChange = func(email string, hue uint32) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := store.SetUserColor(ctx, email, hue); err != nil {
				srv.logger.Warn("failed to persist user color",
					slog.String("email", email),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if doc, ok := srv.docs[id]; ok && !doc.session.Killed() {
		// Lost the race; use the session another request installed.
		return doc.session, nil
	}
	doc := &liveDoc{session: session}
	srv.docs[id] = doc
	if srv.cfg.Store != nil {
		srv.wg.Add(1)
		go srv.persistLoop(id, doc)
	}
	return session, nil
}

// persistLoop writes a document's snapshot whenever its revision moved,
// on a jittered interval so many documents do not flush in lockstep.
func (srv *Server) persistLoop(id string, doc *liveDoc) {
	defer srv.wg.Done()
	for {
		jitter := time.Duration(rand.Int63n(int64(time.Second)))
		select {
		case <-time.After(srv.cfg.PersistInterval + jitter):
		case <-doc.session.Done():
			return
		case <-srv.stopCh:
			return
		}
		if rev := doc.session.Revision(); rev != doc.lastPersisted {
			if srv.persistNow(id, doc.session) {
				doc.lastPersisted = rev
			}
		}
	}
}

func (srv *Server) persistNow(id string, session *Session) bool {
	if srv.cfg.Store == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.cfg.Store.StoreDocument(ctx, id, session.Snapshot()); err != nil {
		srv.logger.Warn("failed to persist document",
			slog.String("document", id),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

// cleanupLoop evicts documents idle beyond the configured expiry.
func (srv *Server) cleanupLoop() {
	defer srv.wg.Done()
	ticker := time.NewTicker(srv.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			srv.evictIdle()
		case <-srv.stopCh:
			return
		}
	}
}

func (srv *Server) evictIdle() {
	cutoff := time.Now().Add(-srv.cfg.ExpiryTime)

	srv.mu.Lock()
	var evict []string
	for id, doc := range srv.docs {
		if doc.session.LastAccess().Before(cutoff) && doc.session.UserCount() == 0 {
			evict = append(evict, id)
		}
	}
	docs := make(map[string]*liveDoc, len(evict))
	for _, id := range evict {
		docs[id] = srv.docs[id]
		delete(srv.docs, id)
	}
	srv.mu.Unlock()

	for id, doc := range docs {
		srv.persistNow(id, doc.session)
		doc.session.Kill()
		srv.logger.Info("evicted idle document", slog.String("document", id))
	}
}

// liveCount returns the number of in-memory documents.
func (srv *Server) liveCount() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.docs)
}
