package server

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	kiterr "github.com/c0deZ3R0/go-pad-kit/errors"
	"github.com/c0deZ3R0/go-pad-kit/storage"
)

func (srv *Server) routes() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/socket/{id}", srv.handleSocket).Methods(http.MethodGet)
	api.HandleFunc("/text/{id}", srv.handleText).Methods(http.MethodGet)
	api.HandleFunc("/stats", srv.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/documents", srv.handleListDocuments).Methods(http.MethodGet)
	api.HandleFunc("/documents", srv.handleCreateDocument).Methods(http.MethodPost)
	api.HandleFunc("/documents/{id}", srv.handleGetDocument).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}", srv.handleRenameDocument).Methods(http.MethodPatch)
	api.HandleFunc("/documents/{id}", srv.handleDeleteDocument).Methods(http.MethodDelete)
	return r
}

func (srv *Server) email(r *http.Request) string {
	if srv.cfg.TrustedEmailHeader == "" {
		return ""
	}
	return r.Header.Get(srv.cfg.TrustedEmailHeader)
}

func (srv *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	session, err := srv.getDocument(r.Context(), id)
	if err != nil {
		srv.writeError(w, err)
		return
	}

	email := srv.email(r)
	if email != "" && srv.cfg.Store != nil {
		if hue, ok, err := srv.cfg.Store.UserColor(r.Context(), email); err == nil && ok {
			session.CacheColor(email, hue)
		}
	}

	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		return
	}
	defer conn.Close()

	if err := session.ServeConn(r.Context(), conn, email); err != nil {
		srv.logger.Info("connection ended",
			slog.String("document", id),
			slog.String("error", err.Error()),
		)
	}
}

func (srv *Server) handleText(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	// A live session is authoritative; otherwise fall back to storage
	// without pulling the document into memory.
	srv.mu.Lock()
	doc, live := srv.docs[id]
	srv.mu.Unlock()

	var text string
	if live && !doc.session.Killed() {
		text = doc.session.Text()
	} else if srv.cfg.Store != nil {
		persisted, err := srv.cfg.Store.LoadDocument(r.Context(), id)
		if err != nil && !kiterr.IsKind(err, kiterr.KindNotFound) {
			srv.writeError(w, err)
			return
		}
		text = persisted.Text
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(text))
}

func (srv *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := struct {
		StartTime     int64 `json:"start_time"`
		NumDocuments  int   `json:"num_documents"`
		LiveDocuments int   `json:"live_documents"`
	}{
		StartTime:     srv.startTime.Unix(),
		LiveDocuments: srv.liveCount(),
	}
	if srv.cfg.Store != nil {
		count, err := srv.cfg.Store.CountDocuments(r.Context())
		if err != nil {
			srv.writeError(w, err)
			return
		}
		stats.NumDocuments = count
	} else {
		stats.NumDocuments = stats.LiveDocuments
	}
	srv.writeJSON(w, http.StatusOK, stats)
}

type documentMeta struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

func toMeta(m storage.Meta) documentMeta {
	return documentMeta{
		ID:        m.ID,
		Name:      m.Name,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
		DeletedAt: m.DeletedAt,
	}
}

func (srv *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	store, ok := srv.requireStore(w)
	if !ok {
		return
	}
	metas, err := store.ListDocuments(r.Context())
	if err != nil {
		srv.writeError(w, err)
		return
	}
	out := make([]documentMeta, len(metas))
	for i, m := range metas {
		out[i] = toMeta(m)
	}
	srv.writeJSON(w, http.StatusOK, out)
}

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func shortID() string {
	b := make([]byte, 6)
	for i := range b {
		b[i] = idAlphabet[rand.Intn(len(idAlphabet))]
	}
	return string(b)
}

func (srv *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	store, ok := srv.requireStore(w)
	if !ok {
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// Short ids are friendlier in URLs; if the space is contended fall
	// back to a uuid, which cannot collide in practice.
	var meta storage.Meta
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		meta, err = store.CreateDocument(r.Context(), shortID(), body.Name)
		if err == nil {
			break
		}
	}
	if err != nil {
		meta, err = store.CreateDocument(r.Context(), uuid.NewString(), body.Name)
		if err != nil {
			srv.writeError(w, err)
			return
		}
	}
	srv.writeJSON(w, http.StatusCreated, toMeta(meta))
}

func (srv *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	store, ok := srv.requireStore(w)
	if !ok {
		return
	}
	meta, err := store.GetMeta(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		srv.writeError(w, err)
		return
	}
	srv.writeJSON(w, http.StatusOK, toMeta(meta))
}

func (srv *Server) handleRenameDocument(w http.ResponseWriter, r *http.Request) {
	store, ok := srv.requireStore(w)
	if !ok {
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	id := mux.Vars(r)["id"]
	if err := store.RenameDocument(r.Context(), id, body.Name); err != nil {
		srv.writeError(w, err)
		return
	}
	meta, err := store.GetMeta(r.Context(), id)
	if err != nil {
		srv.writeError(w, err)
		return
	}
	srv.writeJSON(w, http.StatusOK, toMeta(meta))
}

func (srv *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	store, ok := srv.requireStore(w)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	if err := store.SoftDeleteDocument(r.Context(), id); err != nil {
		srv.writeError(w, err)
		return
	}

	// Kill the live session so connected editors are cut off and the
	// stale snapshot is not persisted over the deletion.
	srv.mu.Lock()
	doc, live := srv.docs[id]
	delete(srv.docs, id)
	srv.mu.Unlock()
	if live {
		doc.session.Kill()
	}

	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) requireStore(w http.ResponseWriter) (storage.Store, bool) {
	if srv.cfg.Store == nil {
		http.Error(w, "document management requires persistent storage", http.StatusNotImplemented)
		return nil, false
	}
	return srv.cfg.Store, true
}

func (srv *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		srv.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

func (srv *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch kiterr.KindOf(err) {
	case kiterr.KindNotFound:
		status = http.StatusNotFound
	case kiterr.KindInvalid, kiterr.KindProtocol:
		status = http.StatusBadRequest
	}
	srv.writeJSON(w, status, map[string]string{"error": err.Error()})
}
