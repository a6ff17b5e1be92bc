// Package sqlite provides a SQLite implementation of the storage.Store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	stdSync "sync"
	"time"

	kiterr "github.com/c0deZ3R0/go-pad-kit/errors"
	"github.com/c0deZ3R0/go-pad-kit/logging"
	"github.com/c0deZ3R0/go-pad-kit/storage"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

// Operation constants for consistent error reporting
const (
	opLoadDocument   = kiterr.Op("sqlite.LoadDocument")
	opStoreDocument  = kiterr.Op("sqlite.StoreDocument")
	opCountDocuments = kiterr.Op("sqlite.CountDocuments")
	opListDocuments  = kiterr.Op("sqlite.ListDocuments")
	opCreateDocument = kiterr.Op("sqlite.CreateDocument")
	opGetMeta        = kiterr.Op("sqlite.GetMeta")
	opRename         = kiterr.Op("sqlite.RenameDocument")
	opSoftDelete     = kiterr.Op("sqlite.SoftDeleteDocument")
	opUserColor      = kiterr.Op("sqlite.UserColor")
	opSetUserColor   = kiterr.Op("sqlite.SetUserColor")

	component = kiterr.Component("storage/sqlite")
)

// ErrStoreClosed is returned by every method after Close.
var ErrStoreClosed = errors.New("store is closed")

// Config holds configuration options for the DocumentStore.
//
// Production-ready defaults are applied by DefaultConfig() including:
//   - WAL mode enabled for better concurrency
//   - Connection pool with 25 max open, 5 max idle connections
//   - Connection lifetimes of 1 hour max, 5 minutes max idle
type Config struct {
	// DataSourceName is the connection string for the SQLite database.
	// Example: "file:pads.db?_journal_mode=WAL"
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging mode for better concurrency.
	// This is recommended for production use and is enabled by default.
	// When true, automatically appends "?_journal_mode=WAL" to DataSourceName.
	EnableWAL bool

	// Connection pool settings for production workloads.
	// Defaults: MaxOpen=25, MaxIdle=5, Lifetime=1h, IdleTime=5m
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// setDefaults applies default values to the config
func (c *Config) setDefaults() {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.EnableWAL {
		if !strings.Contains(c.DataSourceName, "_journal_mode=") {
			sep := "?"
			if strings.Contains(c.DataSourceName, "?") {
				sep = "&"
			}
			c.DataSourceName += sep + "_journal_mode=WAL"
		}
	}
}

// DefaultConfig returns a Config with production-ready defaults.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// NewWithDataSource is a convenience constructor
func NewWithDataSource(dataSourceName string) (*DocumentStore, error) {
	return New(DefaultConfig(dataSourceName))
}

// DocumentStore implements storage.Store on SQLite.
type DocumentStore struct {
	db     *sql.DB
	mu     stdSync.RWMutex
	closed bool
}

// Compile-time check to ensure DocumentStore satisfies the Store interface
var _ storage.Store = (*DocumentStore)(nil)

// New creates a DocumentStore from a Config.
func New(config *Config) (*DocumentStore, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	config.setDefaults()

	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	logger := logging.WithComponent(logging.Component("sqlite-store"))
	logger.InfoContext(context.Background(), "Opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	store := &DocumentStore{db: db}
	if err := store.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}

	logger.InfoContext(context.Background(), "SQLite DocumentStore successfully initialized")
	return store, nil
}

// setupSchema creates the document and user_color tables if they don't exist.
func (s *DocumentStore) setupSchema() error {
	query := `
    CREATE TABLE IF NOT EXISTS document (
        id          TEXT PRIMARY KEY,
        name        TEXT NOT NULL DEFAULT '',
        text        TEXT NOT NULL DEFAULT '',
        language    TEXT,
        created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
        updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
        deleted_at  TIMESTAMP
    );
    CREATE INDEX IF NOT EXISTS idx_document_updated_at ON document (updated_at);

    CREATE TABLE IF NOT EXISTS user_color (
        email       TEXT PRIMARY KEY,
        hue         INTEGER NOT NULL,
        updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
    );
    `
	_, err := s.db.Exec(query)
	return err
}

func (s *DocumentStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// LoadDocument returns the persisted snapshot of a live document.
func (s *DocumentStore) LoadDocument(ctx context.Context, id string) (storage.Document, error) {
	if err := s.checkOpen(); err != nil {
		return storage.Document{}, err
	}

	var doc storage.Document
	var language sql.NullString
	query := `SELECT text, language FROM document WHERE id = ? AND deleted_at IS NULL`
	err := s.db.QueryRowContext(ctx, query, id).Scan(&doc.Text, &language)
	if err == sql.ErrNoRows {
		return storage.Document{}, kiterr.E(opLoadDocument, component, kiterr.KindNotFound,
			fmt.Sprintf("document %q not found", id))
	}
	if err != nil {
		return storage.Document{}, kiterr.E(opLoadDocument, component, kiterr.KindStorage, err)
	}
	doc.Language = language.String
	return doc, nil
}

// StoreDocument upserts a document snapshot.
func (s *DocumentStore) StoreDocument(ctx context.Context, id string, doc storage.Document) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	query := `
    INSERT INTO document (id, text, language) VALUES (?, ?, ?)
    ON CONFLICT (id) DO UPDATE SET
        text = excluded.text,
        language = excluded.language,
        updated_at = CURRENT_TIMESTAMP`
	_, err := s.db.ExecContext(ctx, query, id, doc.Text, nullable(doc.Language))
	if err != nil {
		return kiterr.E(opStoreDocument, component, kiterr.KindStorage, err)
	}
	return nil
}

// CountDocuments returns the number of live documents.
func (s *DocumentStore) CountDocuments(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var count int
	query := `SELECT COUNT(*) FROM document WHERE deleted_at IS NULL`
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, kiterr.E(opCountDocuments, component, kiterr.KindStorage, err)
	}
	return count, nil
}

// ListDocuments returns metadata for every live document.
func (s *DocumentStore) ListDocuments(ctx context.Context) ([]storage.Meta, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `
    SELECT id, name, created_at, updated_at FROM document
    WHERE deleted_at IS NULL ORDER BY updated_at DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, kiterr.E(opListDocuments, component, kiterr.KindStorage, err)
	}
	defer rows.Close()

	var metas []storage.Meta
	for rows.Next() {
		var m storage.Meta
		if err := rows.Scan(&m.ID, &m.Name, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, kiterr.E(opListDocuments, component, kiterr.KindStorage, err)
		}
		metas = append(metas, m)
	}
	if err := rows.Err(); err != nil {
		return nil, kiterr.E(opListDocuments, component, kiterr.KindStorage, err)
	}
	return metas, nil
}

// CreateDocument inserts an empty named document.
func (s *DocumentStore) CreateDocument(ctx context.Context, id, name string) (storage.Meta, error) {
	if err := s.checkOpen(); err != nil {
		return storage.Meta{}, err
	}

	query := `INSERT INTO document (id, name) VALUES (?, ?)`
	if _, err := s.db.ExecContext(ctx, query, id, name); err != nil {
		return storage.Meta{}, kiterr.E(opCreateDocument, component, kiterr.KindStorage, err)
	}
	return s.GetMeta(ctx, id)
}

// GetMeta returns a document's metadata, soft-deleted included.
func (s *DocumentStore) GetMeta(ctx context.Context, id string) (storage.Meta, error) {
	if err := s.checkOpen(); err != nil {
		return storage.Meta{}, err
	}

	var m storage.Meta
	var deletedAt sql.NullTime
	query := `SELECT id, name, created_at, updated_at, deleted_at FROM document WHERE id = ?`
	err := s.db.QueryRowContext(ctx, query, id).Scan(&m.ID, &m.Name, &m.CreatedAt, &m.UpdatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return storage.Meta{}, kiterr.E(opGetMeta, component, kiterr.KindNotFound,
			fmt.Sprintf("document %q not found", id))
	}
	if err != nil {
		return storage.Meta{}, kiterr.E(opGetMeta, component, kiterr.KindStorage, err)
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		m.DeletedAt = &t
	}
	return m, nil
}

// RenameDocument updates a live document's display name.
func (s *DocumentStore) RenameDocument(ctx context.Context, id, name string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	query := `
    UPDATE document SET name = ?, updated_at = CURRENT_TIMESTAMP
    WHERE id = ? AND deleted_at IS NULL`
	res, err := s.db.ExecContext(ctx, query, name, id)
	if err != nil {
		return kiterr.E(opRename, component, kiterr.KindStorage, err)
	}
	return requireRow(res, opRename, id)
}

// SoftDeleteDocument marks a document deleted without dropping the row.
func (s *DocumentStore) SoftDeleteDocument(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	query := `
    UPDATE document SET deleted_at = CURRENT_TIMESTAMP
    WHERE id = ? AND deleted_at IS NULL`
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return kiterr.E(opSoftDelete, component, kiterr.KindStorage, err)
	}
	return requireRow(res, opSoftDelete, id)
}

// UserColor returns a user's persisted hue preference.
func (s *DocumentStore) UserColor(ctx context.Context, email string) (uint32, bool, error) {
	if err := s.checkOpen(); err != nil {
		return 0, false, err
	}

	var hue uint32
	query := `SELECT hue FROM user_color WHERE email = ?`
	err := s.db.QueryRowContext(ctx, query, email).Scan(&hue)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, kiterr.E(opUserColor, component, kiterr.KindStorage, err)
	}
	return hue, true, nil
}

// SetUserColor upserts a user's hue preference.
func (s *DocumentStore) SetUserColor(ctx context.Context, email string, hue uint32) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	query := `
    INSERT INTO user_color (email, hue) VALUES (?, ?)
    ON CONFLICT (email) DO UPDATE SET
        hue = excluded.hue,
        updated_at = CURRENT_TIMESTAMP`
	if _, err := s.db.ExecContext(ctx, query, email, hue); err != nil {
		return kiterr.E(opSetUserColor, component, kiterr.KindStorage, err)
	}
	return nil
}

// Close closes the database connection.
func (s *DocumentStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Stats returns database statistics for monitoring
func (s *DocumentStore) Stats() sql.DBStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return sql.DBStats{}
	}
	return s.db.Stats()
}

func requireRow(res sql.Result, op kiterr.Op, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return kiterr.E(op, component, kiterr.KindStorage, err)
	}
	if n == 0 {
		return kiterr.E(op, component, kiterr.KindNotFound,
			fmt.Sprintf("document %q not found", id))
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
