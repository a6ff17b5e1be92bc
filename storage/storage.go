// Package storage defines the persistence contract for pad documents and
// user color preferences. Implementations live in the sqlite and
// postgres subpackages.
package storage

import (
	"context"
	"time"
)

// Document is the persisted state of a pad: the text snapshot and the
// last-set language. Operation history is deliberately not persisted; a
// document loaded from storage starts a fresh history at revision zero.
type Document struct {
	Text     string
	Language string
}

// Meta is the management view of a document row.
type Meta struct {
	ID        string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Store persists documents and per-user color preferences.
//
// Missing rows are reported with errors.KindNotFound. Soft-deleted
// documents are invisible to every method except GetMeta.
type Store interface {
	// LoadDocument returns the persisted snapshot of a document.
	LoadDocument(ctx context.Context, id string) (Document, error)

	// StoreDocument upserts a document snapshot.
	StoreDocument(ctx context.Context, id string, doc Document) error

	// CountDocuments returns the number of live documents.
	CountDocuments(ctx context.Context) (int, error)

	// ListDocuments returns metadata for every live document, most
	// recently updated first.
	ListDocuments(ctx context.Context) ([]Meta, error)

	// CreateDocument inserts an empty named document. An existing id is
	// an error; callers retry with a different id.
	CreateDocument(ctx context.Context, id, name string) (Meta, error)

	// GetMeta returns a document's metadata, soft-deleted included.
	GetMeta(ctx context.Context, id string) (Meta, error)

	// RenameDocument updates a live document's display name.
	RenameDocument(ctx context.Context, id, name string) error

	// SoftDeleteDocument marks a document deleted without dropping the
	// row, so the id stays reserved and the text recoverable.
	SoftDeleteDocument(ctx context.Context, id string) error

	// UserColor returns a user's persisted hue preference, reporting
	// whether one exists.
	UserColor(ctx context.Context, email string) (uint32, bool, error)

	// SetUserColor upserts a user's hue preference.
	SetUserColor(ctx context.Context, email string, hue uint32) error

	Close() error
}
