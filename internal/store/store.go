// Package store is the persistence layer for trade records, uploads and
// matching watermarks. Every method takes a context and wraps driver errors
// so callers can tell transient failures from missing rows.
package store

import (
	"context"

	"gorm.io/gorm"
)

// Store wraps a gorm handle. Inside Transaction the handle is the
// transaction itself.
type Store struct {
	db *gorm.DB
}

// New creates a store on top of an open database.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for components that manage their own
// tables, such as the job queue.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn with a store bound to a single database transaction.
// fn must only use the store it is given.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}
