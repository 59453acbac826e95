// Package search maintains the search index for a mailbox.
//
// The index is deliberately separate from the metadata store: the two cannot
// share a transaction. Index additions and removals are therefore queued by
// the store during a metadata transaction and applied only after that
// transaction has committed. An index entry can be shared by multiple items
// (immutable copies); the store resolves reference counts against the
// metadata store before requesting removal.
package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mjl-/bstore"
)

// Entry is one indexed document. Its ID is the index id stored in item
// records; items sharing an index entry store the same id.
type Entry struct {
	ID      int64
	Kind    string    `bstore:"nonzero"`
	Subject string    `bstore:"index"`
	Name    string    // Empty for items without names.
	Digest  string    // Content digest at index time.
	Added   time.Time `bstore:"default now"`
}

// DBTypes are the types stored in the index database.
var DBTypes = []any{Entry{}}

// Index is a searchable catalog of item content and metadata.
type Index struct {
	DB *bstore.DB
}

// Open opens or creates the index database at path.
func Open(path string) (*Index, error) {
	db, err := bstore.Open(context.TODO(), path, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("open index database: %w", err)
	}
	return &Index{DB: db}, nil
}

// Close closes the index database.
func (ix *Index) Close() error {
	return ix.DB.Close()
}

// Add inserts or replaces the entry for e.ID. Replacing is a reindex.
func (ix *Index) Add(e Entry) error {
	return ix.DB.Write(context.TODO(), func(tx *bstore.Tx) error {
		x := Entry{ID: e.ID}
		err := tx.Get(&x)
		if err == nil {
			return tx.Update(&e)
		} else if err != bstore.ErrAbsent {
			return err
		}
		return tx.Insert(&e)
	})
}

// Remove deletes entries by index id. Missing ids are not an error: removal
// requests can be replayed after a crash between commit and apply.
func (ix *Index) Remove(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return ix.DB.Write(context.TODO(), func(tx *bstore.Tx) error {
		for _, id := range ids {
			e := Entry{ID: id}
			if err := tx.Delete(&e); err != nil && err != bstore.ErrAbsent {
				return fmt.Errorf("removing index entry %d: %w", id, err)
			}
		}
		return nil
	})
}

// Search returns entries whose subject or name contains the query,
// case-insensitively, up to limit entries.
func (ix *Index) Search(ctx context.Context, query string, limit int) ([]Entry, error) {
	q := strings.ToLower(query)
	bq := bstore.QueryDB[Entry](ctx, ix.DB)
	bq.FilterFn(func(e Entry) bool {
		if ctx.Err() != nil {
			return false
		}
		return strings.Contains(strings.ToLower(e.Subject), q) || strings.Contains(strings.ToLower(e.Name), q)
	})
	if limit > 0 {
		bq.Limit(limit)
	}
	l, err := bq.List()
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l, nil
}
