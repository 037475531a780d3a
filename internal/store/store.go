// Package store persists the engine's business objects and market data.
//
// A Repository keeps JSON encoded objects keyed by kind and id together with
// a flat attribute map that Search can filter on. Market data lives in plain
// files: CSV for interchange and Parquet for compact archives.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
)

// Kinds of business objects kept in a Repository.
const (
	KindOrder       = "Order"
	KindPlaybook    = "Playbook"
	KindTransaction = "Transaction"
)

// ErrNotFound is returned by Load for an unknown kind and id.
var ErrNotFound = errors.New("store: record not found")

// Record is one stored business object.
type Record struct {
	Kind  string
	ID    string
	Attrs map[string]string
	Data  []byte
}

// NewRecord encodes v as the record body.
func NewRecord(kind, id string, attrs map[string]string, v any) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Record{}, fmt.Errorf("encode %s %s: %w", kind, id, err)
	}
	return Record{Kind: kind, ID: id, Attrs: maps.Clone(attrs), Data: data}, nil
}

// Decode unmarshals the record body into v.
func (r Record) Decode(v any) error {
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("decode %s %s: %w", r.Kind, r.ID, err)
	}
	return nil
}

func (r Record) clone() Record {
	r.Attrs = maps.Clone(r.Attrs)
	r.Data = append([]byte(nil), r.Data...)
	return r
}

// Repository stores records by kind and id. Save replaces an existing record
// but keeps its original position in Search order.
type Repository interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context, kind, id string) (Record, error)
	// Search returns the records of kind whose attributes satisfy q, in the
	// order they were first saved.
	Search(ctx context.Context, kind string, q Query) ([]Record, error)
	Close() error
}

// Open creates the repository backend named by backend. File backends keep
// their data under path.
func Open(backend, path string) (Repository, error) {
	switch backend {
	case "memory":
		return NewMemoryRepository(), nil
	case "sqlite":
		return NewSQLiteRepository(filepath.Join(path, "repository.db"))
	case "pebble":
		return NewPebbleRepository(filepath.Join(path, "repository.pebble"))
	}
	return nil, fmt.Errorf("store: unknown repository backend %q", backend)
}

// SearchExpr parses expr and runs the search.
func SearchExpr(ctx context.Context, repo Repository, kind, expr string) ([]Record, error) {
	q, err := ParseQuery(expr)
	if err != nil {
		return nil, err
	}
	return repo.Search(ctx, kind, q)
}
