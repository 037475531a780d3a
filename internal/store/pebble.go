package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/cockroachdb/pebble"
)

var _ Repository = (*PebbleRepository)(nil)

// PebbleRepository implements Repository on a Pebble key-value store.
//
// Key layout:
//
//	d/<kind>/<id>   record envelope (JSON)
//	s/<kind>/<seq>  id, seq zero padded so keys sort in save order
//	m/seq           last sequence number
type PebbleRepository struct {
	db *pebble.DB

	mu  sync.Mutex
	seq uint64
}

type pebbleEnvelope struct {
	Seq   uint64            `json:"seq"`
	Attrs map[string]string `json:"attrs,omitempty"`
	Data  json.RawMessage   `json:"data"`
}

var seqKey = []byte("m/seq")

// NewPebbleRepository opens a Pebble database at dbPath.
func NewPebbleRepository(dbPath string) (*PebbleRepository, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(16 << 20),
		MemTableSize: 8 << 20,
		MaxOpenFiles: 256,
	}
	defer opts.Cache.Unref()
	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}
	r := &PebbleRepository{db: db}
	raw, closer, err := db.Get(seqKey)
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		db.Close()
		return nil, err
	default:
		r.seq, err = strconv.ParseUint(string(raw), 10, 64)
		closer.Close()
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("pebble repository sequence: %w", err)
		}
	}
	return r, nil
}

// Close closes the database.
func (r *PebbleRepository) Close() error {
	return r.db.Close()
}

// Save writes the envelope, its sequence index and the counter atomically.
func (r *PebbleRepository) Save(_ context.Context, rec Record) error {
	if !json.Valid(rec.Data) {
		return fmt.Errorf("save %s %s: body is not JSON", rec.Kind, rec.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	env, err := r.envelope(rec.Kind, rec.ID)
	fresh := errors.Is(err, ErrNotFound)
	if err != nil && !fresh {
		return err
	}
	if fresh {
		r.seq++
		env.Seq = r.seq
	}
	env.Attrs = rec.Attrs
	env.Data = rec.Data
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	batch := r.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(dataKey(rec.Kind, rec.ID), data, nil); err != nil {
		return err
	}
	if fresh {
		if err := batch.Set(indexKey(rec.Kind, env.Seq), []byte(rec.ID), nil); err != nil {
			return err
		}
		if err := batch.Set(seqKey, []byte(strconv.FormatUint(r.seq, 10)), nil); err != nil {
			return err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		if fresh {
			r.seq--
		}
		return fmt.Errorf("save %s %s: %w", rec.Kind, rec.ID, err)
	}
	return nil
}

// Load reads one record.
func (r *PebbleRepository) Load(_ context.Context, kind, id string) (Record, error) {
	env, err := r.envelope(kind, id)
	if err != nil {
		return Record{}, err
	}
	return Record{Kind: kind, ID: id, Attrs: env.Attrs, Data: env.Data}, nil
}

// Search walks the sequence index of kind and filters by attribute.
func (r *PebbleRepository) Search(ctx context.Context, kind string, q Query) ([]Record, error) {
	prefix := []byte("s/" + kind + "/")
	iter, err := r.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Record
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := string(iter.Value())
		env, err := r.envelope(kind, id)
		if err != nil {
			return nil, err
		}
		if q.Match(env.Attrs) {
			out = append(out, Record{Kind: kind, ID: id, Attrs: env.Attrs, Data: env.Data})
		}
	}
	return out, iter.Error()
}

func (r *PebbleRepository) envelope(kind, id string) (pebbleEnvelope, error) {
	raw, closer, err := r.db.Get(dataKey(kind, id))
	if errors.Is(err, pebble.ErrNotFound) {
		return pebbleEnvelope{}, ErrNotFound
	}
	if err != nil {
		return pebbleEnvelope{}, err
	}
	defer closer.Close()
	var env pebbleEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return pebbleEnvelope{}, fmt.Errorf("load %s %s: %w", kind, id, err)
	}
	return env, nil
}

func dataKey(kind, id string) []byte {
	return []byte("d/" + kind + "/" + id)
}

func indexKey(kind string, seq uint64) []byte {
	return fmt.Appendf(nil, "s/%s/%020d", kind, seq)
}

// keyUpperBound returns the smallest key greater than every key with prefix.
func keyUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
