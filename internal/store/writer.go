package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"trader/internal/domain"
)

// DefaultWriterBuffer is the queue length of a Writer.
const DefaultWriterBuffer = 4096

// Writer saves records on its own goroutine so event workers never wait on
// I/O. Failures are logged as persistence errors and the record is dropped.
type Writer struct {
	repo   Repository
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan writeReq
	done   chan struct{}
}

type writeReq struct {
	rec   Record
	flush chan struct{}
}

// NewWriter starts a writer in front of repo.
func NewWriter(repo Repository, buffer int, logger *zap.Logger) *Writer {
	if buffer <= 0 {
		buffer = DefaultWriterBuffer
	}
	w := &Writer{
		repo:   repo,
		logger: logger,
		queue:  make(chan writeReq, buffer),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

// Put encodes v immediately and queues it. It never blocks: when the queue
// is full the record is dropped and logged.
func (w *Writer) Put(kind, id string, attrs map[string]string, v any) {
	rec, err := NewRecord(kind, id, attrs, v)
	if err != nil {
		w.fail(kind, id, err)
		return
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.fail(kind, id, errors.New("writer closed"))
		return
	}
	select {
	case w.queue <- writeReq{rec: rec}:
	default:
		w.fail(kind, id, errors.New("write queue full"))
	}
}

// Flush waits until every record queued before the call is saved.
func (w *Writer) Flush(ctx context.Context) error {
	flush := make(chan struct{})
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return nil
	}
	select {
	case w.queue <- writeReq{flush: flush}:
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}
	w.mu.RUnlock()
	select {
	case <-flush:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and stops the writer. The repository stays open.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()
	<-w.done
}

func (w *Writer) run() {
	defer close(w.done)
	for req := range w.queue {
		if req.flush != nil {
			close(req.flush)
			continue
		}
		if err := w.repo.Save(context.Background(), req.rec); err != nil {
			w.fail(req.rec.Kind, req.rec.ID, err)
		}
	}
}

func (w *Writer) fail(kind, id string, err error) {
	err = fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	w.logger.Error("persist record",
		zap.String("type", kind),
		zap.String("id", id),
		zap.String("kind", domain.ErrorKind(err)),
		zap.Error(err))
}

// Direct saves records synchronously. The simulator uses it: its single
// thread has no I/O to hide.
type Direct struct {
	Repo   Repository
	Logger *zap.Logger
}

// Put encodes and saves v, logging failures.
func (d Direct) Put(kind, id string, attrs map[string]string, v any) {
	rec, err := NewRecord(kind, id, attrs, v)
	if err == nil {
		err = d.Repo.Save(context.Background(), rec)
	}
	if err != nil {
		err = fmt.Errorf("%w: %v", domain.ErrPersistence, err)
		d.Logger.Error("persist record",
			zap.String("type", kind),
			zap.String("id", id),
			zap.String("kind", domain.ErrorKind(err)),
			zap.Error(err))
	}
}

// LoadOrders returns the orders of an account saved for a trading day, in
// creation order.
func LoadOrders(ctx context.Context, repo Repository, accountID, tradingDay string) ([]*domain.Order, error) {
	recs, err := repo.Search(ctx, KindOrder, Where("accountId", accountID).And("tradingDay", tradingDay))
	if err != nil {
		return nil, fmt.Errorf("%w: load orders: %v", domain.ErrPersistence, err)
	}
	out := make([]*domain.Order, 0, len(recs))
	for _, rec := range recs {
		var o domain.Order
		if err := rec.Decode(&o); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
		}
		out = append(out, &o)
	}
	return out, nil
}
