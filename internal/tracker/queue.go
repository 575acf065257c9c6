package tracker

import (
	"context"
	"errors"
	"sync"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
)

// EnrichFunc resolves and persists metadata for one mint.
type EnrichFunc func(ctx context.Context, mint string) error

// TokenQueue is a deduplicating FIFO of mints awaiting metadata resolution.
// A single worker drains it; offering a mint that is already queued or still
// in flight is a no-op.
type TokenQueue struct {
	enrich EnrichFunc

	mu      sync.Mutex
	queue   []string
	pending map[string]bool
	wake    chan struct{}

	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewTokenQueue creates a queue draining into the given enrich function.
func NewTokenQueue(enrich EnrichFunc) *TokenQueue {
	return &TokenQueue{
		enrich:  enrich,
		pending: make(map[string]bool),
		wake:    make(chan struct{}, 1),
	}
}

// Start spawns the worker goroutine.
func (q *TokenQueue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go q.worker(ctx)
}

// Offer enqueues a mint for metadata resolution. Mints that are not valid
// base58 account addresses are rejected; mints already queued or in flight
// are dropped. Returns whether the mint was accepted.
func (q *TokenQueue) Offer(mint string) bool {
	if !validAddress(mint) {
		log.Warn().Str("mint", mint).Msg("rejecting invalid mint")
		return false
	}

	q.mu.Lock()
	if q.pending[mint] {
		q.mu.Unlock()
		return false
	}
	q.pending[mint] = true
	q.queue = append(q.queue, mint)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Len reports the queue depth, not counting the mint currently in flight.
func (q *TokenQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Stop halts the worker and waits for it to finish the mint in flight.
// Safe to call repeatedly.
func (q *TokenQueue) Stop() {
	q.stopOnce.Do(func() {
		if q.cancel != nil {
			q.cancel()
		}
	})
	q.wg.Wait()
}

func (q *TokenQueue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		mint, ok := q.next()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-ctx.Done():
				return
			}
		}

		if err := q.enrich(ctx, mint); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Str("mint", truncateStr(mint, 8)).Msg("token metadata enrichment failed")
		}

		q.mu.Lock()
		delete(q.pending, mint)
		q.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
	}
}

func (q *TokenQueue) next() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) == 0 {
		return "", false
	}
	mint := q.queue[0]
	q.queue = q.queue[1:]
	return mint, true
}

// validAddress reports whether s is a plausible account address, a base58
// encoding of 32 bytes.
func validAddress(s string) bool {
	raw, err := base58.Decode(s)
	return err == nil && len(raw) == 32
}
