package chat

import (
	"context"
	"sync"
	"time"

	"github.com/petervdpas/parley/internal/proto"
	"github.com/petervdpas/parley/internal/util"
)

// HistorySource loads the authoritative conversation for target.
type HistorySource interface {
	FetchConversation(ctx context.Context, target proto.Target) ([]proto.MessagePayload, error)
}

// Refresher is the default Refetcher: it reloads invalidated conversations
// from a HistorySource into the Manager. Invalidations of a target that is
// already loading are coalesced into one follow-up fetch.
type Refresher struct {
	src     HistorySource
	mgr     *Manager
	ctx     context.Context
	timeout time.Duration

	mu       sync.Mutex
	inflight map[string]bool
	dirty    map[string]bool
	wg       sync.WaitGroup
}

// NewRefresher binds src to mgr and registers itself as mgr's Refetcher.
// ctx bounds all fetches.
func NewRefresher(ctx context.Context, src HistorySource, mgr *Manager) *Refresher {
	r := &Refresher{
		src:      src,
		mgr:      mgr,
		ctx:      ctx,
		timeout:  util.DefaultFetchTimeout,
		inflight: make(map[string]bool),
		dirty:    make(map[string]bool),
	}
	mgr.SetRefetcher(r)
	return r
}

// Invalidate schedules a reload of target.
func (r *Refresher) Invalidate(target proto.Target) {
	key := target.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[key] {
		r.dirty[key] = true
		return
	}
	r.inflight[key] = true
	r.wg.Add(1)
	go r.run(target)
}

func (r *Refresher) run(target proto.Target) {
	defer r.wg.Done()
	key := target.Key()
	for {
		r.load(target)

		r.mu.Lock()
		if r.dirty[key] && r.ctx.Err() == nil {
			delete(r.dirty, key)
			r.mu.Unlock()
			continue
		}
		delete(r.dirty, key)
		delete(r.inflight, key)
		r.mu.Unlock()
		return
	}
}

func (r *Refresher) load(target proto.Target) {
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()
	payloads, err := r.src.FetchConversation(ctx, target)
	if err != nil {
		log.Warnf("CHAT: refetch %s failed: %v", target, err)
		return
	}
	msgs := make([]Message, 0, len(payloads))
	for _, p := range payloads {
		msgs = append(msgs, FromPayload(p))
	}
	r.mgr.Replace(target, msgs)
	log.Debugf("CHAT: refetched %s (%d messages)", target, len(msgs))
}

// Wait blocks until all scheduled reloads have finished.
func (r *Refresher) Wait() { r.wg.Wait() }
