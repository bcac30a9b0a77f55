// Package sloghooks reports querycache hook events through log/slog.
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/querycache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	DiscardEvery uint64
	RetryEvery   uint64
	EvictEvery   uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	discardCtr atomic.Uint64
	retryCtr   atomic.Uint64
	evictCtr   atomic.Uint64
}

var _ querycache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) FetchDiscarded(key, reason string) {
	if h.l == nil || !sample(h.opts.DiscardEvery, &h.discardCtr) {
		return
	}
	h.l.Debug("querycache.fetch_discarded",
		"key", h.redact(key),
		"reason", reason)
}

func (h *Hooks) FetchRetry(key string, attempt int, err error) {
	if h.l == nil || !sample(h.opts.RetryEvery, &h.retryCtr) {
		return
	}
	h.l.Info("querycache.fetch_retry",
		"key", h.redact(key),
		"attempt", attempt,
		"err", err)
}

func (h *Hooks) EntryEvicted(key string) {
	if h.l == nil || !sample(h.opts.EvictEvery, &h.evictCtr) {
		return
	}
	h.l.Debug("querycache.entry_evicted", "key", h.redact(key))
}

func (h *Hooks) ListenerPanic(key string, recovered any) {
	if h.l == nil {
		return
	}
	h.l.Error("querycache.listener_panic",
		"key", h.redact(key),
		"panic", recovered)
}

func (h *Hooks) MutationRolledBack(id string, keys int, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("querycache.mutation_rolled_back",
		"mutation", id,
		"keys", keys,
		"err", err)
}

func (h *Hooks) PersistError(op, key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("querycache.persist_error",
		"op", op,
		"key", h.redact(key),
		"err", err)
}

func (h *Hooks) PersistSelfHeal(key, reason string) {
	if h.l == nil {
		return
	}
	h.l.Debug("querycache.persist_self_heal",
		"key", h.redact(key),
		"reason", reason)
}
