// Package promhooks counts querycache hook events as Prometheus metrics.
//
//	h, err := promhooks.New(prometheus.DefaultRegisterer, "events")
//	client, _ := querycache.New[Event](querycache.Options[Event]{Hooks: h})
package promhooks

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/unkn0wn-root/querycache"
)

// Hooks implements querycache.Hooks with counters labelled by cache name.
// Keys never become label values.
type Hooks struct {
	discarded  *prometheus.CounterVec
	retries    prometheus.Counter
	evicted    prometheus.Counter
	panics     prometheus.Counter
	rollbacks  prometheus.Counter
	rolledKeys prometheus.Counter
	persistErr *prometheus.CounterVec
	heals      *prometheus.CounterVec
}

var _ querycache.Hooks = (*Hooks)(nil)

// New registers the collectors on reg. cache becomes a constant label so
// several clients can share one registry.
func New(reg prometheus.Registerer, cache string) (*Hooks, error) {
	labels := prometheus.Labels{"cache": cache}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "querycache", Name: name, Help: help, ConstLabels: labels,
		})
	}
	vec := func(name, help, label string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "querycache", Name: name, Help: help, ConstLabels: labels,
		}, []string{label})
	}

	h := &Hooks{
		discarded:  vec("fetch_discarded_total", "Fetch results dropped, by reason.", "reason"),
		retries:    counter("fetch_retries_total", "Failed fetch attempts that were retried."),
		evicted:    counter("entries_evicted_total", "Unobserved entries collected."),
		panics:     counter("listener_panics_total", "Listener panics recovered."),
		rollbacks:  counter("mutation_rollbacks_total", "Failed mutations that restored optimistic writes."),
		rolledKeys: counter("mutation_rolled_back_keys_total", "Entries restored by mutation rollbacks."),
		persistErr: vec("persist_errors_total", "Persistence tier failures, by operation.", "op"),
		heals:      vec("persist_self_heals_total", "Persisted records dropped on read, by reason.", "reason"),
	}
	for _, c := range []prometheus.Collector{
		h.discarded, h.retries, h.evicted, h.panics,
		h.rollbacks, h.rolledKeys, h.persistErr, h.heals,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *Hooks) FetchDiscarded(_, reason string)    { h.discarded.WithLabelValues(reason).Inc() }
func (h *Hooks) FetchRetry(string, int, error)      { h.retries.Inc() }
func (h *Hooks) EntryEvicted(string)                { h.evicted.Inc() }
func (h *Hooks) ListenerPanic(string, any)          { h.panics.Inc() }
func (h *Hooks) PersistError(op, _ string, _ error) { h.persistErr.WithLabelValues(op).Inc() }
func (h *Hooks) PersistSelfHeal(_, reason string)   { h.heals.WithLabelValues(reason).Inc() }

func (h *Hooks) MutationRolledBack(_ string, keys int, _ error) {
	h.rollbacks.Inc()
	h.rolledKeys.Add(float64(keys))
}
