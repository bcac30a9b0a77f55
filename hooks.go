package querycache

// Hooks are callbacks for high-signal events. Keys are canonical tokens.
// Implementations MUST be cheap and non-blocking; wrap slow sinks with
// hooks/async.
type Hooks interface {
	// A fetch result was dropped. reason ∈ {"superseded", "cancelled"}.
	FetchDiscarded(key, reason string)
	// A failed attempt is about to be retried.
	FetchRetry(key string, attempt int, err error)
	// An unobserved entry was garbage collected.
	EntryEvicted(key string)
	// A listener panicked; the others were still notified.
	ListenerPanic(key string, recovered any)
	// A failed mutation restored the pre-mutation state of keys entries.
	MutationRolledBack(id string, keys int, err error)
	// The persistence tier failed. op ∈ {"generation", "load", "save", "invalidate", "remove"}.
	PersistError(op, key string, err error)
	// A persisted record was dropped on read.
	// reason ∈ {"corrupt", "gen_mismatch", "value_decode"}
	PersistSelfHeal(key, reason string)
}

// NopHooks is the default no-op.
type NopHooks struct{}

func (NopHooks) FetchDiscarded(string, string)         {}
func (NopHooks) FetchRetry(string, int, error)         {}
func (NopHooks) EntryEvicted(string)                   {}
func (NopHooks) ListenerPanic(string, any)             {}
func (NopHooks) MutationRolledBack(string, int, error) {}
func (NopHooks) PersistError(string, string, error)    {}
func (NopHooks) PersistSelfHeal(string, string)        {}
