package store

// Journal operation types.
const (
	OpPut    = "put"
	OpDelete = "delete"
)

// Record is one journal entry. The store's resourceVersion counter doubles
// as the record id, so the journal is totally ordered and replaying it in
// id order rebuilds the exact store state.
type Record struct {
	ResourceVersion uint64
	Op              string
	APIVersion      string
	Kind            string
	Namespace       string
	Name            string
	Object          []byte // JSON-encoded object, empty for deletes
}

// Backend is a durable, append-only journal behind the store. Append is
// called with the store lock held and must be atomic across the whole
// batch: a multi-object store transaction either survives a restart in
// full or not at all, never as a prefix.
type Backend interface {
	// Append persists the records as one unit. On error none of the
	// records may have been made durable.
	Append(recs ...Record) error

	// Replay invokes fn for every persisted record in id order.
	Replay(fn func(rec Record) error) error

	// Close releases the backend.
	Close() error
}
