// Package value defines the tagged-union entry stored per key in the
// keyspace: string, integer, sequence, or sub-map, each owning its
// payload outright, plus the expiration/access/memory bookkeeping the
// store and eviction policy depend on.
package value

import (
	"github.com/cachekitdb/cachekit/internal/hashtable"
	"github.com/cachekitdb/cachekit/internal/seq"
)

// Kind identifies which arm of an Entry's payload is live. An Entry's
// Kind never changes after creation; a type change is a delete plus a
// fresh insert.
type Kind uint8

const (
	String Kind = iota
	Integer
	Sequence
	SubMap
)

func (k Kind) String() string {
	switch k {
	case String:
		return "string"
	case Integer:
		return "integer"
	case Sequence:
		return "sequence"
	case SubMap:
		return "submap"
	default:
		return "unknown"
	}
}

// entryOverhead approximates the fixed bookkeeping cost of an Entry
// (header fields plus the hash table slot it occupies), mirroring the
// original's sizeof(store_entry_t) contribution to mem_usage.
const entryOverhead = 64

// nodeOverhead approximates the per-node cost of a sequence element,
// mirroring sizeof(list_node_t) in the original.
const nodeOverhead = 24

// Entry is one live record in the store's primary hash table.
type Entry struct {
	Kind Kind

	Str string
	Int int64
	Seq *seq.Sequence
	Map *hashtable.Table[string]

	// ExpireAt is an absolute millisecond wall-clock deadline, or 0
	// for "no expiry".
	ExpireAt int64
	// LastAccess is a millisecond timestamp updated on every access
	// that resolves this entry through store.checkExpiry; TTL does not
	// update it.
	LastAccess int64
	// MemUsage is this entry's approximate byte footprint: header +
	// key copy + payload bytes + per-node/field overhead.
	MemUsage int64
}

// NewString creates a String entry, accounting for the key and value
// bytes plus fixed overhead.
func NewString(key, val string, now int64) *Entry {
	return &Entry{
		Kind:       String,
		Str:        val,
		LastAccess: now,
		MemUsage:   int64(entryOverhead + len(key) + len(val)),
	}
}

// NewInteger creates an Integer entry.
func NewInteger(key string, val int64, now int64) *Entry {
	return &Entry{
		Kind:       Integer,
		Int:        val,
		LastAccess: now,
		MemUsage:   int64(entryOverhead + len(key)),
	}
}

// NewSequence creates an empty Sequence entry.
func NewSequence(key string, now int64) *Entry {
	return &Entry{
		Kind:       Sequence,
		Seq:        seq.New(),
		LastAccess: now,
		MemUsage:   int64(entryOverhead + len(key)),
	}
}

// NewSubMap creates an empty SubMap entry.
func NewSubMap(key string, now int64) *Entry {
	return &Entry{
		Kind:       SubMap,
		Map:        hashtable.New[string](nil),
		LastAccess: now,
		MemUsage:   int64(entryOverhead + len(key)),
	}
}

// SeqElementCost is the incremental MemUsage contribution of one
// sequence element, given its value bytes.
func SeqElementCost(val string) int64 {
	return int64(nodeOverhead + len(val))
}

// MapFieldCost is the incremental MemUsage contribution of one sub-map
// field, given its field and value bytes.
func MapFieldCost(field, val string) int64 {
	return int64(len(field) + len(val))
}

// IsExpired reports whether the entry's deadline has passed as of now
// (milliseconds). An entry with ExpireAt == 0 never expires.
func (e *Entry) IsExpired(nowMs int64) bool {
	return e.ExpireAt != 0 && nowMs >= e.ExpireAt
}
