/*
Package store owns the primary keyspace: a Robin Hood hash table from
key to typed value entry, per-type operations, lazy and active
expiration, and the running memory-usage counter eviction relies on.

================================================================================
CONCURRENCY MODEL
================================================================================

A single sync.Mutex guards the whole store. Every exported method locks
on entry; composite operations that need to invoke another operation
internally (INCR calling through to a fresh SET, EXPIRE's immediate-
delete path calling through to DEL) do so via unexported, lock-free
"core" helpers rather than re-entering the exported, locking API — Go's
sync.Mutex is not reentrant, and a second Lock() from the same
goroutine deadlocks instead of succeeding.

This is a deliberate departure from the single-threaded event loop the
design was originally built around: one mutex around the entire
keyspace is the simplest correct way to let many goroutines (one per
connection) share it, at the cost of no intra-store parallelism. Given
the workload here is small, CPU-cheap map operations, that tradeoff is
the right one.

================================================================================
EXPIRATION
================================================================================

checkExpiry is the single lazy-expiration choke point: any access that
resolves a key to read or mutate it routes through it, deleting an
expired entry on the spot and bumping LastAccess on a live one.
peekExpiry is its read-only twin, used only by TTL, which must not
influence eviction ordering by being observed. ExpireCycle is the
active counterpart: a bounded random sample, run once per dispatched
command, that sweeps expired keys nobody has touched recently.
*/
package store

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cachekitdb/cachekit/internal/glob"
	"github.com/cachekitdb/cachekit/internal/hashtable"
	"github.com/cachekitdb/cachekit/internal/value"
)

// ErrWrongType is returned when an operation targets a key whose kind
// forbids it (e.g. LPUSH against a String key).
var ErrWrongType = errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")

// ErrNotInteger is returned by INCR/DECR when the existing value is
// neither an Integer entry nor a String parseable as one.
var ErrNotInteger = errors.New("ERR value is not an integer or out of range")

// activeExpireSample is how many keys ExpireCycle samples per call
// from the dispatcher's per-command active expiration hook.
const activeExpireSample = 3

// Store is the exclusive owner of every value.Entry it holds; callers
// only ever see borrowed copies of scalar results or freshly allocated
// slices for collection results (KEYS, HGETALL, LRANGE).
type Store struct {
	mu sync.Mutex

	data       *hashtable.Table[*value.Entry]
	usedMemory int64
	maxMemory  int64
	now        func() int64
	log        *zap.Logger
}

// New creates an empty store. maxMemory of 0 means unlimited (eviction
// never triggers). log may be nil, in which case a no-op logger is
// used.
func New(maxMemory int64, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{maxMemory: maxMemory, now: nowMs, log: log}
	s.data = hashtable.New[*value.Entry](s.destroyEntry)
	return s
}

func nowMs() int64 { return time.Now().UnixMilli() }

func (s *Store) destroyEntry(e *value.Entry) {
	s.trackFree(e.MemUsage)
}

func (s *Store) trackAlloc(n int64) {
	s.usedMemory += n
}

func (s *Store) trackFree(n int64) {
	s.usedMemory -= n
	if s.usedMemory < 0 {
		s.usedMemory = 0
	}
}

// UsedMemory returns the process-wide used-memory counter.
func (s *Store) UsedMemory() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usedMemory
}

// MaxMemory returns the configured memory cap (0 = unlimited).
func (s *Store) MaxMemory() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxMemory
}

// SetMaxMemory changes the configured memory cap.
func (s *Store) SetMaxMemory(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxMemory = n
}

// DBSize returns the number of live keys, without expiry filtering
// (matching the original's ht_count semantics — it does not sweep
// expired-but-not-yet-collected keys).
func (s *Store) DBSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Len()
}

// checkExpiry is the single lazy-expiration choke point: every op that
// resolves a key to read or mutate it routes through here. It deletes
// and reports absent for an expired entry, and otherwise stamps
// LastAccess = now before returning the live entry.
func (s *Store) checkExpiry(key string) (*value.Entry, bool) {
	e, ok := s.data.Get(key)
	if !ok {
		return nil, false
	}
	now := s.now()
	if e.IsExpired(now) {
		s.data.Delete(key)
		return nil, false
	}
	e.LastAccess = now
	return e, true
}

// peekExpiry is identical to checkExpiry except it does not bump
// LastAccess, matching the original store_ttl, which reads the raw
// hash table entry directly rather than going through check_expiry.
func (s *Store) peekExpiry(key string) (*value.Entry, bool) {
	e, ok := s.data.Get(key)
	if !ok {
		return nil, false
	}
	if e.IsExpired(s.now()) {
		s.data.Delete(key)
		return nil, false
	}
	return e, true
}

// Set replaces any existing entry at key with a fresh String entry,
// clearing any expiration.
func (s *Store) Set(key, val string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setString(key, val)
}

func (s *Store) setString(key, val string) {
	now := s.now()
	e := value.NewString(key, val, now)
	s.insert(key, e)
}

// SetInt replaces any existing entry at key with a fresh Integer
// entry.
func (s *Store) SetInt(key string, val int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setInt(key, val)
}

func (s *Store) setInt(key string, val int64) {
	now := s.now()
	e := value.NewInteger(key, val, now)
	s.insert(key, e)
}

func (s *Store) insert(key string, e *value.Entry) {
	s.trackAlloc(e.MemUsage)
	s.data.Set(key, e)
}

// Get returns the string form of a String entry, or the decimal text
// of an Integer entry. ok is false if the key is missing or expired.
// Attempting GET against a Sequence or SubMap returns ErrWrongType.
func (s *Store) Get(key string) (val string, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, found := s.checkExpiry(key)
	if !found {
		return "", false, nil
	}
	switch e.Kind {
	case value.String:
		return e.Str, true, nil
	case value.Integer:
		return strconv.FormatInt(e.Int, 10), true, nil
	default:
		return "", false, ErrWrongType
	}
}

// Del removes key, returning 1 if it was present, else 0.
func (s *Store) Del(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.del(key)
}

func (s *Store) del(key string) int {
	if s.data.Delete(key) {
		return 1
	}
	return 0
}

// Exists reports whether key is present and unexpired.
func (s *Store) Exists(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.checkExpiry(key)
	return ok
}

// Incr adds one to the integer value at key, initializing it to 1 if
// absent. Decr subtracts one, initializing to -1 if absent. Both fail
// with ErrNotInteger against a Sequence/SubMap or an unparseable
// String.
func (s *Store) Incr(key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addDelta(key, 1)
}

func (s *Store) Decr(key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addDelta(key, -1)
}

func (s *Store) addDelta(key string, delta int64) (int64, error) {
	e, found := s.checkExpiry(key)
	if !found {
		s.setInt(key, delta)
		return delta, nil
	}

	var cur int64
	switch e.Kind {
	case value.Integer:
		cur = e.Int
	case value.String:
		v, err := strconv.ParseInt(e.Str, 10, 64)
		if err != nil {
			return 0, ErrNotInteger
		}
		cur = v
	default:
		return 0, ErrNotInteger
	}

	next := cur + delta
	s.setInt(key, next)
	return next, nil
}

// ensureSequence returns the live Sequence entry at key, creating one
// if absent. It returns (nil, false) if key holds a non-Sequence value
// (the write must fail without mutation, per the wrong-type contract).
func (s *Store) ensureSequence(key string) (*value.Entry, bool) {
	if e, found := s.checkExpiry(key); found {
		if e.Kind != value.Sequence {
			return nil, false
		}
		return e, true
	}
	e := value.NewSequence(key, s.now())
	s.insert(key, e)
	return e, true
}

// LPush/RPush create-or-append a Sequence entry, returning its new
// length. length is -1 if key holds a non-Sequence value.
func (s *Store) LPush(key, val string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.ensureSequence(key)
	if !ok {
		return -1
	}
	e.Seq.PushHead(val)
	cost := value.SeqElementCost(val)
	e.MemUsage += cost
	s.trackAlloc(cost)
	return e.Seq.Len()
}

func (s *Store) RPush(key, val string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.ensureSequence(key)
	if !ok {
		return -1
	}
	e.Seq.PushTail(val)
	cost := value.SeqElementCost(val)
	e.MemUsage += cost
	s.trackAlloc(cost)
	return e.Seq.Len()
}

// LPop/RPop remove and return an end element, deleting the entry once
// it empties. ok is false for a missing key, an empty sequence, or a
// non-Sequence value.
func (s *Store) LPop(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.popSeq(key, true)
}

func (s *Store) RPop(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.popSeq(key, false)
}

func (s *Store) popSeq(key string, fromHead bool) (string, bool) {
	e, found := s.checkExpiry(key)
	if !found || e.Kind != value.Sequence {
		return "", false
	}

	var val string
	var ok bool
	if fromHead {
		val, ok = e.Seq.PopHead()
	} else {
		val, ok = e.Seq.PopTail()
	}
	if !ok {
		return "", false
	}

	cost := value.SeqElementCost(val)
	e.MemUsage -= cost
	s.trackFree(cost)

	if e.Seq.Len() == 0 {
		s.data.Delete(key)
	}
	return val, true
}

// LRange returns the inclusive [start, stop] slice of a Sequence entry,
// empty for a missing key or a non-Sequence value.
func (s *Store) LRange(key string, start, stop int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, found := s.checkExpiry(key)
	if !found || e.Kind != value.Sequence {
		return nil
	}
	return e.Seq.Range(start, stop)
}

// LLen returns a Sequence's length, or 0 for a missing key or a
// non-Sequence value.
func (s *Store) LLen(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, found := s.checkExpiry(key)
	if !found || e.Kind != value.Sequence {
		return 0
	}
	return e.Seq.Len()
}

// ensureSubMap returns the live SubMap entry at key, creating one if
// absent. ok is false if key holds a non-SubMap value.
func (s *Store) ensureSubMap(key string) (*value.Entry, bool) {
	if e, found := s.checkExpiry(key); found {
		if e.Kind != value.SubMap {
			return nil, false
		}
		return e, true
	}
	e := value.NewSubMap(key, s.now())
	s.insert(key, e)
	return e, true
}

// HSet creates-or-updates field in key's SubMap, returning 1 if field
// is new and 0 if it replaced an existing value. ok is false (result
// -1) if key holds a non-SubMap value.
func (s *Store) HSet(key, field, val string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.ensureSubMap(key)
	if !ok {
		return -1
	}
	old, _ := e.Map.Get(field)
	isNew := e.Map.Set(field, val)
	if isNew {
		cost := value.MapFieldCost(field, val)
		e.MemUsage += cost
		s.trackAlloc(cost)
		return 1
	}
	delta := int64(len(val) - len(old))
	e.MemUsage += delta
	if delta > 0 {
		s.trackAlloc(delta)
	} else {
		s.trackFree(-delta)
	}
	return 0
}

// HGet returns field's value in key's SubMap. ok is false for a
// missing key, missing field, or non-SubMap value.
func (s *Store) HGet(key, field string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, found := s.checkExpiry(key)
	if !found || e.Kind != value.SubMap {
		return "", false
	}
	return e.Map.Get(field)
}

// HDel removes field from key's SubMap, auto-deleting the entry once
// empty. Returns 1 if field was removed, 0 otherwise (including for a
// non-SubMap value).
func (s *Store) HDel(key, field string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, found := s.checkExpiry(key)
	if !found || e.Kind != value.SubMap {
		return 0
	}
	old, _ := e.Map.Get(field)
	if !e.Map.Delete(field) {
		return 0
	}
	cost := value.MapFieldCost(field, old)
	e.MemUsage -= cost
	s.trackFree(cost)
	if e.Map.Len() == 0 {
		s.data.Delete(key)
	}
	return 1
}

// HGetAll returns the field/value pairs of key's SubMap, empty for a
// missing key or a non-SubMap value.
func (s *Store) HGetAll(key string) (fields, values []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, found := s.checkExpiry(key)
	if !found || e.Kind != value.SubMap {
		return nil, nil
	}
	fields = make([]string, 0, e.Map.Len())
	values = make([]string, 0, e.Map.Len())
	e.Map.Each(func(f, v string) {
		fields = append(fields, f)
		values = append(values, v)
	})
	return fields, values
}

// Expire sets key's absolute deadline to now + seconds*1000, returning
// 1 if key existed and 0 if absent. seconds <= 0 is treated as an
// immediate delete (see SPEC_FULL.md's resolution of the corresponding
// Open Question): the key is removed and 1 is returned if it existed.
func (s *Store) Expire(key string, seconds int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seconds <= 0 {
		return s.del(key)
	}
	e, found := s.checkExpiry(key)
	if !found {
		return 0
	}
	e.ExpireAt = s.now() + seconds*1000
	return 1
}

// TTL returns the remaining seconds until expiry, rounded down; -1 if
// key has no expiry; -2 if key is missing or expired. This does not
// bump LastAccess (see peekExpiry).
func (s *Store) TTL(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, found := s.peekExpiry(key)
	if !found {
		return -2
	}
	if e.ExpireAt == 0 {
		return -1
	}
	remaining := (e.ExpireAt - s.now()) / 1000
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Persist clears key's expiration, returning 1 if cleared and 0 if key
// is absent.
func (s *Store) Persist(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, found := s.checkExpiry(key)
	if !found {
		return 0
	}
	e.ExpireAt = 0
	return 1
}

// SetExpireAt stamps key's absolute millisecond deadline directly,
// bypassing the now-relative arithmetic Expire performs. It exists for
// persistence's load path, which restores deadlines recorded in a
// snapshot verbatim. ok is false if key is absent.
func (s *Store) SetExpireAt(key string, at int64) (ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, found := s.data.Get(key)
	if !found {
		return false
	}
	e.ExpireAt = at
	return true
}

// Keys returns every non-expired key matching the glob pattern.
func (s *Store) Keys(pattern string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []string
	s.data.Each(func(key string, e *value.Entry) {
		if e.IsExpired(now) {
			return
		}
		if glob.Match(pattern, key) {
			out = append(out, key)
		}
	})
	return out
}

// FlushDB destroys every entry.
func (s *Store) FlushDB() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Clear()
	s.usedMemory = 0
}

// ExpireCycle samples up to n random keys and deletes any that have
// expired, returning the number removed. This is the store's active
// expiration primitive; the dispatcher drives it with a small constant
// before every command.
func (s *Store) ExpireCycle(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	expired := 0
	now := s.now()
	for i := 0; i < n; i++ {
		key, ok := s.data.RandomKey()
		if !ok {
			break
		}
		e, ok := s.data.Get(key)
		if ok && e.IsExpired(now) {
			s.data.Delete(key)
			expired++
		}
	}
	return expired
}

// ActiveExpireSample is the constant the dispatcher passes to
// ExpireCycle before each command, per §4.3.
const ActiveExpireSample = activeExpireSample

// --- eviction.Store interface implementation ---

// Len reports the number of live keys, for the eviction package's
// termination check.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Len()
}

// RandomKeyLastAccess samples one random key and reports its
// LastAccess timestamp, for eviction's sampling step.
func (s *Store) RandomKeyLastAccess() (key string, lastAccess int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok = s.data.RandomKey()
	if !ok {
		return "", 0, false
	}
	e, found := s.data.Get(key)
	if !found {
		return "", 0, false
	}
	return key, e.LastAccess, true
}

// EvictKey deletes key outright (bypassing expiry checks — eviction
// targets live keys by definition) and logs the decision.
func (s *Store) EvictKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Delete(key)
	s.log.Debug("evicting key", zap.String("key", key))
}

// Type reports the Kind stored at key, for callers (tests, INFO-style
// diagnostics) that need it without triggering a wrong-type error.
// ok is false if key is missing or expired.
func (s *Store) Type(key string) (value.Kind, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, found := s.checkExpiry(key)
	if !found {
		return 0, false
	}
	return e.Kind, true
}

// SetClock overrides the store's time source; used by tests that need
// deterministic expiration behavior.
func (s *Store) SetClock(fn func() int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = fn
}

// Entries exposes a read-only iteration callback over every live entry
// (including already-expired-but-not-yet-swept ones, matching the
// original's ht_iter semantics), for persistence's save path. fn must
// not call back into the store.
func (s *Store) Entries(fn func(key string, e *value.Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Each(fn)
}
