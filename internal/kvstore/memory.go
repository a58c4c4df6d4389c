package kvstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory, single-process Store. It backs the test
// suite and the default single-node deployment where a Postgres instance
// is not configured. Keys are kept in a sorted slice alongside the map so
// GetNextKey and prefix scans run in O(log n) instead of a full sort per
// call.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
	keys   []string // sorted
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

func (s *MemoryStore) indexOf(k string) (int, bool) {
	i := sort.SearchStrings(s.keys, k)
	if i < len(s.keys) && s.keys[i] == k {
		return i, true
	}
	return i, false
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	cp := append([]byte(nil), v...)
	return cp, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.values[key]; !exists {
		i, _ := s.indexOf(key)
		s.keys = append(s.keys, "")
		copy(s.keys[i+1:], s.keys[i:])
		s.keys[i] = key
	}
	s.values[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.values[key]; !exists {
		return nil
	}
	delete(s.values, key)
	if i, ok := s.indexOf(key); ok {
		s.keys = append(s.keys[:i], s.keys[i+1:]...)
	}
	return nil
}

func (s *MemoryStore) GetNextKey(_ context.Context, k string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := sort.SearchStrings(s.keys, k)
	if i < len(s.keys) && s.keys[i] == k {
		i++
	}
	if i >= len(s.keys) {
		return "", false, nil
	}
	return s.keys[i], true, nil
}

func (s *MemoryStore) ExecuteQuery(_ context.Context, q Scan) ([]Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lower := q.Prefix
	if q.Start != "" {
		lower = q.Start
	}
	i := sort.SearchStrings(s.keys, lower)
	if q.Start != "" && i < len(s.keys) && s.keys[i] == q.Start {
		i++ // Start is exclusive
	}

	var out []Row
	for ; i < len(s.keys); i++ {
		key := s.keys[i]
		if !strings.HasPrefix(key, q.Prefix) {
			break
		}
		out = append(out, Row{Key: key, Value: append([]byte(nil), s.values[key]...)})
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }
func (s *MemoryStore) Close() error                 { return nil }

// BeginCrank snapshots the store into a scratch overlay. Writes made
// through the returned Txn are invisible to other readers until Commit
// folds them back into the parent map; Rollback discards them. This gives
// the single-crank-at-a-time kernel loop the "atomic unit of work" the
// spec requires without needing a real MVCC engine in-process.
func (s *MemoryStore) BeginCrank(_ context.Context) (Txn, error) {
	return &memoryTxn{parent: s, writes: make(map[string][]byte), deletes: make(map[string]bool)}, nil
}

type memoryTxn struct {
	parent  *MemoryStore
	writes  map[string][]byte
	deletes map[string]bool
	done    bool
}

func (t *memoryTxn) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if t.deletes[key] {
		return nil, false, nil
	}
	if v, ok := t.writes[key]; ok {
		return append([]byte(nil), v...), true, nil
	}
	return t.parent.Get(ctx, key)
}

func (t *memoryTxn) Set(_ context.Context, key string, value []byte) error {
	delete(t.deletes, key)
	t.writes[key] = append([]byte(nil), value...)
	return nil
}

func (t *memoryTxn) Delete(_ context.Context, key string) error {
	delete(t.writes, key)
	t.deletes[key] = true
	return nil
}

// GetNextKey merges the parent's ordering with this transaction's
// pending writes/deletes. Not used on the hot crank path (only GC and
// queue-compaction code walk ranges), so a linear merge is acceptable.
func (t *memoryTxn) GetNextKey(ctx context.Context, k string) (string, bool, error) {
	candidates := map[string]bool{}
	from := k
	for {
		next, ok, err := t.parent.GetNextKey(ctx, from)
		if err != nil {
			return "", false, err
		}
		if !ok {
			break
		}
		if !t.deletes[next] {
			candidates[next] = true
			break
		}
		from = next
	}
	for key := range t.writes {
		if key > k {
			candidates[key] = true
		}
	}
	best := ""
	found := false
	for key := range candidates {
		if t.deletes[key] {
			continue
		}
		if !found || key < best {
			best, found = key, true
		}
	}
	return best, found, nil
}

func (t *memoryTxn) ExecuteQuery(ctx context.Context, q Scan) ([]Row, error) {
	pq := q
	pq.Limit = 0
	base, err := t.parent.ExecuteQuery(ctx, pq)
	if err != nil {
		return nil, err
	}
	merged := map[string][]byte{}
	for _, r := range base {
		merged[r.Key] = r.Value
	}
	for k, v := range t.writes {
		if strings.HasPrefix(k, q.Prefix) && (q.Start == "" || k > q.Start) {
			merged[k] = v
		}
	}
	for k := range t.deletes {
		delete(merged, k)
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Row, 0, len(keys))
	for _, k := range keys {
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
		out = append(out, Row{Key: k, Value: merged[k]})
	}
	return out, nil
}

func (t *memoryTxn) Commit(_ context.Context) error {
	if t.done {
		return fmt.Errorf("kvstore: transaction already closed")
	}
	t.done = true
	t.parent.mu.Lock()
	defer t.parent.mu.Unlock()
	for k := range t.deletes {
		if _, exists := t.parent.values[k]; exists {
			delete(t.parent.values, k)
			if i, ok := t.parent.indexOf(k); ok {
				t.parent.keys = append(t.parent.keys[:i], t.parent.keys[i+1:]...)
			}
		}
	}
	for k, v := range t.writes {
		if _, exists := t.parent.values[k]; !exists {
			i, _ := t.parent.indexOf(k)
			t.parent.keys = append(t.parent.keys, "")
			copy(t.parent.keys[i+1:], t.parent.keys[i:])
			t.parent.keys[i] = k
		}
		t.parent.values[k] = v
	}
	return nil
}

func (t *memoryTxn) Rollback(_ context.Context) error {
	t.done = true
	return nil
}
