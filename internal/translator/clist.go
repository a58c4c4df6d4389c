package translator

import (
	"context"
	"fmt"
	"strings"

	"github.com/ocap-kernel/kernel/internal/krefs"
	"github.com/ocap-kernel/kernel/internal/kvstore"
)

// CList is one vat's bidirectional kref↔vref table, persisted under
// clist.<vatId>.* keys. Every kref appearing in a queued delivery or
// resolution payload for a vat is present in that vat's c-list by the
// time the payload is handed to the worker — the kernel inserts entries
// on demand, never lazily at read time, so a missing entry is always a
// protocol violation rather than an expected miss.
type CList struct {
	store kvstore.Executor
	vatID string
}

func NewCList(store kvstore.Executor, vatID string) *CList {
	return &CList{store: store, vatID: vatID}
}

func (c *CList) k2vKey(k krefs.Kref) string { return fmt.Sprintf("clist.%s.k2v.%s", c.vatID, k) }
func (c *CList) v2kKey(v Vref) string       { return fmt.Sprintf("clist.%s.v2k.%s", c.vatID, v) }
func (c *CList) nextImportKey() string      { return fmt.Sprintf("clist.%s.nextImport", c.vatID) }

// LookupKref returns the kref a vref maps to within this vat's c-list.
func (c *CList) LookupKref(ctx context.Context, v Vref) (krefs.Kref, bool, error) {
	b, ok, err := c.store.Get(ctx, c.v2kKey(v))
	if err != nil || !ok {
		return krefs.Kref{}, ok, err
	}
	k, err := krefs.ParseKref(string(b))
	return k, err == nil, err
}

// LookupVref returns the vref a kref maps to within this vat's c-list.
func (c *CList) LookupVref(ctx context.Context, k krefs.Kref) (Vref, bool, error) {
	b, ok, err := c.store.Get(ctx, c.k2vKey(k))
	if err != nil || !ok {
		return Vref{}, ok, err
	}
	v, err := ParseVref(string(b))
	return v, err == nil, err
}

// Insert records a kref↔vref pair in both directions.
func (c *CList) Insert(ctx context.Context, k krefs.Kref, v Vref) error {
	if err := c.store.Set(ctx, c.k2vKey(k), []byte(v.String())); err != nil {
		return err
	}
	return c.store.Set(ctx, c.v2kKey(v), []byte(k.String()))
}

// Remove deletes a kref↔vref pair in both directions, used when an
// object's recognizable count drops to zero (retireImports/retireExports).
func (c *CList) Remove(ctx context.Context, k krefs.Kref, v Vref) error {
	if err := c.store.Delete(ctx, c.k2vKey(k)); err != nil {
		return err
	}
	return c.store.Delete(ctx, c.v2kKey(v))
}

// AllocateImportVref returns the next negative-numbered vref for kind
// and persists the updated counter.
func (c *CList) AllocateImportVref(ctx context.Context, kind VKind) (Vref, error) {
	key := c.nextImportKey()
	b, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return Vref{}, err
	}
	var n uint64
	if ok {
		fmt.Sscanf(string(b), "%d", &n)
	}
	v := Vref{Kind: kind, Export: false, Number: n}
	if err := c.store.Set(ctx, key, []byte(fmt.Sprintf("%d", n+1))); err != nil {
		return Vref{}, err
	}
	return v, nil
}

// Destroy removes every c-list entry belonging to this vat, used on vat
// termination.
func (c *CList) Destroy(ctx context.Context) error {
	prefix := fmt.Sprintf("clist.%s.", c.vatID)
	for {
		rows, err := c.store.ExecuteQuery(ctx, kvstore.Scan{Prefix: prefix, Limit: 256})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		for _, row := range rows {
			if err := c.store.Delete(ctx, row.Key); err != nil {
				return err
			}
		}
	}
}

// Entries returns every live kref held in this vat's c-list, used by the
// GC reaper's reachability recompute and by terminate(id)'s "issue
// retireExports for all live exports" step.
func (c *CList) Entries(ctx context.Context) ([]krefs.Kref, error) {
	prefix := fmt.Sprintf("clist.%s.k2v.", c.vatID)
	rows, err := c.store.ExecuteQuery(ctx, kvstore.Scan{Prefix: prefix})
	if err != nil {
		return nil, err
	}
	out := make([]krefs.Kref, 0, len(rows))
	for _, row := range rows {
		kStr := strings.TrimPrefix(row.Key, prefix)
		k, err := krefs.ParseKref(kStr)
		if err != nil {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}
