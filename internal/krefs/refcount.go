package krefs

import (
	"context"

	"github.com/ocap-kernel/kernel/internal/kvstore"
)

// GCCandidate is an object whose refcounts dropped to a state the reaper
// must act on between cranks. Record is the object record as read by the
// scan that produced the candidate; the reaper in internal/gc decides
// which step of the five-step algorithm applies from that record's
// Reachable/Recognizable pair.
type GCCandidate struct {
	Kref   Kref
	Record ObjectRecord
}

// ScanDroppable returns every object record owned by an exported vat
// whose Reachable count is zero but which has not yet had a dropExports
// issued since the last export (Reachable reaching zero is the trigger
// for dropExports).
func (t *Table) ScanDroppable(ctx context.Context) ([]GCCandidate, error) {
	return t.scanObjects(ctx, func(r ObjectRecord) bool {
		return !r.Terminal && r.Reachable == 0 && !r.DroppedOnce
	})
}

// ScanRetirable returns every object record whose Recognizable count has
// also reached zero: nothing in the kernel can even name the object
// anymore, so retireExports must follow.
func (t *Table) ScanRetirable(ctx context.Context) ([]GCCandidate, error) {
	return t.scanObjects(ctx, func(r ObjectRecord) bool {
		return !r.Terminal && r.Reachable == 0 && r.Recognizable == 0
	})
}

// ScanOwnedByTerminalVat returns every object record whose owning vat has
// been marked terminal, so the reaper can retire them unconditionally
// without waiting for refcounts to drain.
func (t *Table) ScanOwnedByTerminalVat(ctx context.Context) ([]GCCandidate, error) {
	return t.scanObjects(ctx, func(r ObjectRecord) bool {
		return r.Terminal
	})
}

func (t *Table) scanObjects(ctx context.Context, match func(ObjectRecord) bool) ([]GCCandidate, error) {
	rows, err := t.store.ExecuteQuery(ctx, kvstore.Scan{Prefix: "ko"})
	if err != nil {
		return nil, err
	}
	var out []GCCandidate
	for _, row := range rows {
		rec := ObjectRecord{}
		if err := rec.UnmarshalBinary(row.Value); err != nil {
			continue
		}
		if !match(rec) {
			continue
		}
		k, err := ParseKref(row.Key[:len(row.Key)-len(".rec")])
		if err != nil {
			continue
		}
		out = append(out, GCCandidate{Kref: k, Record: rec})
	}
	return out, nil
}
