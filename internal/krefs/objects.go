package krefs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ocap-kernel/kernel/internal/kvstore"
)

// ObjectRecord is the per-ko bookkeeping: an
// owning vat, strong (reachable) and weak (recognizable) import counts,
// and a terminal flag once the owning vat is gone.
//
// Invariant: Recognizable >= Reachable >= 0 (enforced by every mutator in
// this file; callers never write the fields directly).
type ObjectRecord struct {
	Owner         string `json:"owner"`
	Reachable     int    `json:"reachable"`
	Recognizable  int    `json:"recognizable"`
	Terminal      bool   `json:"terminal"`
	DroppedOnce   bool   `json:"dropped_once"`   // dropExports issued at least once since last export (invariant 5)
	RetiredNotify bool   `json:"retired_notify"` // retireExports already enqueued, record pending removal
}

func (r *ObjectRecord) MarshalBinary() ([]byte, error)  { return json.Marshal(r) }
func (r *ObjectRecord) UnmarshalBinary(b []byte) error { return json.Unmarshal(b, r) }

func objectKey(k Kref) string { return fmt.Sprintf("%s.rec", k) }

// Table owns the object table, the promise table, and the refcount shadow
// the GC reaper scans. It is the single writer of kref records; the
// translator (c-lists) and the promise resolver both call through it so
// that invariant checks live in exactly one place.
type Table struct {
	store kvstore.Executor
}

func NewTable(store kvstore.Executor) *Table {
	return &Table{store: store}
}

// AllocateObject assigns the next object kref and persists a fresh record
// owned by vatId with zero reachable/recognizable counts (the caller —
// the translator, in response to a vat's first export of a vref — bumps
// counts as imports are created).
func (t *Table) AllocateObject(ctx context.Context, vatID string) (Kref, error) {
	n, err := nextID(ctx, t.store, "ko")
	if err != nil {
		return Kref{}, err
	}
	kref := Kref{Kind: KindObject, N: n}
	rec := &ObjectRecord{Owner: vatID}
	if err := t.putObject(ctx, kref, rec); err != nil {
		return Kref{}, err
	}
	return kref, nil
}

func (t *Table) putObject(ctx context.Context, k Kref, r *ObjectRecord) error {
	b, err := r.MarshalBinary()
	if err != nil {
		return err
	}
	return t.store.Set(ctx, objectKey(k), b)
}

// GetObject returns the live record for k, or ok=false if it has been
// fully retired (or never existed).
func (t *Table) GetObject(ctx context.Context, k Kref) (*ObjectRecord, bool, error) {
	b, ok, err := t.store.Get(ctx, objectKey(k))
	if err != nil || !ok {
		return nil, ok, err
	}
	rec := &ObjectRecord{}
	if err := rec.UnmarshalBinary(b); err != nil {
		return nil, false, fmt.Errorf("krefs: decode object record %s: %w", k, err)
	}
	return rec, true, nil
}

// IncReachable bumps the strong-import count for k (importToVat
// increments reachable of the object record unless the import is a
// forbidden re-import of a dropped kref — that check lives in translator
// and never reaches here).
func (t *Table) IncReachable(ctx context.Context, k Kref) error {
	rec, ok, err := t.GetObject(ctx, k)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("krefs: increment reachable on retired object %s", k)
	}
	rec.Reachable++
	if rec.Recognizable < rec.Reachable {
		rec.Recognizable = rec.Reachable
	}
	rec.DroppedOnce = false // re-exported/re-imported: a future drop-to-zero may fire again
	return t.putObject(ctx, k, rec)
}

// IncRecognizable bumps the weak-import count only, without forcing
// reachable upward. Used by translateIn when a vat introduces a new
// export: the kernel recognizes the reference immediately, but it only
// becomes reachable once some c-list actually retains it.
func (t *Table) IncRecognizable(ctx context.Context, k Kref) error {
	rec, ok, err := t.GetObject(ctx, k)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("krefs: increment recognizable on retired object %s", k)
	}
	rec.Recognizable++
	return t.putObject(ctx, k, rec)
}

// DecReachable decrements the strong-import count. Returns the post-
// decrement record so the caller (translator, on dropImports) can decide
// whether to hand the kref to the GC reaper.
func (t *Table) DecReachable(ctx context.Context, k Kref) (*ObjectRecord, error) {
	rec, ok, err := t.GetObject(ctx, k)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("krefs: decrement reachable on retired object %s", k)
	}
	if rec.Reachable > 0 {
		rec.Reachable--
	}
	if err := t.putObject(ctx, k, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// DecRecognizable decrements the weak-import count (retireImports).
func (t *Table) DecRecognizable(ctx context.Context, k Kref) (*ObjectRecord, error) {
	rec, ok, err := t.GetObject(ctx, k)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("krefs: decrement recognizable on retired object %s", k)
	}
	if rec.Recognizable > 0 {
		rec.Recognizable--
	}
	if rec.Reachable > rec.Recognizable {
		rec.Reachable = rec.Recognizable
	}
	if err := t.putObject(ctx, k, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// WasDropped reports whether a dropExports has been issued for k since
// its last export, satisfying translator.DroppedChecker so ImportToVat
// can refuse a forbidden re-import of a dropped kref.
func (t *Table) WasDropped(ctx context.Context, k Kref) (bool, error) {
	rec, ok, err := t.GetObject(ctx, k)
	if err != nil || !ok {
		return false, err
	}
	return rec.DroppedOnce, nil
}

// MarkDropIssued records that a dropExports has been sent for k, so the
// reaper does not issue a second one before a re-export (invariant 5).
func (t *Table) MarkDropIssued(ctx context.Context, k Kref) error {
	rec, ok, err := t.GetObject(ctx, k)
	if err != nil || !ok {
		return err
	}
	rec.DroppedOnce = true
	return t.putObject(ctx, k, rec)
}

// RemoveObject deletes a fully-retired object's record. Called by the
// reaper only after the corresponding retireExports queue entry commits.
func (t *Table) RemoveObject(ctx context.Context, k Kref) error {
	return t.store.Delete(ctx, objectKey(k))
}

// SetOwnerTerminal marks every object owned by vatID as terminal, used
// during vat termination so subsequent reachability changes know
// the owner can no longer receive a dropExports/retireExports.
func (t *Table) SetOwnerTerminal(ctx context.Context, vatID string) error {
	rows, err := t.store.ExecuteQuery(ctx, kvstore.Scan{Prefix: "ko"})
	if err != nil {
		return err
	}
	for _, row := range rows {
		rec := &ObjectRecord{}
		if err := rec.UnmarshalBinary(row.Value); err != nil {
			continue
		}
		if rec.Owner != vatID || rec.Terminal {
			continue
		}
		rec.Terminal = true
		if err := t.store.Set(ctx, row.Key, mustMarshal(rec)); err != nil {
			return err
		}
	}
	return nil
}

func mustMarshal(r *ObjectRecord) []byte {
	b, _ := r.MarshalBinary()
	return b
}

func nextID(ctx context.Context, store kvstore.Executor, space string) (uint64, error) {
	key := "nextId." + space
	b, ok, err := store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	var n uint64
	if ok {
		n = decodeUint64(b)
	}
	next := n + 1
	if err := store.Set(ctx, key, encodeUint64(next)); err != nil {
		return 0, err
	}
	return n, nil
}

func encodeUint64(n uint64) []byte { return []byte(fmt.Sprintf("%d", n)) }
func decodeUint64(b []byte) uint64 {
	var n uint64
	fmt.Sscanf(string(b), "%d", &n)
	return n
}
