package translator

import (
	"context"
	"testing"

	"github.com/ocap-kernel/kernel/internal/krefs"
	"github.com/ocap-kernel/kernel/internal/kvstore"
)

func newTestTranslator(vatID string) (*Translator, *krefs.Table, kvstore.Executor) {
	store := kvstore.NewMemoryStore()
	table := krefs.NewTable(store)
	clist := NewCList(store, vatID)
	return New(table, clist, vatID), table, store
}

func TestExportFromVatAllocatesOnFirstSight(t *testing.T) {
	ctx := context.Background()
	tr, table, _ := newTestTranslator("v1")

	vref := Vref{Kind: VKindObject, Export: true, Number: 0}
	kref, err := tr.ExportFromVat(ctx, vref)
	if err != nil {
		t.Fatalf("ExportFromVat: %v", err)
	}
	if kref.Kind != krefs.KindObject {
		t.Fatalf("expected object kref, got %v", kref)
	}
	rec, ok, err := table.GetObject(ctx, kref)
	if err != nil || !ok {
		t.Fatalf("expected object record, ok=%v err=%v", ok, err)
	}
	if rec.Owner != "v1" {
		t.Fatalf("expected owner v1, got %q", rec.Owner)
	}

	// Second call for the same vref returns the same kref, no new allocation.
	again, err := tr.ExportFromVat(ctx, vref)
	if err != nil {
		t.Fatalf("second ExportFromVat: %v", err)
	}
	if again != kref {
		t.Fatalf("expected stable kref, got %v then %v", kref, again)
	}
}

func TestExportFromVatRejectsImportVref(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := newTestTranslator("v1")

	_, err := tr.ExportFromVat(ctx, Vref{Kind: VKindObject, Export: false, Number: 0})
	if err == nil {
		t.Fatal("expected error exporting an import vref")
	}
}

func TestImportToVatAllocatesAndBumpsReachable(t *testing.T) {
	ctx := context.Background()
	tr, table, _ := newTestTranslator("v1")

	kref, err := table.AllocateObject(ctx, "owner-vat")
	if err != nil {
		t.Fatalf("AllocateObject: %v", err)
	}

	vref, err := tr.ImportToVat(ctx, kref, nil)
	if err != nil {
		t.Fatalf("ImportToVat: %v", err)
	}
	if vref.Export {
		t.Fatalf("expected an import vref, got %+v", vref)
	}
	rec, _, _ := table.GetObject(ctx, kref)
	if rec.Reachable != 1 {
		t.Fatalf("expected reachable=1 after import, got %d", rec.Reachable)
	}

	// Re-importing the same kref returns the same vref, no double bump.
	again, err := tr.ImportToVat(ctx, kref, nil)
	if err != nil {
		t.Fatalf("second ImportToVat: %v", err)
	}
	if again != vref {
		t.Fatalf("expected stable vref, got %v then %v", vref, again)
	}
	rec, _, _ = table.GetObject(ctx, kref)
	if rec.Reachable != 1 {
		t.Fatalf("expected reachable to stay at 1, got %d", rec.Reachable)
	}
}

type stubDroppedChecker struct{ dropped map[krefs.Kref]bool }

func (s stubDroppedChecker) WasDropped(_ context.Context, k krefs.Kref) (bool, error) {
	return s.dropped[k], nil
}

func TestImportToVatRejectsReimportOfDroppedKref(t *testing.T) {
	ctx := context.Background()
	tr, table, _ := newTestTranslator("v1")

	kref, err := table.AllocateObject(ctx, "owner-vat")
	if err != nil {
		t.Fatalf("AllocateObject: %v", err)
	}
	dropped := stubDroppedChecker{dropped: map[krefs.Kref]bool{kref: true}}

	if _, err := tr.ImportToVat(ctx, kref, dropped); err == nil {
		t.Fatal("expected error re-importing a dropped kref")
	}
}

func TestTranslateOutAndTranslateInRoundTrip(t *testing.T) {
	ctx := context.Background()
	tr, table, _ := newTestTranslator("v1")

	kref, err := table.AllocateObject(ctx, "owner-vat")
	if err != nil {
		t.Fatalf("AllocateObject: %v", err)
	}

	body, vslots, err := tr.TranslateOut(ctx, "payload", []string{kref.String()}, nil)
	if err != nil {
		t.Fatalf("TranslateOut: %v", err)
	}
	if body != "payload" || len(vslots) != 1 {
		t.Fatalf("unexpected TranslateOut result: %q %v", body, vslots)
	}

	body, kslots, err := tr.TranslateIn(ctx, body, vslots)
	if err != nil {
		t.Fatalf("TranslateIn: %v", err)
	}
	if body != "payload" || len(kslots) != 1 || kslots[0] != kref.String() {
		t.Fatalf("expected round trip back to %s, got %v", kref, kslots)
	}
}

func TestTranslateInRejectsUnknownImport(t *testing.T) {
	ctx := context.Background()
	tr, _, _ := newTestTranslator("v1")

	if _, _, err := tr.TranslateIn(ctx, "", []string{"o-99"}); err == nil {
		t.Fatal("expected error translating in an unknown import vref")
	}
}

func TestTranslateInAllocatesForNewExport(t *testing.T) {
	ctx := context.Background()
	tr, table, _ := newTestTranslator("v1")

	_, kslots, err := tr.TranslateIn(ctx, "", []string{"o+0"})
	if err != nil {
		t.Fatalf("TranslateIn: %v", err)
	}
	kref, err := krefs.ParseKref(kslots[0])
	if err != nil {
		t.Fatalf("ParseKref(%q): %v", kslots[0], err)
	}
	rec, ok, err := table.GetObject(ctx, kref)
	if err != nil || !ok {
		t.Fatalf("expected new object record, ok=%v err=%v", ok, err)
	}
	if rec.Recognizable != 1 {
		t.Fatalf("expected recognizable=1 for new export, got %d", rec.Recognizable)
	}
}

func TestDestroyRemovesAllCListEntries(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	table := krefs.NewTable(store)
	clist := NewCList(store, "v1")
	tr := New(table, clist, "v1")

	kref, err := table.AllocateObject(ctx, "owner-vat")
	if err != nil {
		t.Fatalf("AllocateObject: %v", err)
	}
	if _, err := tr.ImportToVat(ctx, kref, nil); err != nil {
		t.Fatalf("ImportToVat: %v", err)
	}

	if err := tr.Destroy(ctx); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	entries, err := clist.Entries(ctx)
	if err != nil {
		t.Fatalf("Entries after Destroy: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no c-list entries after Destroy, got %v", entries)
	}
}

func TestCListEntriesAndFindImporters(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	table := krefs.NewTable(store)

	kref, err := table.AllocateObject(ctx, "owner-vat")
	if err != nil {
		t.Fatalf("AllocateObject: %v", err)
	}

	clistA := NewCList(store, "vA")
	trA := New(table, clistA, "vA")
	if _, err := trA.ImportToVat(ctx, kref, nil); err != nil {
		t.Fatalf("vA ImportToVat: %v", err)
	}

	clistB := NewCList(store, "vB")
	trB := New(table, clistB, "vB")
	if _, err := trB.ImportToVat(ctx, kref, nil); err != nil {
		t.Fatalf("vB ImportToVat: %v", err)
	}

	entries, err := clistA.Entries(ctx)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 1 || entries[0] != kref {
		t.Fatalf("expected [%s] in vA's c-list, got %v", kref, entries)
	}

	importers, err := FindImporters(ctx, store, kref)
	if err != nil {
		t.Fatalf("FindImporters: %v", err)
	}
	if len(importers) != 2 {
		t.Fatalf("expected 2 importers, got %v", importers)
	}
}
