package translator

import (
	"context"
	"strings"

	"github.com/ocap-kernel/kernel/internal/krefs"
	"github.com/ocap-kernel/kernel/internal/kvstore"
)

// FindImporters scans every vat's c-list for an entry mapping k to a
// vref, returning the IDs of every vat whose c-list holds it: each
// importer, and also the owning vat, whose export entry matches too.
// Used by the reaper: once a ko is retired, every importer (every
// returned vat but the owner) must receive a retireImports notification. This is the one place the
// kernel reads across c-list boundaries; everywhere else a c-list is
// scoped to a single vat.
func FindImporters(ctx context.Context, store kvstore.Executor, k krefs.Kref) ([]string, error) {
	rows, err := store.ExecuteQuery(ctx, kvstore.Scan{Prefix: "clist."})
	if err != nil {
		return nil, err
	}
	suffix := ".k2v." + k.String()
	var out []string
	for _, row := range rows {
		if !strings.HasSuffix(row.Key, suffix) {
			continue
		}
		vatID := strings.TrimSuffix(strings.TrimPrefix(row.Key, "clist."), suffix)
		out = append(out, vatID)
	}
	return out, nil
}
