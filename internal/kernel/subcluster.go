package kernel

import (
	"context"
	"fmt"

	"github.com/ocap-kernel/kernel/internal/cluster"
	"github.com/ocap-kernel/kernel/internal/kernelerrors"
	"github.com/ocap-kernel/kernel/internal/krefs"
	"github.com/ocap-kernel/kernel/internal/logging"
)

// Subcluster is a named, co-bootstrapped group of vats. Membership is
// tracked in a dedicated cluster.Registry namespaced
// by the subcluster's name; the kernel itself only persists which vats
// belong and what bootstrap vat (if any) received the introduction.
type Subcluster struct {
	Name         string   `json:"name"`
	BootstrapVat string   `json:"bootstrap_vat,omitempty"`
	Members      []string `json:"members"`
}

func (k *Kernel) registryFor(name string) *cluster.Registry {
	k.mu.Lock()
	defer k.mu.Unlock()
	reg, ok := k.subclusters[name]
	if !ok {
		reg = cluster.NewRegistry(k.store, cluster.DefaultConfig("subcluster."+name))
		k.subclusters[name] = reg
	}
	return reg
}

// joinSubcluster registers vatID as a member of the named subcluster's
// registry, creating the registry on first use.
func (k *Kernel) joinSubcluster(ctx context.Context, name, vatID string) error {
	reg := k.registryFor(name)
	return reg.RegisterNode(ctx, &cluster.Node{ID: vatID, Name: vatID})
}

// leaveSubcluster removes vatID from the named subcluster's membership.
// Best-effort: a subcluster that was never loaded (e.g. the kernel
// restarted and no vat in it has relaunched yet) has nothing to remove.
func (k *Kernel) leaveSubcluster(name, vatID string) {
	k.mu.Lock()
	reg, ok := k.subclusters[name]
	k.mu.Unlock()
	if !ok {
		return
	}
	if err := reg.RemoveNode(context.Background(), vatID); err != nil {
		logging.Op().Warn("failed to remove subcluster member", "subcluster", name, "vat", vatID, "error", err)
	}
}

// LaunchSubclusterRequest describes a subcluster to bootstrap: a set of
// member vats (each launched exactly as LaunchVat would) plus the one
// member that receives the bootstrap delivery carrying every other
// member's root kref as an introduction.
type LaunchSubclusterRequest struct {
	Name         string
	BootstrapVat string // must be one of Members
	Members      map[string][]byte // vatID -> bundle
}

// LaunchSubcluster launches every member vat, then queues a single
// bootstrap send to BootstrapVat's root object carrying the other
// members' root krefs as capdata slots, introducing each member to the
// designated bootstrap vat.
func (k *Kernel) LaunchSubcluster(ctx context.Context, req LaunchSubclusterRequest) (*Subcluster, error) {
	if req.Name == "" {
		return nil, kernelerrors.ErrCListViolation("", "launchSubcluster: name is required")
	}
	if _, ok := req.Members[req.BootstrapVat]; req.BootstrapVat == "" || !ok {
		return nil, kernelerrors.ErrCListViolation("", "launchSubcluster: bootstrapVat must be a member")
	}

	roots := make(map[string]string, len(req.Members))
	for vatID, bundle := range req.Members {
		rec, err := k.LaunchVat(ctx, LaunchVatRequest{VatID: vatID, Bundle: bundle, Subcluster: req.Name})
		if err != nil {
			return nil, fmt.Errorf("kernel: launch subcluster %q member %q: %w", req.Name, vatID, err)
		}
		roots[vatID] = rec.RootKref
	}

	bootstrapRoot := roots[req.BootstrapVat]
	slots := make([]string, 0, len(roots)-1)
	for vatID, root := range roots {
		if vatID == req.BootstrapVat {
			continue
		}
		slots = append(slots, root)
	}
	targetKref, err := krefs.ParseKref(bootstrapRoot)
	if err != nil {
		return nil, fmt.Errorf("kernel: subcluster %q bootstrap root %q: %w", req.Name, bootstrapRoot, err)
	}
	if _, err := k.QueueMessage(ctx, targetKref.String(), "bootstrap", krefs.CapData{
		Body:  `{"introductions":true}`,
		Slots: slots,
	}); err != nil {
		return nil, fmt.Errorf("kernel: queue bootstrap for subcluster %q: %w", req.Name, err)
	}

	members := make([]string, 0, len(roots))
	for vatID := range roots {
		members = append(members, vatID)
	}
	sc := &Subcluster{Name: req.Name, BootstrapVat: req.BootstrapVat, Members: members}
	logging.Op().Info("subcluster launched", "subcluster", req.Name, "bootstrap", req.BootstrapVat, "members", len(members))
	return sc, nil
}

// TerminateSubcluster terminates every member vat of the named
// subcluster.
func (k *Kernel) TerminateSubcluster(ctx context.Context, name string) error {
	reg := k.registryFor(name)
	members := reg.ListNodes()
	if len(members) == 0 {
		return kernelerrors.ErrSubclusterNotFound(name)
	}
	var firstErr error
	for _, node := range members {
		if err := k.TerminateVat(ctx, node.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	k.mu.Lock()
	delete(k.subclusters, name)
	k.mu.Unlock()
	return firstErr
}

// GetSubcluster returns the current membership of a named subcluster.
func (k *Kernel) GetSubcluster(name string) (*Subcluster, error) {
	k.mu.Lock()
	reg, ok := k.subclusters[name]
	k.mu.Unlock()
	if !ok {
		return nil, kernelerrors.ErrSubclusterNotFound(name)
	}
	members := make([]string, 0)
	for _, n := range reg.ListNodes() {
		members = append(members, n.ID)
	}
	return &Subcluster{Name: name, Members: members}, nil
}
