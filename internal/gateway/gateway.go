package gateway

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-uuid"

	"github.com/ironfleet/conductor/internal/structs"
)

// Gateway is the Persistence Gateway (C1). All mutations run inside a memdb
// write transaction, giving every read within one transaction a consistent
// snapshot for free. The reservation primitives additionally take resMu so
// the conditional "set reservation where null" check-then-set is a single
// atomic step rather than memdb's usual optimistic-retry contract, which is
// the wrong shape for a one-shot CAS (see DESIGN.md).
type Gateway struct {
	db    *memdb.MemDB
	resMu sync.Mutex

	idSeq int64
	seqMu sync.Mutex
}

// New constructs an empty gateway.
func New() (*Gateway, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, err
	}
	return &Gateway{db: db}, nil
}

func (g *Gateway) nextID() int64 {
	g.seqMu.Lock()
	defer g.seqMu.Unlock()
	g.idSeq++
	return g.idSeq
}

func newUUID() string {
	id, err := uuid.GenerateUUID()
	if err != nil {
		// GenerateUUID only fails if the system RNG is broken; a
		// time-based fallback keeps the gateway usable rather than
		// panicking mid-transaction.
		return time.Now().UTC().Format("20060102T150405.000000000")
	}
	return id
}

// --- nodes ---------------------------------------------------------------

// CreateNode inserts a new node, assigning ID and UUID if unset.
func (g *Gateway) CreateNode(n *structs.Node) (*structs.Node, error) {
	n = n.Clone()
	if n.ID == 0 {
		n.ID = g.nextID()
	}
	if n.UUID == "" {
		n.UUID = newUUID()
	}
	now := time.Now().UTC()
	n.CreatedAt, n.UpdatedAt = now, now

	txn := g.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tableNodes, n); err != nil {
		return nil, err
	}
	txn.Commit()
	return n.Clone(), nil
}

// GetNodeByID looks up a node by its integer lock key.
func (g *Gateway) GetNodeByID(id int64) (*structs.Node, error) {
	txn := g.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tableNodes, indexID, id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, &structs.NodeNotFound{Identifier: idStr(id)}
	}
	return raw.(*structs.Node).Clone(), nil
}

// GetNodeByUUID looks up a node by its stable external identifier.
func (g *Gateway) GetNodeByUUID(id string) (*structs.Node, error) {
	txn := g.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tableNodes, indexUUID, id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, &structs.NodeNotFound{Identifier: id}
	}
	return raw.(*structs.Node).Clone(), nil
}

// ListNodes returns every node, in ascending ID order.
func (g *Gateway) ListNodes() ([]*structs.Node, error) {
	txn := g.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tableNodes, indexID)
	if err != nil {
		return nil, err
	}
	var out []*structs.Node
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*structs.Node).Clone())
	}
	return out, nil
}

// ListNodesByChassis returns nodes referencing the given chassis.
func (g *Gateway) ListNodesByChassis(chassisUUID string) ([]*structs.Node, error) {
	all, err := g.ListNodes()
	if err != nil {
		return nil, err
	}
	var out []*structs.Node
	for _, n := range all {
		if n.ChassisUUID != nil && *n.ChassisUUID == chassisUUID {
			out = append(out, n)
		}
	}
	return out, nil
}

// DestroyNode removes a node unconditionally. Callers needing the
// live precondition checks (instance association, in-flight transition)
// enforce them before calling this; see conductor.DestroyNode.
func (g *Gateway) DestroyNode(id int64) error {
	txn := g.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tableNodes, indexID, id)
	if err != nil {
		return err
	}
	if raw == nil {
		return &structs.NodeNotFound{Identifier: idStr(id)}
	}
	if err := txn.Delete(tableNodes, raw); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// UpdateNodeFields persists the given node, bumping UpdatedAt. reservation
// and created_at are carried forward from the stored row rather than taken
// from n: callers hold a snapshot that may predate a reservation taken
// after it was loaded (task.Acquire keeps its own copy in sync, but this is
// the backstop), and created_at is never a field any caller intends to
// change. Callers are responsible for only calling this while holding the
// appropriate lock (spec.md invariant 3).
func (g *Gateway) UpdateNodeFields(n *structs.Node) (*structs.Node, error) {
	n = n.Clone()

	txn := g.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tableNodes, indexID, n.ID)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, &structs.NodeNotFound{Identifier: idStr(n.ID)}
	}
	stored := raw.(*structs.Node)
	n.Reservation = stored.Reservation
	n.CreatedAt = stored.CreatedAt
	n.UpdatedAt = time.Now().UTC()

	if err := txn.Insert(tableNodes, n); err != nil {
		return nil, err
	}
	txn.Commit()
	return n.Clone(), nil
}

// ReserveNode atomically sets reservation = holder iff it is currently nil.
// This is the only lock primitive in the system; success means exactly one
// row was affected.
func (g *Gateway) ReserveNode(id int64, holder string) error {
	g.resMu.Lock()
	defer g.resMu.Unlock()

	txn := g.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableNodes, indexID, id)
	if err != nil {
		return err
	}
	if raw == nil {
		return &structs.NodeNotFound{Identifier: idStr(id)}
	}
	n := raw.(*structs.Node)
	if n.Reservation != nil {
		return &structs.NodeLocked{NodeID: id, Holder: *n.Reservation}
	}

	updated := n.Clone()
	h := holder
	updated.Reservation = &h
	updated.UpdatedAt = time.Now().UTC()
	if err := txn.Insert(tableNodes, updated); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// ReleaseNode clears reservation only where it currently equals holder.
// A mismatch is a programming error: the caller released a task it never
// acquired, or acquired under a different hostname.
func (g *Gateway) ReleaseNode(id int64, holder string) error {
	g.resMu.Lock()
	defer g.resMu.Unlock()

	txn := g.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableNodes, indexID, id)
	if err != nil {
		return err
	}
	if raw == nil {
		return &structs.NodeNotFound{Identifier: idStr(id)}
	}
	n := raw.(*structs.Node)
	if n.Reservation == nil || *n.Reservation != holder {
		return releaseMismatchError(id, holder, n.Reservation)
	}

	updated := n.Clone()
	updated.Reservation = nil
	updated.UpdatedAt = time.Now().UTC()
	if err := txn.Insert(tableNodes, updated); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// StaleReservations returns reserved nodes whose row has not been updated
// for olderThan; UpdatedAt is bumped by the reservation itself and by every
// later field update, so this measures time since the last write, not since
// the reservation was taken. It is the hook point a future crash-recovery reaper would use
// (see SPEC_FULL.md §9 — not called by anything in this core).
func (g *Gateway) StaleReservations(olderThan time.Duration) ([]*structs.Node, error) {
	all, err := g.ListNodes()
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	var out []*structs.Node
	for _, n := range all {
		if n.Reservation != nil && n.UpdatedAt.Before(cutoff) {
			out = append(out, n)
		}
	}
	return out, nil
}

// --- chassis ---------------------------------------------------------------

// CreateChassis inserts a new chassis, assigning a UUID if unset.
func (g *Gateway) CreateChassis(c *structs.Chassis) (*structs.Chassis, error) {
	cp := *c
	if cp.UUID == "" {
		cp.UUID = newUUID()
	}
	now := time.Now().UTC()
	cp.CreatedAt, cp.UpdatedAt = now, now

	txn := g.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tableChassis, &cp); err != nil {
		return nil, err
	}
	txn.Commit()
	out := cp
	return &out, nil
}

// GetChassis looks up a chassis by UUID.
func (g *Gateway) GetChassis(uuid string) (*structs.Chassis, error) {
	txn := g.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tableChassis, indexID, uuid)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, &structs.ChassisNotFound{UUID: uuid}
	}
	out := *raw.(*structs.Chassis)
	return &out, nil
}

// DestroyChassis refuses deletion while any node still references it.
func (g *Gateway) DestroyChassis(uuid string) error {
	nodes, err := g.ListNodesByChassis(uuid)
	if err != nil {
		return err
	}
	if len(nodes) > 0 {
		return &structs.ChassisNotEmpty{UUID: uuid}
	}

	txn := g.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tableChassis, indexID, uuid)
	if err != nil {
		return err
	}
	if raw == nil {
		return &structs.ChassisNotFound{UUID: uuid}
	}
	if err := txn.Delete(tableChassis, raw); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// --- ports ---------------------------------------------------------------

// CreatePort inserts a new port, assigning a UUID if unset.
func (g *Gateway) CreatePort(p *structs.Port) (*structs.Port, error) {
	cp := *p
	if cp.UUID == "" {
		cp.UUID = newUUID()
	}
	txn := g.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tablePorts, &cp); err != nil {
		return nil, err
	}
	txn.Commit()
	out := cp
	return &out, nil
}

// ListPortsByNode returns every port owned by the given node.
func (g *Gateway) ListPortsByNode(nodeID int64) ([]*structs.Port, error) {
	txn := g.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tablePorts, indexNode, nodeID)
	if err != nil {
		return nil, err
	}
	var out []*structs.Port
	for raw := it.Next(); raw != nil; raw = it.Next() {
		p := *raw.(*structs.Port)
		out = append(out, &p)
	}
	return out, nil
}

// DestroyPort removes a port by UUID.
func (g *Gateway) DestroyPort(uuid string) error {
	txn := g.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tablePorts, indexID, uuid)
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	if err := txn.Delete(tablePorts, raw); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// --- conductors ------------------------------------------------------------

// RegisterConductor inserts a membership row. Fails with
// ConductorAlreadyRegistered if the hostname is already present; C5 handles
// that by unregistering then re-registering.
func (g *Gateway) RegisterConductor(hostname string, drivers []string) (*structs.Conductor, error) {
	txn := g.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableConductors, indexID, hostname)
	if err != nil {
		return nil, err
	}
	if raw != nil {
		return nil, &structs.ConductorAlreadyRegistered{Hostname: hostname}
	}

	c := &structs.Conductor{
		Hostname:  hostname,
		Drivers:   append([]string(nil), drivers...),
		UpdatedAt: time.Now().UTC(),
	}
	if err := txn.Insert(tableConductors, c); err != nil {
		return nil, err
	}
	txn.Commit()
	out := *c
	return &out, nil
}

// UnregisterConductor removes a membership row.
func (g *Gateway) UnregisterConductor(hostname string) error {
	txn := g.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tableConductors, indexID, hostname)
	if err != nil {
		return err
	}
	if raw == nil {
		return &structs.ConductorNotFound{Hostname: hostname}
	}
	if err := txn.Delete(tableConductors, raw); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// TouchConductor updates a conductor's heartbeat timestamp to now.
func (g *Gateway) TouchConductor(hostname string) error {
	txn := g.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tableConductors, indexID, hostname)
	if err != nil {
		return err
	}
	if raw == nil {
		return &structs.ConductorNotFound{Hostname: hostname}
	}
	c := *raw.(*structs.Conductor)
	c.UpdatedAt = time.Now().UTC()
	if err := txn.Insert(tableConductors, &c); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// GetConductor looks up a conductor by hostname.
func (g *Gateway) GetConductor(hostname string) (*structs.Conductor, error) {
	txn := g.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tableConductors, indexID, hostname)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, &structs.ConductorNotFound{Hostname: hostname}
	}
	out := *raw.(*structs.Conductor)
	return &out, nil
}

// ListConductors returns every registered conductor.
func (g *Gateway) ListConductors() ([]*structs.Conductor, error) {
	txn := g.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tableConductors, indexID)
	if err != nil {
		return nil, err
	}
	var out []*structs.Conductor
	for raw := it.Next(); raw != nil; raw = it.Next() {
		c := *raw.(*structs.Conductor)
		out = append(out, &c)
	}
	return out, nil
}

// --- helpers ---------------------------------------------------------------

func idStr(id int64) string {
	return strconv.FormatInt(id, 10)
}

// releaseMismatchError reports a caller releasing a reservation it does not
// hold. Per spec.md §4.1 this is a programming error, not a user error.
func releaseMismatchError(id int64, holder string, actual *string) error {
	got := "nil"
	if actual != nil {
		got = *actual
	}
	return fmt.Errorf("release_node: holder mismatch on node %d: expected %q, reservation is %q", id, holder, got)
}

// GetNodesByIDs loads every node in ids, aggregating misses with
// go-multierror instead of failing on the first so callers see the complete
// set of problems at once.
func (g *Gateway) GetNodesByIDs(ids []int64) ([]*structs.Node, error) {
	var result *multierror.Error
	out := make([]*structs.Node, 0, len(ids))
	for _, id := range ids {
		n, err := g.GetNodeByID(id)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		out = append(out, n)
	}
	return out, result.ErrorOrNil()
}
