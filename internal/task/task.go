// Package task is the Task Manager (C3): the only public operation is
// Acquire, which loads nodes, takes (or skips) their reservations, resolves
// drivers, and returns a scoped handle that guarantees release on every
// exit path.
package task

import (
	"context"
	"sort"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/ironfleet/conductor/internal/driver"
	"github.com/ironfleet/conductor/internal/gateway"
	"github.com/ironfleet/conductor/internal/structs"
)

// Task bundles the node records, their resolved driver bundles, the lock
// mode held, and the hostname that acquired it.
type Task struct {
	Nodes    []*structs.Node
	Drivers  map[int64]*driver.Bundle
	Shared   bool
	Hostname string
}

// Node is a convenience accessor for the common single-node task.
func (t *Task) Node() *structs.Node {
	if len(t.Nodes) == 0 {
		return nil
	}
	return t.Nodes[0]
}

// Driver returns the resolved driver bundle for the given node.
func (t *Task) Driver(nodeID int64) *driver.Bundle {
	return t.Drivers[nodeID]
}

// Manager is the Task Manager (C3).
type Manager struct {
	gw       *gateway.Gateway
	registry *driver.Registry
	hostname string
	logger   hclog.Logger
}

// NewManager constructs a task manager bound to a gateway, driver registry,
// and the hostname this conductor process acquires locks under.
func NewManager(gw *gateway.Gateway, registry *driver.Registry, hostname string, logger hclog.Logger) *Manager {
	return &Manager{gw: gw, registry: registry, hostname: hostname, logger: logger.Named("task")}
}

// Acquire loads each node in nodeIDs, optionally reserves it exclusively,
// resolves its driver, and returns a Task plus a release function the
// caller must defer immediately. driverName, if non-empty, overrides
// node.Driver for every node in the batch (used by update_node when the
// driver field itself is changing, so the *new* driver is validated).
//
// Nodes are processed in ascending ID order to avoid cyclic waits between
// cooperating conductors (spec.md §4.3).
func (m *Manager) Acquire(ctx context.Context, nodeIDs []int64, shared bool, driverName string) (t *Task, release func(), err error) {
	ids := append([]int64(nil), nodeIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	nodes := make([]*structs.Node, 0, len(ids))
	for _, id := range ids {
		n, err := m.gw.GetNodeByID(id)
		if err != nil {
			return nil, noop, err
		}
		nodes = append(nodes, n)
	}

	var reserved []int64
	releaseReservations := func() {
		if len(reserved) == 0 {
			return
		}
		var result *multierror.Error
		for _, id := range reserved {
			if rErr := m.gw.ReleaseNode(id, m.hostname); rErr != nil {
				result = multierror.Append(result, rErr)
			}
		}
		if err := result.ErrorOrNil(); err != nil {
			m.logger.Error("failed to release reservation during task teardown", "error", err)
		}
	}

	if !shared {
		for _, n := range nodes {
			if rErr := m.gw.ReserveNode(n.ID, m.hostname); rErr != nil {
				releaseReservations()
				return nil, noop, rErr
			}
			reserved = append(reserved, n.ID)
			// keep the in-memory snapshot in sync with the row we just
			// reserved, so callers that persist it via UpdateNodeFields
			// don't clobber the lock they're holding.
			holder := m.hostname
			n.Reservation = &holder
		}
	}

	drivers := make(map[int64]*driver.Bundle, len(nodes))
	for _, n := range nodes {
		name := n.Driver
		if driverName != "" {
			name = driverName
		}
		b, dErr := m.registry.Get(name)
		if dErr != nil {
			releaseReservations()
			return nil, noop, dErr
		}
		drivers[n.ID] = b
	}

	tk := &Task{Nodes: nodes, Drivers: drivers, Shared: shared, Hostname: m.hostname}
	released := false
	release = func() {
		if released {
			return
		}
		released = true
		releaseReservations()
	}
	return tk, release, nil
}

func noop() {}

// AcquireOne is a convenience wrapper for the overwhelmingly common
// single-node case.
func (m *Manager) AcquireOne(ctx context.Context, nodeID int64, shared bool, driverName string) (*Task, func(), error) {
	return m.Acquire(ctx, []int64{nodeID}, shared, driverName)
}
