// Package conductor is the Conductor Manager (C4): the state-changing
// operations (update, power, deploy, tear-down, vendor passthru) built on
// top of the Task Manager (C3).
package conductor

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
	gometrics "github.com/hashicorp/go-metrics"

	"github.com/ironfleet/conductor/internal/driver"
	"github.com/ironfleet/conductor/internal/gateway"
	"github.com/ironfleet/conductor/internal/structs"
	"github.com/ironfleet/conductor/internal/task"
)

// Manager implements the RPC-facing node operations.
type Manager struct {
	gw      *gateway.Gateway
	tasks   *task.Manager
	logger  hclog.Logger
	metrics *gometrics.Metrics
}

// NewManager constructs a conductor manager over the given gateway and
// task manager. metrics may be nil, in which case gometrics.Default() is
// used, matching the rest of the corpus's convention of a process-wide
// default sink.
func NewManager(gw *gateway.Gateway, tasks *task.Manager, logger hclog.Logger, metrics *gometrics.Metrics) *Manager {
	if metrics == nil {
		metrics = gometrics.Default()
	}
	return &Manager{gw: gw, tasks: tasks, logger: logger.Named("conductor"), metrics: metrics}
}

func strPtr(s string) *string { return &s }

func setLastError(n *structs.Node, msg string) {
	n.LastError = strPtr(msg)
}

func clearLastError(n *structs.Node) {
	n.LastError = nil
}

// UpdateNode implements spec.md §4.4.1. The caller supplies a node carrying
// the pending field values plus the set of fields it intends to change; the
// stored record is loaded under the exclusive task and the changes applied
// to it.
func (m *Manager) UpdateNode(ctx context.Context, delta *structs.NodeDelta) (*structs.Node, error) {
	driverName := ""
	if delta.Changed(structs.FieldDriver) {
		driverName = delta.Node.Driver
	}

	t, release, err := m.tasks.AcquireOne(ctx, delta.Node.ID, false, driverName)
	if err != nil {
		return nil, err
	}
	defer release()

	current := t.Node()
	bundle := t.Driver(current.ID)

	if delta.Changed(structs.FieldPowerState) {
		return nil, &structs.InvalidParameterValue{Reason: "can not change node state"}
	}

	// Associating a workload (nil -> non-nil) requires the node to be
	// observed live as POWER_OFF. Disassociating (non-nil -> nil) is
	// exempt from the precondition (SPEC_FULL.md §9 open-question
	// decision): a node that can no longer report its live power state
	// must still be able to release a stale workload record.
	if delta.Changed(structs.FieldInstanceUUID) && delta.Node.InstanceUUID != nil {
		power, pErr := driver.RequirePower(bundle, current.ID)
		if pErr != nil {
			return nil, pErr
		}
		if vErr := power.Validate(current); vErr != nil {
			return nil, vErr
		}
		observed, gErr := power.GetPowerState(ctx, current)
		if gErr != nil {
			return nil, gErr
		}
		if observed != structs.PowerStateOff {
			return nil, &structs.NodeInWrongPowerState{NodeID: current.ID, Observed: observed}
		}
	}

	applyDelta(current, delta)

	saved, err := m.gw.UpdateNodeFields(current)
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// applyDelta copies the changed driver, instance_uuid, extra, driver_info
// and chassis_uuid fields from delta.Node onto current. Any other key in the
// delta is ignored (power_state is rejected before this is called).
func applyDelta(current *structs.Node, delta *structs.NodeDelta) {
	if delta.Changed(structs.FieldDriver) {
		current.Driver = delta.Node.Driver
	}
	if delta.Changed(structs.FieldInstanceUUID) {
		current.InstanceUUID = delta.Node.InstanceUUID
	}
	if delta.Changed("extra") {
		current.Extra = delta.Node.Extra
	}
	if delta.Changed("driver_info") {
		current.DriverInfo = delta.Node.DriverInfo
	}
	if delta.Changed("chassis_uuid") {
		current.ChassisUUID = delta.Node.ChassisUUID
	}
}

// ChangeNodePowerState implements spec.md §4.4.2.
func (m *Manager) ChangeNodePowerState(ctx context.Context, nodeID int64, newState structs.PowerState) error {
	if newState != structs.PowerStateOn && newState != structs.PowerStateOff {
		return &structs.InvalidParameterValue{Reason: fmt.Sprintf("invalid target power state %q", newState)}
	}

	t, release, err := m.tasks.AcquireOne(ctx, nodeID, false, "")
	if err != nil {
		return err
	}
	defer release()

	n := t.Node()
	power, err := driver.RequirePower(t.Driver(n.ID), n.ID)
	if err != nil {
		return err
	}

	if vErr := power.Validate(n); vErr != nil {
		setLastError(n, vErr.Error())
		if _, pErr := m.gw.UpdateNodeFields(n); pErr != nil {
			m.logger.Error("failed to persist validate failure", "node_id", n.ID, "error", pErr)
		}
		return vErr
	}

	observed, err := power.GetPowerState(ctx, n)
	if err != nil {
		return err
	}
	if observed == newState {
		// Idempotent short-circuit: also tolerates a stale
		// target_power_state left behind by a crashed conductor.
		clearLastError(n)
		if _, pErr := m.gw.UpdateNodeFields(n); pErr != nil {
			return pErr
		}
		m.logger.Warn("power state already matches requested state, skipping set_power_state",
			"node_id", n.ID, "state", newState)
		m.metrics.IncrCounter([]string{"conductor", "power", "short_circuit"}, 1)
		return nil
	}

	n.TargetPowerState = newState
	clearLastError(n)
	if _, pErr := m.gw.UpdateNodeFields(n); pErr != nil {
		return pErr
	}

	setErr := power.SetPowerState(ctx, n, newState)
	if setErr != nil {
		setLastError(n, setErr.Error())
	} else {
		n.PowerState = newState
	}

	// Always clear the in-progress target, regardless of outcome, and
	// persist; re-raise the driver error only after persisting.
	n.TargetPowerState = structs.PowerStateNone
	if _, pErr := m.gw.UpdateNodeFields(n); pErr != nil {
		if setErr != nil {
			return fmt.Errorf("set_power_state failed (%w), and failed to persist cleanup: %v", setErr, pErr)
		}
		return pErr
	}

	if setErr != nil {
		m.metrics.IncrCounter([]string{"conductor", "power", "failure"}, 1)
		return fmt.Errorf("set_power_state: %w", setErr)
	}
	m.metrics.IncrCounter([]string{"conductor", "power", "success"}, 1)
	return nil
}

// GetNodePowerState implements spec.md §4.4.5: a shared task that never
// persists.
func (m *Manager) GetNodePowerState(ctx context.Context, nodeID int64) (structs.PowerState, error) {
	t, release, err := m.tasks.AcquireOne(ctx, nodeID, true, "")
	if err != nil {
		return structs.PowerStateNone, err
	}
	defer release()

	n := t.Node()
	power, err := driver.RequirePower(t.Driver(n.ID), n.ID)
	if err != nil {
		return structs.PowerStateNone, err
	}
	return power.GetPowerState(ctx, n)
}
