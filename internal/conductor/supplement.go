package conductor

import (
	"context"
	"fmt"

	"github.com/ironfleet/conductor/internal/structs"
)

// ProvisioningAction is a narrower verb set the original source
// (original_source/ironic/conductor/manager.py) exposes alongside full
// deploy/tear-down, letting an operator nudge a node stuck in a pending
// provision state without re-running the driver (SPEC_FULL.md §4.4).
type ProvisioningAction string

const (
	ActionProvide ProvisioningAction = "provide" // DEPLOYDONE -> ACTIVE
	ActionDeleted ProvisioningAction = "deleted" // DELETING -> NOSTATE
	ActionAbort   ProvisioningAction = "abort"   // DEPLOYFAIL/ERROR -> NOSTATE
)

// DoProvisioningAction performs a state-only transition under the same
// exclusive task and precondition discipline as deploy/tear-down, with no
// driver call: it exists for an operator to recover a node stuck in a
// pending provision state.
func (m *Manager) DoProvisioningAction(ctx context.Context, nodeID int64, action ProvisioningAction) (*structs.Node, error) {
	t, release, err := m.tasks.AcquireOne(ctx, nodeID, false, "")
	if err != nil {
		return nil, err
	}
	defer release()

	n := t.Node()
	switch action {
	case ActionProvide:
		if n.ProvisionState != structs.ProvisionStateDeployDone {
			return nil, &structs.InstanceDeployFailure{
				Reason: fmt.Sprintf("provide: node %d provision_state %q is not deploy done", n.ID, n.ProvisionState),
			}
		}
		n.ProvisionState = structs.ProvisionStateActive
		n.TargetProvisionState = structs.ProvisionStateNone
	case ActionDeleted:
		if n.ProvisionState != structs.ProvisionStateDeleting {
			return nil, &structs.InstanceDeployFailure{
				Reason: fmt.Sprintf("deleted: node %d provision_state %q is not deleting", n.ID, n.ProvisionState),
			}
		}
		n.ProvisionState = structs.ProvisionStateNone
		n.TargetProvisionState = structs.ProvisionStateNone
	case ActionAbort:
		if n.ProvisionState != structs.ProvisionStateDeployFail && n.ProvisionState != structs.ProvisionStateError {
			return nil, &structs.InstanceDeployFailure{
				Reason: fmt.Sprintf("abort: node %d provision_state %q is not a failure state", n.ID, n.ProvisionState),
			}
		}
		n.ProvisionState = structs.ProvisionStateNone
		n.TargetProvisionState = structs.ProvisionStateNone
	default:
		return nil, &structs.InvalidParameterValue{Reason: fmt.Sprintf("unknown provisioning action %q", action)}
	}

	clearLastError(n)
	return m.gw.UpdateNodeFields(n)
}

// DestroyNode refuses to destroy a node still associated with a workload or
// mid-transition, matching original_source/ironic's destroy_node
// precondition (SPEC_FULL.md §4.4). Gateway.DestroyNode remains the
// unconditional low-level primitive called once the check passes.
func (m *Manager) DestroyNode(ctx context.Context, nodeID int64) error {
	t, release, err := m.tasks.AcquireOne(ctx, nodeID, false, "")
	if err != nil {
		return err
	}
	defer release()

	n := t.Node()
	if n.InstanceUUID != nil {
		return &structs.InvalidParameterValue{
			Reason: fmt.Sprintf("node %d still has an associated instance %q", n.ID, *n.InstanceUUID),
		}
	}
	switch n.ProvisionState {
	case structs.ProvisionStateNone, structs.ProvisionStateActive, structs.ProvisionStateDeployFail, structs.ProvisionStateError, structs.ProvisionStateDeleted:
		// stable terminal states: destroy is safe
	default:
		return &structs.InvalidParameterValue{
			Reason: fmt.Sprintf("node %d provision_state %q is mid-transition", n.ID, n.ProvisionState),
		}
	}

	return m.gw.DestroyNode(n.ID)
}
