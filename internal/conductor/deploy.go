package conductor

import (
	"context"
	"fmt"

	"github.com/ironfleet/conductor/internal/driver"
	"github.com/ironfleet/conductor/internal/structs"
)

// transitionSpec parameterizes the shared deploy/tear-down skeleton
// (spec.md §4.4.3): deploy and tear_down differ only in precondition,
// driver call, the in-progress (provision_state, target) pair, and the
// terminal-success state.
type transitionSpec struct {
	name            string
	preconditionOK  func(structs.ProvisionState) bool
	inProgress      structs.ProvisionState
	inProgressTgt   structs.ProvisionState
	terminalSuccess structs.ProvisionState
	finalState      structs.ProvisionState // provision_state once terminal success is reached
	call            func(ctx context.Context, d driver.Deploy, n *structs.Node) (structs.ProvisionState, error)
}

func deploySpec() transitionSpec {
	return transitionSpec{
		name:            "deploy",
		preconditionOK:  func(s structs.ProvisionState) bool { return s == structs.ProvisionStateNone },
		inProgress:      structs.ProvisionStateDeploying,
		inProgressTgt:   structs.ProvisionStateDeployDone,
		terminalSuccess: structs.ProvisionStateDeployDone,
		finalState:      structs.ProvisionStateActive,
		call: func(ctx context.Context, d driver.Deploy, n *structs.Node) (structs.ProvisionState, error) {
			return d.DeployNode(ctx, n)
		},
	}
}

func tearDownSpec() transitionSpec {
	return transitionSpec{
		name: "tear_down",
		preconditionOK: func(s structs.ProvisionState) bool {
			return s == structs.ProvisionStateActive || s == structs.ProvisionStateDeployFail || s == structs.ProvisionStateError
		},
		inProgress:      structs.ProvisionStateDeleting,
		inProgressTgt:   structs.ProvisionStateDeleted,
		terminalSuccess: structs.ProvisionStateDeleted,
		finalState:      structs.ProvisionStateNone,
		call: func(ctx context.Context, d driver.Deploy, n *structs.Node) (structs.ProvisionState, error) {
			return d.TearDownNode(ctx, n)
		},
	}
}

// runTransition is the shared skeleton both DoNodeDeploy and
// DoNodeTearDown drive. The exclusive lock is held for its full duration.
func (m *Manager) runTransition(ctx context.Context, nodeID int64, spec transitionSpec) (*structs.Node, error) {
	t, release, err := m.tasks.AcquireOne(ctx, nodeID, false, "")
	if err != nil {
		return nil, err
	}
	defer release()

	n := t.Node()
	if !spec.preconditionOK(n.ProvisionState) {
		return nil, &structs.InstanceDeployFailure{
			Reason: fmt.Sprintf("%s: node %d provision_state %q does not satisfy precondition", spec.name, n.ID, n.ProvisionState),
		}
	}

	d, err := driver.RequireDeploy(t.Driver(n.ID), n.ID)
	if err != nil {
		return nil, err
	}
	if vErr := d.Validate(n); vErr != nil {
		return nil, vErr
	}

	n.ProvisionState = spec.inProgress
	n.TargetProvisionState = spec.inProgressTgt
	clearLastError(n)
	if _, pErr := m.gw.UpdateNodeFields(n); pErr != nil {
		return nil, pErr
	}

	result, callErr := spec.call(ctx, d, n)
	if callErr != nil {
		n.ProvisionState = structs.ProvisionStateError
		n.TargetProvisionState = structs.ProvisionStateNone
		setLastError(n, callErr.Error())
		if _, pErr := m.gw.UpdateNodeFields(n); pErr != nil {
			m.logger.Error("failed to persist transition failure", "node_id", n.ID, "error", pErr)
		}
		m.metrics.IncrCounter([]string{"conductor", spec.name, "failure"}, 1)
		return nil, fmt.Errorf("%s: %w", spec.name, callErr)
	}

	if result == spec.terminalSuccess {
		n.ProvisionState = spec.finalState
		n.TargetProvisionState = structs.ProvisionStateNone
	} else {
		// Pending success: the driver is contracting to complete the
		// transition later via an out-of-band callback. Record the
		// returned state verbatim and keep the target.
		n.ProvisionState = result
	}
	clearLastError(n)

	saved, pErr := m.gw.UpdateNodeFields(n)
	if pErr != nil {
		return nil, pErr
	}
	m.metrics.IncrCounter([]string{"conductor", spec.name, "success"}, 1)
	return saved, nil
}

// DoNodeDeploy implements spec.md §4.4.3 (deploy column).
func (m *Manager) DoNodeDeploy(ctx context.Context, nodeID int64) (*structs.Node, error) {
	return m.runTransition(ctx, nodeID, deploySpec())
}

// DoNodeTearDown implements spec.md §4.4.3 (tear_down column).
func (m *Manager) DoNodeTearDown(ctx context.Context, nodeID int64) (*structs.Node, error) {
	return m.runTransition(ctx, nodeID, tearDownSpec())
}
