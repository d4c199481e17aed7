package structs

import "fmt"

// NodeNotFound is returned when a node lookup by id or uuid misses.
type NodeNotFound struct{ Identifier string }

func (e *NodeNotFound) Error() string {
	return fmt.Sprintf("node not found: %s", e.Identifier)
}

// ChassisNotFound is returned when a chassis lookup misses.
type ChassisNotFound struct{ UUID string }

func (e *ChassisNotFound) Error() string {
	return fmt.Sprintf("chassis not found: %s", e.UUID)
}

// ConductorNotFound is returned when a conductor lookup misses.
type ConductorNotFound struct{ Hostname string }

func (e *ConductorNotFound) Error() string {
	return fmt.Sprintf("conductor not found: %s", e.Hostname)
}

// NodeLocked is returned when an exclusive reservation is already held by
// another conductor.
type NodeLocked struct {
	NodeID int64
	Holder string
}

func (e *NodeLocked) Error() string {
	return fmt.Sprintf("node %d locked by %q", e.NodeID, e.Holder)
}

// NodeInWrongPowerState is returned when an operation requires a live power
// state the node is not currently observed to be in.
type NodeInWrongPowerState struct {
	NodeID   int64
	Observed PowerState
}

func (e *NodeInWrongPowerState) Error() string {
	return fmt.Sprintf("node %d is in power state %q", e.NodeID, e.Observed)
}

// InvalidParameterValue covers malformed input: driver validation failures,
// unknown vendor methods, out-of-range enum values.
type InvalidParameterValue struct{ Reason string }

func (e *InvalidParameterValue) Error() string {
	return fmt.Sprintf("invalid parameter: %s", e.Reason)
}

// DriverNotFound is returned when a driver name has no registered bundle.
type DriverNotFound struct{ Driver string }

func (e *DriverNotFound) Error() string {
	return fmt.Sprintf("driver not found: %s", e.Driver)
}

// UnsupportedDriverExtension is returned when a loaded driver has no
// implementation for a requested capability.
type UnsupportedDriverExtension struct {
	Driver    string
	NodeID    int64
	Extension string
}

func (e *UnsupportedDriverExtension) Error() string {
	return fmt.Sprintf("driver %q does not support extension %q (node %d)", e.Driver, e.Extension, e.NodeID)
}

// InstanceDeployFailure covers provision-state precondition violations and
// driver failures during deploy/tear-down.
type InstanceDeployFailure struct{ Reason string }

func (e *InstanceDeployFailure) Error() string {
	return fmt.Sprintf("instance deploy failure: %s", e.Reason)
}

// ConductorAlreadyRegistered is returned by the gateway when a hostname row
// already exists; benign at startup, where the caller re-registers.
type ConductorAlreadyRegistered struct{ Hostname string }

func (e *ConductorAlreadyRegistered) Error() string {
	return fmt.Sprintf("conductor already registered: %s", e.Hostname)
}

// ChassisNotEmpty is returned when a chassis destroy is attempted while
// nodes still reference it.
type ChassisNotEmpty struct{ UUID string }

func (e *ChassisNotEmpty) Error() string {
	return fmt.Sprintf("chassis not empty: %s", e.UUID)
}
