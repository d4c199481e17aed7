package driver

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/ironfleet/conductor/internal/structs"
)

// MockDriver is a reference driver with no real hardware behind it, grounded
// on Nomad's own drivers/mock: a driver that exists so the rest of the
// system can be exercised without physical machines, and so tests can
// script specific failures.
type MockDriver struct {
	logger hclog.Logger

	mu            sync.Mutex
	powerByNode   map[int64]structs.PowerState
	failSetPower  bool
	failValidate  bool
	deployResults map[int64]structs.ProvisionState
	vendorMethods map[string]func(ctx context.Context, n *structs.Node, info map[string]any) (any, error)
}

// NewMockDriver constructs a mock driver bundle, ready to register.
func NewMockDriver(logger hclog.Logger) *Bundle {
	d := &MockDriver{
		logger:        logger.Named("driver.mock"),
		powerByNode:   make(map[int64]structs.PowerState),
		deployResults: make(map[int64]structs.ProvisionState),
		vendorMethods: make(map[string]func(ctx context.Context, n *structs.Node, info map[string]any) (any, error)),
	}
	return &Bundle{
		Name:   "mock",
		Power:  d,
		Deploy: d,
		Vendor: mockVendor{d},
	}
}

// mockVendor adapts MockDriver to the Vendor capability in a separate type,
// since Vendor.Validate and Power/Deploy.Validate have different
// signatures and Go does not allow overloading a method name on one type.
type mockVendor struct{ d *MockDriver }

func (v mockVendor) Validate(n *structs.Node, method string, info map[string]any) (any, error) {
	return nil, v.d.vendorValidate(method)
}

func (v mockVendor) VendorPassthru(ctx context.Context, n *structs.Node, method string, info map[string]any) (any, error) {
	return v.d.vendorPassthru(ctx, n, method, info)
}

// SeedPowerState seeds the live power state the driver will report for n,
// used by tests to script idempotent-short-circuit and mismatch scenarios.
// A node that was never seeded (nor set) reports its recorded power_state,
// or POWER_OFF when that is NOSTATE.
func (d *MockDriver) SeedPowerState(nodeID int64, s structs.PowerState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.powerByNode[nodeID] = s
}

// FailNextSetPowerState makes the next SetPowerState call return an error.
func (d *MockDriver) FailNextSetPowerState(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failSetPower = fail
}

// SeedDeployResult scripts the state DeployNode/TearDownNode returns for n.
func (d *MockDriver) SeedDeployResult(nodeID int64, s structs.ProvisionState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deployResults[nodeID] = s
}

// RegisterVendorMethod wires a named vendor passthru handler for tests.
func (d *MockDriver) RegisterVendorMethod(method string, fn func(ctx context.Context, n *structs.Node, info map[string]any) (any, error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.vendorMethods[method] = fn
}

// mockDriverInfo is the subset of driver_info the mock driver cares about.
// Real drivers decode their own connection parameters the same way; the
// mock driver only checks that whatever is present decodes cleanly.
type mockDriverInfo struct {
	Address  string `mapstructure:"address"`
	Insecure bool   `mapstructure:"insecure"`
}

func (d *MockDriver) Validate(n *structs.Node) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failValidate {
		return &structs.InvalidParameterValue{Reason: "mock driver validation forced failure"}
	}
	if n.DriverInfo != nil {
		var info mockDriverInfo
		if err := DecodeDriverInfo(n.DriverInfo, &info); err != nil {
			return err
		}
	}
	return nil
}

func (d *MockDriver) GetPowerState(ctx context.Context, n *structs.Node) (structs.PowerState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.powerByNode[n.ID]; ok {
		return s, nil
	}
	if n.PowerState != structs.PowerStateNone {
		return n.PowerState, nil
	}
	return structs.PowerStateOff, nil
}

func (d *MockDriver) SetPowerState(ctx context.Context, n *structs.Node, target structs.PowerState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failSetPower {
		d.failSetPower = false
		return fmt.Errorf("mock driver: set_power_state forced failure")
	}
	d.powerByNode[n.ID] = target
	return nil
}

func (d *MockDriver) DeployNode(ctx context.Context, n *structs.Node) (structs.ProvisionState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.deployResults[n.ID]; ok {
		return s, nil
	}
	return structs.ProvisionStateDeployDone, nil
}

func (d *MockDriver) TearDownNode(ctx context.Context, n *structs.Node) (structs.ProvisionState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.deployResults[n.ID]; ok {
		return s, nil
	}
	return structs.ProvisionStateDeleted, nil
}

// vendorValidate checks that method is a registered vendor passthru method;
// unknown methods are an InvalidParameterValue (spec.md §4.4.4).
func (d *MockDriver) vendorValidate(method string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.vendorMethods[method]; !ok {
		return &structs.InvalidParameterValue{Reason: fmt.Sprintf("unknown vendor method %q", method)}
	}
	return nil
}

func (d *MockDriver) vendorPassthru(ctx context.Context, n *structs.Node, method string, info map[string]any) (any, error) {
	d.mu.Lock()
	fn, ok := d.vendorMethods[method]
	d.mu.Unlock()
	if !ok {
		return nil, &structs.InvalidParameterValue{Reason: fmt.Sprintf("unknown vendor method %q", method)}
	}
	return fn(ctx, n, info)
}
