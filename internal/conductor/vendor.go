package conductor

import (
	"context"

	"github.com/ironfleet/conductor/internal/driver"
)

// ValidateVendorAction implements spec.md §4.4.4's first phase: a shared
// task that calls the driver's vendor validate step and returns its
// synchronous payload. Known race with DoVendorAction (another conductor
// may mutate the node between the two calls) is acknowledged, not fixed,
// per spec.md §9.
func (m *Manager) ValidateVendorAction(ctx context.Context, nodeID int64, method string, info map[string]any) (any, error) {
	t, release, err := m.tasks.AcquireOne(ctx, nodeID, true, "")
	if err != nil {
		return nil, err
	}
	defer release()

	n := t.Node()
	v, err := driver.RequireVendor(t.Driver(n.ID), n.ID)
	if err != nil {
		return nil, err
	}
	// validate_vendor_action only checks applicability and returns the
	// driver's synchronous payload; it does not run the action, matching
	// the two-phase split in spec.md §4.4.4.
	return v.Validate(n, method, info)
}

// DoVendorAction implements spec.md §4.4.4's second phase: a shared task
// that invokes the driver's vendor passthru. No return value is surfaced
// to the RPC caller (cast semantics).
func (m *Manager) DoVendorAction(ctx context.Context, nodeID int64, method string, info map[string]any) error {
	t, release, err := m.tasks.AcquireOne(ctx, nodeID, true, "")
	if err != nil {
		return err
	}
	defer release()

	n := t.Node()
	v, err := driver.RequireVendor(t.Driver(n.ID), n.ID)
	if err != nil {
		return err
	}
	_, err = v.VendorPassthru(ctx, n, method, info)
	return err
}
