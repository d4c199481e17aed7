// Package driver is the Driver Registry (C2): it enumerates named driver
// bundles and hands one out per node on demand. Each bundle exposes up to
// four capability interfaces; a missing capability is a nil field, checked
// before use (Design Notes §9).
package driver

import (
	"context"

	"github.com/ironfleet/conductor/internal/structs"
)

// Power is the capability to observe and change a node's electrical state.
type Power interface {
	Validate(n *structs.Node) error
	GetPowerState(ctx context.Context, n *structs.Node) (structs.PowerState, error)
	SetPowerState(ctx context.Context, n *structs.Node, target structs.PowerState) error
}

// Deploy is the capability to provision and tear down a node's workload.
type Deploy interface {
	Validate(n *structs.Node) error
	DeployNode(ctx context.Context, n *structs.Node) (structs.ProvisionState, error)
	TearDownNode(ctx context.Context, n *structs.Node) (structs.ProvisionState, error)
}

// Console is an optional capability; its shape is not specified by the
// conductor core (spec.md §4.2).
type Console interface {
	Validate(n *structs.Node) error
	StartConsole(ctx context.Context, n *structs.Node) error
	StopConsole(ctx context.Context, n *structs.Node) error
}

// Vendor is the driver-defined escape hatch for operations the standard
// capability interfaces don't cover. Validate returns the driver's
// synchronous payload alongside any applicability error (spec.md §4.4.4).
type Vendor interface {
	Validate(n *structs.Node, method string, info map[string]any) (any, error)
	VendorPassthru(ctx context.Context, n *structs.Node, method string, info map[string]any) (any, error)
}

// Bundle is the set of capabilities a named driver offers. A nil field
// means the driver does not implement that extension.
type Bundle struct {
	Name    string
	Power   Power
	Deploy  Deploy
	Console Console
	Vendor  Vendor
}

// Registry maps driver name to its singleton capability bundle. Driver
// instances are process-wide singletons: hardware-proximate state is the
// driver's own responsibility and must be safe for concurrent use by tasks
// on different nodes.
type Registry struct {
	bundles map[string]*Bundle
}

// NewRegistry builds a registry from the given bundles, keyed by name.
func NewRegistry(bundles ...*Bundle) *Registry {
	r := &Registry{bundles: make(map[string]*Bundle, len(bundles))}
	for _, b := range bundles {
		r.bundles[b.Name] = b
	}
	return r
}

// Get returns the bundle for name, or DriverNotFound.
func (r *Registry) Get(name string) (*Bundle, error) {
	b, ok := r.bundles[name]
	if !ok {
		return nil, &structs.DriverNotFound{Driver: name}
	}
	return b, nil
}

// Names returns every registered driver name, used by the membership
// component to populate the conductor's driver list.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.bundles))
	for name := range r.bundles {
		out = append(out, name)
	}
	return out
}

// RequirePower returns the bundle's Power capability or
// UnsupportedDriverExtension if absent.
func RequirePower(b *Bundle, nodeID int64) (Power, error) {
	if b.Power == nil {
		return nil, &structs.UnsupportedDriverExtension{Driver: b.Name, NodeID: nodeID, Extension: "power"}
	}
	return b.Power, nil
}

// RequireDeploy returns the bundle's Deploy capability or
// UnsupportedDriverExtension if absent.
func RequireDeploy(b *Bundle, nodeID int64) (Deploy, error) {
	if b.Deploy == nil {
		return nil, &structs.UnsupportedDriverExtension{Driver: b.Name, NodeID: nodeID, Extension: "deploy"}
	}
	return b.Deploy, nil
}

// RequireVendor returns the bundle's Vendor capability or
// UnsupportedDriverExtension if absent.
func RequireVendor(b *Bundle, nodeID int64) (Vendor, error) {
	if b.Vendor == nil {
		return nil, &structs.UnsupportedDriverExtension{Driver: b.Name, NodeID: nodeID, Extension: "vendor"}
	}
	return b.Vendor, nil
}
