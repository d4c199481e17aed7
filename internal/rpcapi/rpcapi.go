// Package rpcapi is the RPC Dispatch component (C7): spec.md §6's message
// table reimplemented as an explicit dispatch map (Design Notes §9) rather
// than method-attribute decorators. The wire transport itself (message bus,
// serialization, topic routing) is out of scope per spec.md §1; this
// package only defines names, shapes, and the table a transport adapter
// dispatches through.
package rpcapi

import (
	"context"
	"fmt"

	"github.com/ironfleet/conductor/internal/conductor"
	"github.com/ironfleet/conductor/internal/structs"
)

// APIVersion is the RPC surface version, evolving monotonically per
// spec.md §6.
const APIVersion = "1.4"

// Topic is the fixed message bus topic this dispatch table answers on.
const Topic = "ironfleet.conductor_manager"

// Kind distinguishes a request/response call from a fire-and-forget cast.
type Kind int

const (
	Call Kind = iota
	Cast
)

// Handler is the shape every dispatch table entry has: args decoded by the
// transport layer into a map, a context carrying cancellation/deadline, and
// a result returned only for Call entries.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Entry is one row of the dispatch table.
type Entry struct {
	Name string
	Kind Kind
	Fn   Handler
}

// Dispatcher builds the fixed message-name -> handler table over a
// Conductor Manager.
type Dispatcher struct {
	mgr     *conductor.Manager
	entries map[string]Entry
}

// New builds the dispatch table tabulated in spec.md §6.
func New(mgr *conductor.Manager) *Dispatcher {
	d := &Dispatcher{mgr: mgr, entries: make(map[string]Entry)}
	d.register(Entry{Name: "get_node_power_state", Kind: Call, Fn: d.getNodePowerState})
	d.register(Entry{Name: "update_node", Kind: Call, Fn: d.updateNode})
	d.register(Entry{Name: "change_node_power_state", Kind: Cast, Fn: d.changeNodePowerState})
	d.register(Entry{Name: "validate_vendor_action", Kind: Call, Fn: d.validateVendorAction})
	d.register(Entry{Name: "do_vendor_action", Kind: Cast, Fn: d.doVendorAction})
	d.register(Entry{Name: "do_node_deploy", Kind: Cast, Fn: d.doNodeDeploy})
	d.register(Entry{Name: "do_node_tear_down", Kind: Cast, Fn: d.doNodeTearDown})
	return d
}

func (d *Dispatcher) register(e Entry) {
	d.entries[e.Name] = e
}

// Dispatch looks up a message by name and invokes it. A transport adapter
// (out of scope here) is responsible for deserializing args and, for Call
// entries, serializing the result back to the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args map[string]any) (any, error) {
	e, ok := d.entries[name]
	if !ok {
		return nil, fmt.Errorf("rpcapi: no handler registered for %q", name)
	}
	return e.Fn(ctx, args)
}

// Kind reports whether name is a Call or a Cast, so a transport adapter
// knows whether to wait for a response.
func (d *Dispatcher) Kind(name string) (Kind, bool) {
	e, ok := d.entries[name]
	return e.Kind, ok
}

func argInt64(args map[string]any, key string) (int64, error) {
	v, ok := args[key]
	if !ok {
		return 0, &structs.InvalidParameterValue{Reason: fmt.Sprintf("missing argument %q", key)}
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, &structs.InvalidParameterValue{Reason: fmt.Sprintf("argument %q has unexpected type %T", key, v)}
	}
}

func argString(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", &structs.InvalidParameterValue{Reason: fmt.Sprintf("missing argument %q", key)}
	}
	s, ok := v.(string)
	if !ok {
		return "", &structs.InvalidParameterValue{Reason: fmt.Sprintf("argument %q has unexpected type %T", key, v)}
	}
	return s, nil
}

func argMap(args map[string]any, key string) map[string]any {
	v, _ := args[key].(map[string]any)
	return v
}

func (d *Dispatcher) getNodePowerState(ctx context.Context, args map[string]any) (any, error) {
	id, err := argInt64(args, "node_id")
	if err != nil {
		return nil, err
	}
	return d.mgr.GetNodePowerState(ctx, id)
}

func (d *Dispatcher) updateNode(ctx context.Context, args map[string]any) (any, error) {
	delta, ok := args["node_delta"].(*structs.NodeDelta)
	if !ok {
		return nil, &structs.InvalidParameterValue{Reason: "missing or malformed node_delta argument"}
	}
	return d.mgr.UpdateNode(ctx, delta)
}

func (d *Dispatcher) changeNodePowerState(ctx context.Context, args map[string]any) (any, error) {
	id, err := argInt64(args, "node_id")
	if err != nil {
		return nil, err
	}
	state, err := argString(args, "new_state")
	if err != nil {
		return nil, err
	}
	return nil, d.mgr.ChangeNodePowerState(ctx, id, structs.PowerState(state))
}

func (d *Dispatcher) validateVendorAction(ctx context.Context, args map[string]any) (any, error) {
	id, err := argInt64(args, "node_id")
	if err != nil {
		return nil, err
	}
	method, err := argString(args, "driver_method")
	if err != nil {
		return nil, err
	}
	return d.mgr.ValidateVendorAction(ctx, id, method, argMap(args, "info"))
}

func (d *Dispatcher) doVendorAction(ctx context.Context, args map[string]any) (any, error) {
	id, err := argInt64(args, "node_id")
	if err != nil {
		return nil, err
	}
	method, err := argString(args, "driver_method")
	if err != nil {
		return nil, err
	}
	return nil, d.mgr.DoVendorAction(ctx, id, method, argMap(args, "info"))
}

func (d *Dispatcher) doNodeDeploy(ctx context.Context, args map[string]any) (any, error) {
	id, err := argInt64(args, "node_id")
	if err != nil {
		return nil, err
	}
	_, err = d.mgr.DoNodeDeploy(ctx, id)
	return nil, err
}

func (d *Dispatcher) doNodeTearDown(ctx context.Context, args map[string]any) (any, error) {
	id, err := argInt64(args, "node_id")
	if err != nil {
		return nil, err
	}
	_, err = d.mgr.DoNodeTearDown(ctx, id)
	return nil, err
}
