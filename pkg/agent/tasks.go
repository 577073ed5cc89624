package agent

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/openfroyo/fleet/pkg/devices"
	"github.com/openfroyo/fleet/pkg/engine"
	"github.com/openfroyo/fleet/pkg/types"
)

// createBridge makes sure an up bridge with the given name exists.
type createBridge struct {
	name    types.NetworkInterfaceName
	devices devices.Manager
}

func (t *createBridge) Description() string {
	return fmt.Sprintf("Create bridge '%s'", t.name)
}

func (t *createBridge) CheckFulfilled(ctx context.Context) (engine.Fulfillment, error) {
	iface, found, err := t.devices.TryFindInterface(ctx, t.name)
	if err != nil {
		return engine.Unfulfilled, err
	}
	if found && iface.IsBridge() && iface.Up {
		return engine.Fulfilled, nil
	}
	return engine.Unfulfilled, nil
}

func (t *createBridge) Execute(ctx context.Context) error {
	iface, found, err := t.devices.TryFindInterface(ctx, t.name)
	if err != nil {
		return err
	}
	if found && !iface.IsBridge() {
		if err := t.devices.DeleteInterface(ctx, iface); err != nil {
			return err
		}
		found = false
	}
	if !found {
		if iface, err = t.devices.CreateEmptyBridge(ctx, t.name); err != nil {
			return err
		}
	}
	return t.devices.SetUp(ctx, iface)
}

// deleteInterface removes an interface if it exists.
type deleteInterface struct {
	name    types.NetworkInterfaceName
	devices devices.Manager
}

func (t *deleteInterface) Description() string {
	return fmt.Sprintf("Delete interface '%s'", t.name)
}

func (t *deleteInterface) CheckFulfilled(ctx context.Context) (engine.Fulfillment, error) {
	_, found, err := t.devices.TryFindInterface(ctx, t.name)
	if err != nil {
		return engine.Unfulfilled, err
	}
	if !found {
		return engine.Fulfilled, nil
	}
	return engine.Unfulfilled, nil
}

func (t *deleteInterface) Execute(ctx context.Context) error {
	iface, found, err := t.devices.TryFindInterface(ctx, t.name)
	if err != nil || !found {
		return err
	}
	return t.devices.DeleteInterface(ctx, iface)
}

// joinBridge joins an existing interface to a bridge and sets it up.
type joinBridge struct {
	iface   types.NetworkInterfaceName
	bridge  types.NetworkInterfaceName
	devices devices.Manager
}

func (t *joinBridge) Description() string {
	return fmt.Sprintf("Join interface '%s' to bridge '%s'", t.iface, t.bridge)
}

func (t *joinBridge) CheckFulfilled(ctx context.Context) (engine.Fulfillment, error) {
	iface, bridge, err := t.lookup(ctx)
	if err != nil {
		return engine.Unfulfilled, err
	}
	if iface.Master == bridge.Index && iface.Up {
		return engine.Fulfilled, nil
	}
	return engine.Unfulfilled, nil
}

func (t *joinBridge) Execute(ctx context.Context) error {
	iface, bridge, err := t.lookup(ctx)
	if err != nil {
		return err
	}
	if iface.Master != bridge.Index {
		if err := t.devices.JoinInterfaceToBridge(ctx, iface, bridge); err != nil {
			return err
		}
	}
	return t.devices.SetUp(ctx, iface)
}

func (t *joinBridge) lookup(ctx context.Context) (devices.Interface, devices.Interface, error) {
	iface, err := t.devices.FindInterface(ctx, t.iface)
	if err != nil {
		return devices.Interface{}, devices.Interface{}, engine.NewPermanentError("device interface missing", err)
	}
	bridge, err := t.devices.FindInterface(ctx, t.bridge)
	if err != nil {
		// The bridge task may still be settling.
		return devices.Interface{}, devices.Interface{}, engine.NewTransientError("bridge missing", err)
	}
	return iface, bridge, nil
}

// createTunnel connects the bridge to a remote peer through a gretap interface.
type createTunnel struct {
	local, remote netip.Addr
	bridge        types.NetworkInterfaceName
	devices       devices.Manager
}

func (t *createTunnel) name() types.NetworkInterfaceName { return devices.GretapName(t.remote) }

func (t *createTunnel) Description() string {
	return fmt.Sprintf("Create GRE tunnel '%s' to %s", t.name(), t.remote)
}

func (t *createTunnel) CheckFulfilled(ctx context.Context) (engine.Fulfillment, error) {
	iface, found, err := t.devices.TryFindInterface(ctx, t.name())
	if err != nil || !found {
		return engine.Unfulfilled, err
	}
	bridge, err := t.devices.FindInterface(ctx, t.bridge)
	if err != nil {
		return engine.Unfulfilled, nil
	}
	if iface.Kind == devices.KindGretap && iface.Master == bridge.Index && iface.Up {
		return engine.Fulfilled, nil
	}
	return engine.Unfulfilled, nil
}

func (t *createTunnel) Execute(ctx context.Context) error {
	iface, found, err := t.devices.TryFindInterface(ctx, t.name())
	if err != nil {
		return err
	}
	if !found {
		if iface, err = t.devices.CreateGretap(ctx, t.name(), t.local, t.remote); err != nil {
			return err
		}
	}
	bridge, err := t.devices.FindInterface(ctx, t.bridge)
	if err != nil {
		return engine.NewTransientError("bridge missing", err)
	}
	if err := t.devices.JoinInterfaceToBridge(ctx, iface, bridge); err != nil {
		return err
	}
	return t.devices.SetUp(ctx, iface)
}

// removeStaleTunnels deletes gretap interfaces that no longer lead to a cluster member.
type removeStaleTunnels struct {
	keep    map[types.NetworkInterfaceName]struct{}
	devices devices.Manager
}

func (t *removeStaleTunnels) Description() string { return "Remove stale GRE tunnels" }

func (t *removeStaleTunnels) stale(ctx context.Context) ([]devices.Interface, error) {
	interfaces, err := t.devices.ListInterfaces(ctx)
	if err != nil {
		return nil, err
	}
	var stale []devices.Interface
	for _, iface := range interfaces {
		if iface.Kind != devices.KindGretap || !strings.HasPrefix(iface.Name.String(), "gre-") {
			continue
		}
		if _, ok := t.keep[iface.Name]; !ok {
			stale = append(stale, iface)
		}
	}
	return stale, nil
}

func (t *removeStaleTunnels) CheckFulfilled(ctx context.Context) (engine.Fulfillment, error) {
	stale, err := t.stale(ctx)
	if err != nil {
		return engine.Unfulfilled, err
	}
	if len(stale) == 0 {
		return engine.Fulfilled, nil
	}
	return engine.Unfulfilled, nil
}

func (t *removeStaleTunnels) Execute(ctx context.Context) error {
	stale, err := t.stale(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, iface := range stale {
		if err := t.devices.DeleteInterface(ctx, iface); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// startExecutor starts an executor unless it already runs.
type startExecutor struct {
	descriptor types.ExecutorDescriptor
	executors  *ExecutorManager
}

func (t *startExecutor) Description() string {
	return fmt.Sprintf("Start executor <%s>", t.descriptor.ID)
}

func (t *startExecutor) CheckFulfilled(context.Context) (engine.Fulfillment, error) {
	if t.executors.IsRunning(t.descriptor.ID) {
		return engine.Fulfilled, nil
	}
	return engine.Unfulfilled, nil
}

func (t *startExecutor) Execute(ctx context.Context) error {
	return t.executors.Start(ctx, t.descriptor)
}

// stopExecutor terminates an executor if it runs.
type stopExecutor struct {
	id        types.ExecutorID
	executors *ExecutorManager
}

func (t *stopExecutor) Description() string {
	return fmt.Sprintf("Stop executor <%s>", t.id)
}

func (t *stopExecutor) CheckFulfilled(context.Context) (engine.Fulfillment, error) {
	if t.executors.IsRunning(t.id) {
		return engine.Unfulfilled, nil
	}
	return engine.Fulfilled, nil
}

func (t *stopExecutor) Execute(ctx context.Context) error {
	return t.executors.Stop(ctx, t.id)
}
