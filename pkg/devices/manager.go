// Package devices manages the network interfaces of a peer: bridges, GRE
// tunnels and the device interfaces joined to them.
package devices

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/openfroyo/fleet/pkg/types"
)

// Interface kinds created by the manager.
const (
	KindBridge = "bridge"
	KindGretap = "gretap"
)

var (
	// ErrInterfaceNotFound is returned when no interface has the requested name.
	ErrInterfaceNotFound = errors.New("interface not found")

	// ErrInterfaceExists is returned when creating an interface whose name is taken.
	ErrInterfaceExists = errors.New("interface already exists")
)

// Interface is a network interface as seen by the kernel.
type Interface struct {
	Index uint32
	Name  types.NetworkInterfaceName
	Kind  string
	Up    bool

	// Master is the index of the bridge the interface is joined to, zero if none.
	Master uint32
}

// IsBridge reports whether the interface is an ethernet bridge.
func (i Interface) IsBridge() bool { return i.Kind == KindBridge }

// Manager creates, links and removes network interfaces.
type Manager interface {
	ListInterfaces(ctx context.Context) ([]Interface, error)

	// FindInterface fails with ErrInterfaceNotFound if the name is unknown.
	FindInterface(ctx context.Context, name types.NetworkInterfaceName) (Interface, error)

	// TryFindInterface reports false instead of failing for unknown names.
	TryFindInterface(ctx context.Context, name types.NetworkInterfaceName) (Interface, bool, error)

	CreateEmptyBridge(ctx context.Context, name types.NetworkInterfaceName) (Interface, error)
	CreateGretap(ctx context.Context, name types.NetworkInterfaceName, local, remote netip.Addr) (Interface, error)
	SetUp(ctx context.Context, iface Interface) error
	SetDown(ctx context.Context, iface Interface) error
	JoinInterfaceToBridge(ctx context.Context, iface, bridge Interface) error
	DeleteInterface(ctx context.Context, iface Interface) error
}

// Error describes a failed interface operation.
type Error struct {
	Op   string
	Name types.NetworkInterfaceName
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("failed to %s interface '%s': %v", e.Op, e.Name, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func opError(op string, name types.NetworkInterfaceName, err error) error {
	return &Error{Op: op, Name: name, Err: err}
}

// tryFind implements TryFindInterface on top of FindInterface.
func tryFind(ctx context.Context, m Manager, name types.NetworkInterfaceName) (Interface, bool, error) {
	iface, err := m.FindInterface(ctx, name)
	if errors.Is(err, ErrInterfaceNotFound) {
		return Interface{}, false, nil
	}
	if err != nil {
		return Interface{}, false, err
	}
	return iface, true, nil
}

// GretapName derives a stable tunnel name for the remote address.
func GretapName(remote netip.Addr) types.NetworkInterfaceName {
	b := remote.As16()
	return types.NetworkInterfaceName(fmt.Sprintf("gre-%02x%02x%02x%02x", b[12], b[13], b[14], b[15]))
}
