package devices

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"

	"github.com/jsimonetti/rtnetlink"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"

	"github.com/openfroyo/fleet/pkg/types"
)

// GRE link attributes from linux/if_tunnel.h.
const (
	iflaGRELocal  = 6
	iflaGRERemote = 7
)

// NetlinkManager manages interfaces of the host through rtnetlink.
type NetlinkManager struct {
	conn *rtnetlink.Conn
}

// NewNetlinkManager opens a route netlink socket.
func NewNetlinkManager() (*NetlinkManager, error) {
	conn, err := rtnetlink.Dial(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rtnetlink: %w", err)
	}
	return &NetlinkManager{conn: conn}, nil
}

// Close releases the netlink socket.
func (m *NetlinkManager) Close() error {
	return m.conn.Close()
}

func (m *NetlinkManager) ListInterfaces(ctx context.Context) ([]Interface, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	links, err := m.conn.Link.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	interfaces := make([]Interface, 0, len(links))
	for _, link := range links {
		interfaces = append(interfaces, fromLink(link))
	}
	return interfaces, nil
}

func (m *NetlinkManager) FindInterface(ctx context.Context, name types.NetworkInterfaceName) (Interface, error) {
	interfaces, err := m.ListInterfaces(ctx)
	if err != nil {
		return Interface{}, err
	}
	for _, iface := range interfaces {
		if iface.Name == name {
			return iface, nil
		}
	}
	return Interface{}, opError("find", name, ErrInterfaceNotFound)
}

func (m *NetlinkManager) TryFindInterface(ctx context.Context, name types.NetworkInterfaceName) (Interface, bool, error) {
	return tryFind(ctx, m, name)
}

func (m *NetlinkManager) CreateEmptyBridge(ctx context.Context, name types.NetworkInterfaceName) (Interface, error) {
	return m.create(ctx, name, &rtnetlink.LinkInfo{Kind: KindBridge})
}

func (m *NetlinkManager) CreateGretap(ctx context.Context, name types.NetworkInterfaceName, local, remote netip.Addr) (Interface, error) {
	if !local.Is4() || !remote.Is4() {
		return Interface{}, opError("create", name, fmt.Errorf("gretap endpoints must be IPv4, got %s -> %s", local, remote))
	}

	data, err := gretapData(local, remote)
	if err != nil {
		return Interface{}, opError("create", name, err)
	}

	return m.create(ctx, name, &rtnetlink.LinkInfo{Kind: KindGretap, Data: data})
}

func gretapData(local, remote netip.Addr) ([]byte, error) {
	ae := netlink.NewAttributeEncoder()
	localBytes := local.As4()
	remoteBytes := remote.As4()
	ae.Bytes(iflaGRELocal, localBytes[:])
	ae.Bytes(iflaGRERemote, remoteBytes[:])
	return ae.Encode()
}

func (m *NetlinkManager) create(ctx context.Context, name types.NetworkInterfaceName, info *rtnetlink.LinkInfo) (Interface, error) {
	if _, found, err := m.TryFindInterface(ctx, name); err != nil {
		return Interface{}, err
	} else if found {
		return Interface{}, opError("create", name, ErrInterfaceExists)
	}

	err := m.conn.Link.New(&rtnetlink.LinkMessage{
		Family: unix.AF_UNSPEC,
		Attributes: &rtnetlink.LinkAttributes{
			Name: name.String(),
			Info: info,
		},
	})
	if err != nil {
		return Interface{}, opError("create", name, permissionHint(err))
	}
	return m.FindInterface(ctx, name)
}

func (m *NetlinkManager) SetUp(ctx context.Context, iface Interface) error {
	return m.setFlags(ctx, iface, unix.IFF_UP, "set up")
}

func (m *NetlinkManager) SetDown(ctx context.Context, iface Interface) error {
	return m.setFlags(ctx, iface, 0, "set down")
}

func (m *NetlinkManager) setFlags(ctx context.Context, iface Interface, flags uint32, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := m.conn.Link.Set(&rtnetlink.LinkMessage{
		Family: unix.AF_UNSPEC,
		Index:  iface.Index,
		Flags:  flags,
		Change: unix.IFF_UP,
	})
	if err != nil {
		return opError(op, iface.Name, permissionHint(err))
	}
	return nil
}

func (m *NetlinkManager) JoinInterfaceToBridge(ctx context.Context, iface, bridge Interface) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !bridge.IsBridge() {
		return opError("join", iface.Name, fmt.Errorf("'%s' is not a bridge", bridge.Name))
	}
	master := bridge.Index
	err := m.conn.Link.Set(&rtnetlink.LinkMessage{
		Family: unix.AF_UNSPEC,
		Index:  iface.Index,
		Attributes: &rtnetlink.LinkAttributes{
			Master: &master,
		},
	})
	if err != nil {
		return opError("join", iface.Name, permissionHint(err))
	}
	return nil
}

func (m *NetlinkManager) DeleteInterface(ctx context.Context, iface Interface) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.conn.Link.Delete(iface.Index); err != nil {
		return opError("delete", iface.Name, permissionHint(err))
	}
	return nil
}

func fromLink(link rtnetlink.LinkMessage) Interface {
	iface := Interface{
		Index: link.Index,
		Up:    link.Flags&unix.IFF_UP != 0,
	}
	if attrs := link.Attributes; attrs != nil {
		iface.Name = types.NetworkInterfaceName(attrs.Name)
		if attrs.Master != nil {
			iface.Master = *attrs.Master
		}
		if attrs.Info != nil {
			iface.Kind = attrs.Info.Kind
		}
	}
	return iface
}

func permissionHint(err error) error {
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w (CAP_NET_ADMIN required)", err)
	}
	return err
}
