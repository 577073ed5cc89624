package devices

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/mdlayher/netlink"

	"github.com/openfroyo/fleet/pkg/types"
)

func TestMemoryManagerBridgeLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager("eth0", "eth1")

	bridge, err := m.CreateEmptyBridge(ctx, "br-opendut")
	if err != nil {
		t.Fatalf("CreateEmptyBridge() error = %v", err)
	}
	if !bridge.IsBridge() {
		t.Errorf("created interface kind = %q, want bridge", bridge.Kind)
	}
	if _, err := m.CreateEmptyBridge(ctx, "br-opendut"); !errors.Is(err, ErrInterfaceExists) {
		t.Errorf("second CreateEmptyBridge() error = %v, want ErrInterfaceExists", err)
	}

	if err := m.SetUp(ctx, bridge); err != nil {
		t.Fatalf("SetUp() error = %v", err)
	}

	eth0, err := m.FindInterface(ctx, "eth0")
	if err != nil {
		t.Fatalf("FindInterface() error = %v", err)
	}
	if err := m.JoinInterfaceToBridge(ctx, eth0, bridge); err != nil {
		t.Fatalf("JoinInterfaceToBridge() error = %v", err)
	}

	eth0, _ = m.FindInterface(ctx, "eth0")
	if eth0.Master != bridge.Index {
		t.Errorf("eth0 master = %d, want %d", eth0.Master, bridge.Index)
	}
	bridge, _ = m.FindInterface(ctx, "br-opendut")
	if !bridge.Up {
		t.Error("bridge should be up")
	}

	if err := m.DeleteInterface(ctx, bridge); err != nil {
		t.Fatalf("DeleteInterface() error = %v", err)
	}
	eth0, _ = m.FindInterface(ctx, "eth0")
	if eth0.Master != 0 {
		t.Errorf("eth0 still joined to deleted bridge")
	}
}

func TestMemoryManagerJoinRequiresBridge(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager("eth0", "eth1")

	eth0, _ := m.FindInterface(ctx, "eth0")
	eth1, _ := m.FindInterface(ctx, "eth1")
	if err := m.JoinInterfaceToBridge(ctx, eth0, eth1); err == nil {
		t.Error("joining a non-bridge should fail")
	}
}

func TestTryFindInterface(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager("eth0")

	tests := []struct {
		name  types.NetworkInterfaceName
		found bool
	}{
		{"eth0", true},
		{"eth9", false},
	}
	for _, tt := range tests {
		t.Run(tt.name.String(), func(t *testing.T) {
			_, found, err := m.TryFindInterface(ctx, tt.name)
			if err != nil {
				t.Fatalf("TryFindInterface() error = %v", err)
			}
			if found != tt.found {
				t.Errorf("found = %v, want %v", found, tt.found)
			}
		})
	}

	_, err := m.FindInterface(ctx, "eth9")
	var opErr *Error
	if !errors.As(err, &opErr) || !errors.Is(err, ErrInterfaceNotFound) {
		t.Errorf("FindInterface() error = %v, want *Error wrapping ErrInterfaceNotFound", err)
	}
}

func TestGretap(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager()
	local := netip.MustParseAddr("10.0.0.1")
	remote := netip.MustParseAddr("10.0.0.2")

	name := GretapName(remote)
	if name != "gre-0a000002" {
		t.Errorf("GretapName() = %q", name)
	}
	if err := name.Validate(); err != nil {
		t.Errorf("GretapName() produced invalid name: %v", err)
	}

	if _, err := m.CreateGretap(ctx, name, local, remote); err != nil {
		t.Fatalf("CreateGretap() error = %v", err)
	}
	gotLocal, gotRemote, ok := m.Tunnel(name)
	if !ok || gotLocal != local || gotRemote != remote {
		t.Errorf("Tunnel() = %s, %s, %v", gotLocal, gotRemote, ok)
	}

	interfaces, err := m.ListInterfaces(ctx)
	if err != nil || len(interfaces) != 1 || interfaces[0].Kind != KindGretap {
		t.Errorf("ListInterfaces() = %v, %v", interfaces, err)
	}
}

func TestGretapDataCarriesTunnelEndpoints(t *testing.T) {
	local := netip.MustParseAddr("192.168.32.200")
	remote := netip.MustParseAddr("192.168.32.201")

	data, err := gretapData(local, remote)
	if err != nil {
		t.Fatalf("gretapData() error = %v", err)
	}

	ad, err := netlink.NewAttributeDecoder(data)
	if err != nil {
		t.Fatalf("NewAttributeDecoder() error = %v", err)
	}
	got := make(map[uint16]netip.Addr)
	for ad.Next() {
		addr, ok := netip.AddrFromSlice(ad.Bytes())
		if !ok {
			t.Fatalf("attribute %d is not an address: %x", ad.Type(), ad.Bytes())
		}
		got[ad.Type()] = addr
	}
	if err := ad.Err(); err != nil {
		t.Fatalf("decode error = %v", err)
	}

	if got[iflaGRELocal] != local {
		t.Errorf("local = %s, want %s", got[iflaGRELocal], local)
	}
	if got[iflaGRERemote] != remote {
		t.Errorf("remote = %s, want %s", got[iflaGRERemote], remote)
	}
}
