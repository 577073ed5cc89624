package devices

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"sync"

	"github.com/openfroyo/fleet/pkg/types"
)

// MemoryManager models interfaces in process. It backs dry runs and tests.
type MemoryManager struct {
	mu         sync.Mutex
	next       uint32
	interfaces map[types.NetworkInterfaceName]*memoryInterface
}

type memoryInterface struct {
	Interface
	local, remote netip.Addr
}

// NewMemoryManager creates a manager holding the given pre-existing ethernet interfaces.
func NewMemoryManager(existing ...types.NetworkInterfaceName) *MemoryManager {
	m := &MemoryManager{interfaces: make(map[types.NetworkInterfaceName]*memoryInterface)}
	for _, name := range existing {
		m.add(name, "")
	}
	return m
}

func (m *MemoryManager) add(name types.NetworkInterfaceName, kind string) *memoryInterface {
	m.next++
	iface := &memoryInterface{Interface: Interface{Index: m.next, Name: name, Kind: kind}}
	m.interfaces[name] = iface
	return iface
}

func (m *MemoryManager) ListInterfaces(context.Context) ([]Interface, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	interfaces := make([]Interface, 0, len(m.interfaces))
	for _, iface := range m.interfaces {
		interfaces = append(interfaces, iface.Interface)
	}
	sort.Slice(interfaces, func(i, j int) bool { return interfaces[i].Index < interfaces[j].Index })
	return interfaces, nil
}

func (m *MemoryManager) FindInterface(_ context.Context, name types.NetworkInterfaceName) (Interface, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	iface, ok := m.interfaces[name]
	if !ok {
		return Interface{}, opError("find", name, ErrInterfaceNotFound)
	}
	return iface.Interface, nil
}

func (m *MemoryManager) TryFindInterface(ctx context.Context, name types.NetworkInterfaceName) (Interface, bool, error) {
	return tryFind(ctx, m, name)
}

func (m *MemoryManager) CreateEmptyBridge(_ context.Context, name types.NetworkInterfaceName) (Interface, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.interfaces[name]; ok {
		return Interface{}, opError("create", name, ErrInterfaceExists)
	}
	return m.add(name, KindBridge).Interface, nil
}

func (m *MemoryManager) CreateGretap(_ context.Context, name types.NetworkInterfaceName, local, remote netip.Addr) (Interface, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.interfaces[name]; ok {
		return Interface{}, opError("create", name, ErrInterfaceExists)
	}
	iface := m.add(name, KindGretap)
	iface.local, iface.remote = local, remote
	return iface.Interface, nil
}

// Tunnel returns the endpoints of a gretap interface.
func (m *MemoryManager) Tunnel(name types.NetworkInterfaceName) (local, remote netip.Addr, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	iface, found := m.interfaces[name]
	if !found || iface.Kind != KindGretap {
		return netip.Addr{}, netip.Addr{}, false
	}
	return iface.local, iface.remote, true
}

func (m *MemoryManager) SetUp(_ context.Context, iface Interface) error {
	return m.update(iface, "set up", func(i *memoryInterface) error {
		i.Up = true
		return nil
	})
}

func (m *MemoryManager) SetDown(_ context.Context, iface Interface) error {
	return m.update(iface, "set down", func(i *memoryInterface) error {
		i.Up = false
		return nil
	})
}

func (m *MemoryManager) JoinInterfaceToBridge(_ context.Context, iface, bridge Interface) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, ok := m.interfaces[bridge.Name]
	if !ok {
		return opError("join", iface.Name, fmt.Errorf("bridge '%s': %w", bridge.Name, ErrInterfaceNotFound))
	}
	if !target.IsBridge() {
		return opError("join", iface.Name, fmt.Errorf("'%s' is not a bridge", bridge.Name))
	}
	member, ok := m.interfaces[iface.Name]
	if !ok {
		return opError("join", iface.Name, ErrInterfaceNotFound)
	}
	member.Master = target.Index
	return nil
}

func (m *MemoryManager) DeleteInterface(_ context.Context, iface Interface) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted, ok := m.interfaces[iface.Name]
	if !ok {
		return opError("delete", iface.Name, ErrInterfaceNotFound)
	}
	delete(m.interfaces, iface.Name)

	// Deleting a bridge releases its members.
	for _, other := range m.interfaces {
		if other.Master == deleted.Index {
			other.Master = 0
		}
	}
	return nil
}

func (m *MemoryManager) update(iface Interface, op string, fn func(*memoryInterface) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, ok := m.interfaces[iface.Name]
	if !ok {
		return opError(op, iface.Name, ErrInterfaceNotFound)
	}
	return fn(target)
}
