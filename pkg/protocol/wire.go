package protocol

import (
	"math"
	"net/netip"
	"sort"

	"github.com/openfroyo/fleet/pkg/configuration"
	"github.com/openfroyo/fleet/pkg/types"
)

// WirePeerConfiguration is the wire form of configuration.PeerConfiguration.
// Parameters are listed in kind order: device interfaces, bridges, executors.
type WirePeerConfiguration struct {
	Parameters []WireParameter `json:"parameters"`
}

// WireParameter carries exactly one of its value fields.
type WireParameter struct {
	ID              string                `json:"id"`
	Dependencies    []string              `json:"dependencies,omitempty"`
	Target          string                `json:"target"`
	DeviceInterface *WireNetworkInterface `json:"device_interface,omitempty"`
	EthernetBridge  *WireEthernetBridge   `json:"ethernet_bridge,omitempty"`
	Executor        *WireExecutor         `json:"executor,omitempty"`
}

type WireNetworkInterface struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Type string   `json:"type"`
	CAN  *WireCAN `json:"can,omitempty"`
}

type WireCAN struct {
	Bitrate         uint32  `json:"bitrate"`
	SamplePoint     float32 `json:"sample_point"`
	FD              bool    `json:"fd"`
	DataBitrate     uint32  `json:"data_bitrate"`
	DataSamplePoint float32 `json:"data_sample_point"`
}

type WireEthernetBridge struct {
	Name string `json:"name"`
}

type WireExecutor struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Container  *WireContainer `json:"container,omitempty"`
	ResultsURL string         `json:"results_url,omitempty"`
}

type WireContainer struct {
	Engine  string            `json:"engine"`
	Name    string            `json:"name,omitempty"`
	Image   string            `json:"image"`
	Volumes []string          `json:"volumes,omitempty"`
	Devices []string          `json:"devices,omitempty"`
	Envs    map[string]string `json:"envs,omitempty"`
	Ports   []string          `json:"ports,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
}

// WireOldPeerConfiguration is the wire form of configuration.OldPeerConfiguration.
type WireOldPeerConfiguration struct {
	ClusterAssignment *WireClusterAssignment `json:"cluster_assignment,omitempty"`
}

type WireClusterAssignment struct {
	ID          string                      `json:"id"`
	Leader      string                      `json:"leader"`
	Assignments []WirePeerClusterAssignment `json:"assignments"`
}

type WirePeerClusterAssignment struct {
	PeerID        string `json:"peer_id"`
	VPNAddress    string `json:"vpn_address"`
	CANServerPort uint32 `json:"can_server_port"`
}

// ConfigurationToWire converts a peer configuration into its wire form.
func ConfigurationToWire(cfg configuration.PeerConfiguration) *WirePeerConfiguration {
	out := &WirePeerConfiguration{Parameters: make([]WireParameter, 0, len(cfg.Parameters()))}

	for _, p := range cfg.DeviceInterfaces {
		wp := wireParameterHeader(p.ID, p.Target, p.Dependencies)
		wp.DeviceInterface = interfaceToWire(p.Value.Descriptor)
		out.Parameters = append(out.Parameters, wp)
	}
	for _, p := range cfg.EthernetBridges {
		wp := wireParameterHeader(p.ID, p.Target, p.Dependencies)
		wp.EthernetBridge = &WireEthernetBridge{Name: p.Value.Name.String()}
		out.Parameters = append(out.Parameters, wp)
	}
	for _, p := range cfg.Executors {
		wp := wireParameterHeader(p.ID, p.Target, p.Dependencies)
		wp.Executor = executorToWire(p.Value.Descriptor)
		out.Parameters = append(out.Parameters, wp)
	}

	return out
}

func wireParameterHeader(id configuration.ParameterID, target configuration.ParameterTarget, deps []configuration.ParameterID) WireParameter {
	wp := WireParameter{ID: id.String(), Target: string(target)}
	for _, dep := range deps {
		wp.Dependencies = append(wp.Dependencies, dep.String())
	}
	return wp
}

func interfaceToWire(d types.NetworkInterfaceDescriptor) *WireNetworkInterface {
	w := &WireNetworkInterface{
		ID:   d.ID.String(),
		Name: d.Name.String(),
		Type: string(d.Configuration.Type),
	}
	if c := d.Configuration.CAN; c != nil {
		w.CAN = &WireCAN{
			Bitrate:         c.Bitrate,
			SamplePoint:     c.SamplePoint,
			FD:              c.FD,
			DataBitrate:     c.DataBitrate,
			DataSamplePoint: c.DataSamplePoint,
		}
	}
	return w
}

func executorToWire(d types.ExecutorDescriptor) *WireExecutor {
	w := &WireExecutor{
		ID:         d.ID.String(),
		Kind:       string(d.Kind.Type),
		ResultsURL: d.ResultsURL,
	}
	if c := d.Kind.Container; c != nil {
		w.Container = &WireContainer{
			Engine:  string(c.Engine),
			Name:    c.Name,
			Image:   c.Image,
			Volumes: c.Volumes,
			Devices: c.Devices,
			Ports:   c.Ports,
			Command: c.Command,
			Args:    c.Args,
		}
		if len(c.Envs) > 0 {
			w.Container.Envs = make(map[string]string, len(c.Envs))
			for _, env := range c.Envs {
				w.Container.Envs[env.Name] = env.Value
			}
		}
	}
	return w
}

// ConfigurationFromWire converts the wire form back into a peer configuration.
func ConfigurationFromWire(w *WirePeerConfiguration) (configuration.PeerConfiguration, error) {
	const from, to = "WirePeerConfiguration", "PeerConfiguration"

	var cfg configuration.PeerConfiguration
	if w == nil {
		return cfg, fieldNotSet(from, to, "configuration")
	}

	for i := range w.Parameters {
		value, target, deps, err := parameterFromWire(&w.Parameters[i])
		if err != nil {
			return configuration.PeerConfiguration{}, err
		}
		cfg.Set(value, target, deps...)
	}

	return cfg, nil
}

func parameterFromWire(w *WireParameter) (configuration.ParameterValue, configuration.ParameterTarget, []configuration.ParameterID, error) {
	const from, to = "WireParameter", "Parameter"

	if w.ID == "" {
		return nil, "", nil, fieldNotSet(from, to, "id")
	}
	id, err := parseParameterID(w.ID)
	if err != nil {
		return nil, "", nil, conversionError(from, to, "invalid id '%s'", w.ID)
	}

	target := configuration.ParameterTarget(w.Target)
	if w.Target == "" {
		return nil, "", nil, fieldNotSet(from, to, "target")
	}
	if !target.Valid() {
		return nil, "", nil, conversionError(from, to, "unknown target '%s'", w.Target)
	}

	var deps []configuration.ParameterID
	for _, raw := range w.Dependencies {
		dep, err := parseParameterID(raw)
		if err != nil {
			return nil, "", nil, conversionError(from, to, "invalid dependency '%s'", raw)
		}
		deps = append(deps, dep)
	}

	var value configuration.ParameterValue
	set := 0
	if w.DeviceInterface != nil {
		set++
		descriptor, err := interfaceFromWire(w.DeviceInterface)
		if err != nil {
			return nil, "", nil, err
		}
		value = configuration.DeviceInterface{Descriptor: descriptor}
	}
	if w.EthernetBridge != nil {
		set++
		name, err := types.NewNetworkInterfaceName(w.EthernetBridge.Name)
		if err != nil {
			return nil, "", nil, conversionError("WireEthernetBridge", "EthernetBridge", "%v", err)
		}
		value = configuration.EthernetBridge{Name: name}
	}
	if w.Executor != nil {
		set++
		descriptor, err := executorFromWire(w.Executor)
		if err != nil {
			return nil, "", nil, err
		}
		value = configuration.Executor{Descriptor: descriptor}
	}

	switch {
	case set == 0:
		return nil, "", nil, fieldNotSet(from, to, "value")
	case set > 1:
		return nil, "", nil, conversionError(from, to, "parameter <%s> carries %d values", w.ID, set)
	}

	if value.ParameterID() != id {
		return nil, "", nil, conversionError(from, to,
			"parameter id <%s> does not match its value identity <%s>", w.ID, value.ParameterID())
	}

	return value, target, deps, nil
}

func parseParameterID(s string) (configuration.ParameterID, error) {
	var id configuration.ParameterID
	err := id.UnmarshalText([]byte(s))
	return id, err
}

func interfaceFromWire(w *WireNetworkInterface) (types.NetworkInterfaceDescriptor, error) {
	const from, to = "WireNetworkInterface", "NetworkInterfaceDescriptor"

	if w.ID == "" {
		return types.NetworkInterfaceDescriptor{}, fieldNotSet(from, to, "id")
	}
	id, err := types.ParseNetworkInterfaceID(w.ID)
	if err != nil {
		return types.NetworkInterfaceDescriptor{}, conversionError(from, to, "%v", err)
	}
	name, err := types.NewNetworkInterfaceName(w.Name)
	if err != nil {
		return types.NetworkInterfaceDescriptor{}, conversionError(from, to, "%v", err)
	}

	d := types.NetworkInterfaceDescriptor{ID: id, Name: name}
	switch types.NetworkInterfaceConfigurationType(w.Type) {
	case types.NetworkInterfaceEthernet:
		d.Configuration = types.EthernetConfiguration()
	case types.NetworkInterfaceCAN:
		if w.CAN == nil {
			return types.NetworkInterfaceDescriptor{}, fieldNotSet(from, to, "can")
		}
		d.Configuration = types.NetworkInterfaceConfiguration{
			Type: types.NetworkInterfaceCAN,
			CAN: &types.CANConfiguration{
				Bitrate:         w.CAN.Bitrate,
				SamplePoint:     w.CAN.SamplePoint,
				FD:              w.CAN.FD,
				DataBitrate:     w.CAN.DataBitrate,
				DataSamplePoint: w.CAN.DataSamplePoint,
			},
		}
	case "":
		return types.NetworkInterfaceDescriptor{}, fieldNotSet(from, to, "type")
	default:
		return types.NetworkInterfaceDescriptor{}, conversionError(from, to, "unknown interface type '%s'", w.Type)
	}

	return d, nil
}

func executorFromWire(w *WireExecutor) (types.ExecutorDescriptor, error) {
	const from, to = "WireExecutor", "ExecutorDescriptor"

	if w.ID == "" {
		return types.ExecutorDescriptor{}, fieldNotSet(from, to, "id")
	}
	id, err := types.ParseExecutorID(w.ID)
	if err != nil {
		return types.ExecutorDescriptor{}, conversionError(from, to, "%v", err)
	}

	d := types.ExecutorDescriptor{ID: id, ResultsURL: w.ResultsURL}
	switch types.ExecutorKindType(w.Kind) {
	case types.ExecutorExecutable:
		d.Kind = types.ExecutorKind{Type: types.ExecutorExecutable}
	case types.ExecutorContainer:
		if w.Container == nil {
			return types.ExecutorDescriptor{}, fieldNotSet(from, to, "container")
		}
		c := w.Container
		spec := &types.ContainerSpec{
			Engine:  types.ContainerEngine(c.Engine),
			Name:    c.Name,
			Image:   c.Image,
			Volumes: c.Volumes,
			Devices: c.Devices,
			Ports:   c.Ports,
			Command: c.Command,
			Args:    c.Args,
		}
		for _, name := range sortedKeys(c.Envs) {
			spec.Envs = append(spec.Envs, types.EnvironmentVariable{Name: name, Value: c.Envs[name]})
		}
		d.Kind = types.ExecutorKind{Type: types.ExecutorContainer, Container: spec}
	case "":
		return types.ExecutorDescriptor{}, fieldNotSet(from, to, "kind")
	default:
		return types.ExecutorDescriptor{}, conversionError(from, to, "unknown executor kind '%s'", w.Kind)
	}

	if err := d.Validate(); err != nil {
		return types.ExecutorDescriptor{}, conversionError(from, to, "%v", err)
	}
	return d, nil
}

// OldConfigurationToWire converts the legacy configuration into its wire form.
func OldConfigurationToWire(cfg configuration.OldPeerConfiguration) *WireOldPeerConfiguration {
	out := &WireOldPeerConfiguration{}
	if a := cfg.ClusterAssignment; a != nil {
		wa := &WireClusterAssignment{
			ID:          a.ID.String(),
			Leader:      a.Leader.String(),
			Assignments: make([]WirePeerClusterAssignment, 0, len(a.Assignments)),
		}
		for _, pa := range a.Assignments {
			wa.Assignments = append(wa.Assignments, WirePeerClusterAssignment{
				PeerID:        pa.PeerID.String(),
				VPNAddress:    pa.VPNAddress.String(),
				CANServerPort: uint32(pa.CANServerPort),
			})
		}
		out.ClusterAssignment = wa
	}
	return out
}

// OldConfigurationFromWire converts the wire form back into the legacy configuration.
func OldConfigurationFromWire(w *WireOldPeerConfiguration) (configuration.OldPeerConfiguration, error) {
	const from, to = "WireClusterAssignment", "ClusterAssignment"

	var cfg configuration.OldPeerConfiguration
	if w == nil {
		return cfg, fieldNotSet("WireOldPeerConfiguration", "OldPeerConfiguration", "old_configuration")
	}
	if w.ClusterAssignment == nil {
		return cfg, nil
	}

	wa := w.ClusterAssignment
	if wa.ID == "" {
		return cfg, fieldNotSet(from, to, "id")
	}
	clusterID, err := types.ParseClusterID(wa.ID)
	if err != nil {
		return cfg, conversionError(from, to, "%v", err)
	}
	if wa.Leader == "" {
		return cfg, fieldNotSet(from, to, "leader")
	}
	leader, err := types.ParsePeerID(wa.Leader)
	if err != nil {
		return cfg, conversionError(from, to, "%v", err)
	}

	assignment := &types.ClusterAssignment{ID: clusterID, Leader: leader}
	for _, pa := range wa.Assignments {
		peerID, err := types.ParsePeerID(pa.PeerID)
		if err != nil {
			return cfg, conversionError("WirePeerClusterAssignment", "PeerClusterAssignment", "%v", err)
		}
		if pa.VPNAddress == "" {
			return cfg, fieldNotSet("WirePeerClusterAssignment", "PeerClusterAssignment", "vpn_address")
		}
		addr, err := netip.ParseAddr(pa.VPNAddress)
		if err != nil {
			return cfg, conversionError("WirePeerClusterAssignment", "PeerClusterAssignment",
				"invalid vpn address '%s'", pa.VPNAddress)
		}
		if pa.CANServerPort > math.MaxUint16 {
			return cfg, conversionError("WirePeerClusterAssignment", "PeerClusterAssignment",
				"port %d is out of range", pa.CANServerPort)
		}
		assignment.Assignments = append(assignment.Assignments, types.PeerClusterAssignment{
			PeerID:        peerID,
			VPNAddress:    addr,
			CANServerPort: uint16(pa.CANServerPort),
		})
	}

	cfg.ClusterAssignment = assignment
	return cfg, nil
}

// DecodeApply converts both halves of an apply message.
func DecodeApply(apply *ApplyPeerConfiguration) (configuration.OldPeerConfiguration, configuration.PeerConfiguration, error) {
	old, err := OldConfigurationFromWire(apply.OldConfiguration)
	if err != nil {
		return configuration.OldPeerConfiguration{}, configuration.PeerConfiguration{}, err
	}
	cfg, err := ConfigurationFromWire(apply.Configuration)
	if err != nil {
		return configuration.OldPeerConfiguration{}, configuration.PeerConfiguration{}, err
	}
	return old, cfg, nil
}

// EncodeApply builds the payload of an APPLY_PEER_CONFIGURATION message.
func EncodeApply(old configuration.OldPeerConfiguration, cfg configuration.PeerConfiguration) *ApplyPeerConfiguration {
	return &ApplyPeerConfiguration{
		OldConfiguration: OldConfigurationToWire(old),
		Configuration:    ConfigurationToWire(cfg),
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
