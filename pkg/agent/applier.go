package agent

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/openfroyo/fleet/pkg/configuration"
	"github.com/openfroyo/fleet/pkg/devices"
	"github.com/openfroyo/fleet/pkg/engine"
	"github.com/openfroyo/fleet/pkg/telemetry"
	"github.com/openfroyo/fleet/pkg/types"
)

const (
	deviceRetries   = 3
	executorRetries = 2
)

// Applier is the apply pipeline: it takes configurations from a mailbox and
// converges the host towards them, one configuration at a time.
type Applier struct {
	scheduler *engine.Scheduler
	logger    *telemetry.Logger
	tracer    *telemetry.Tracer
}

// NewApplier creates an applier running tasks with the given scheduler options.
func NewApplier(opts engine.Options, tel *telemetry.Telemetry) *Applier {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &Applier{
		scheduler: engine.NewScheduler(opts, tel),
		logger:    tel.Logger.NewComponentLogger("applier"),
		tracer:    tel.Tracer,
	}
}

// Run applies configurations from mailbox until ctx is done.
func (a *Applier) Run(ctx context.Context, mailbox *Mailbox) error {
	for {
		params, err := mailbox.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if _, err := a.Apply(ctx, params); err != nil {
			a.logger.WithError(err).Error("Applying configuration failed")
		}
	}
}

// Apply converges the host to params.Configuration. Task failures are
// returned as the joined error of the report.
func (a *Applier) Apply(ctx context.Context, params ApplyPeerConfigurationParams) (*engine.Report, error) {
	ctx, span := a.tracer.StartPeerSpan(ctx, "agent.apply_configuration", params.SelfID.String())
	defer span.End()

	units := buildUnits(params, a.logger)
	report, err := a.scheduler.Run(ctx, units)
	if params.Metrics != nil {
		params.Metrics.RecordApply(report, err)
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return report, err
	}

	a.logger.
		WithField("succeeded", report.Count(engine.StatusSucceeded)).
		WithField("unchanged", report.Count(engine.StatusUnchanged)).
		WithField("failed", report.Count(engine.StatusFailed)).
		WithField("skipped", report.Count(engine.StatusSkipped)).
		Infof("Applied configuration in %s", report.Duration)

	if err := report.Err(); err != nil {
		telemetry.RecordError(span, err)
		return report, err
	}
	telemetry.RecordSuccess(span)
	return report, nil
}

// unitSet collects units and maps parameter ids to the units realizing them.
type unitSet struct {
	units       []engine.Unit
	byParameter map[configuration.ParameterID]string
	present     map[string]struct{}
}

func (s *unitSet) add(unit engine.Unit, parameter *configuration.ParameterID) {
	if _, exists := s.present[unit.ID]; exists {
		return
	}
	s.present[unit.ID] = struct{}{}
	s.units = append(s.units, unit)
	if parameter != nil {
		s.byParameter[*parameter] = unit.ID
	}
}

// dependOn adds the units of the given parameters as dependencies of unitID.
func (s *unitSet) dependOn(unitID string, parameters []configuration.ParameterID) {
	for i := range s.units {
		if s.units[i].ID != unitID {
			continue
		}
		for _, parameter := range parameters {
			dep, ok := s.byParameter[parameter]
			if !ok || dep == unitID || contains(s.units[i].DependsOn, dep) {
				continue
			}
			s.units[i].DependsOn = append(s.units[i].DependsOn, dep)
		}
	}
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

// buildUnits turns a configuration into apply tasks.
func buildUnits(params ApplyPeerConfigurationParams, logger *telemetry.Logger) []engine.Unit {
	set := &unitSet{
		byParameter: make(map[configuration.ParameterID]string),
		present:     make(map[string]struct{}),
	}
	cfg := params.Configuration

	if params.DeviceManagement.Enabled && params.DeviceManagement.Manager != nil {
		addDeviceUnits(set, params, logger)
	} else if len(cfg.EthernetBridges)+len(cfg.DeviceInterfaces) > 0 {
		logger.Debug("Device management disabled, skipping network interface parameters")
	}

	if params.Executors != nil {
		for _, p := range cfg.Executors {
			id := p.ID
			unit := engine.Unit{ID: "executor:" + p.Value.Descriptor.ID.String(), Kind: "executor", MaxRetries: executorRetries}
			if p.Target == configuration.Present {
				unit.Task = &startExecutor{descriptor: p.Value.Descriptor, executors: params.Executors}
			} else {
				unit.Task = &stopExecutor{id: p.Value.Descriptor.ID, executors: params.Executors}
			}
			set.add(unit, &id)
		}
	}

	for _, p := range cfg.DeviceInterfaces {
		if unitID, ok := set.byParameter[p.ID]; ok {
			set.dependOn(unitID, p.Dependencies)
		}
	}
	for _, p := range cfg.EthernetBridges {
		if unitID, ok := set.byParameter[p.ID]; ok {
			set.dependOn(unitID, p.Dependencies)
		}
	}
	for _, p := range cfg.Executors {
		if unitID, ok := set.byParameter[p.ID]; ok {
			set.dependOn(unitID, p.Dependencies)
		}
	}

	return set.units
}

func addDeviceUnits(set *unitSet, params ApplyPeerConfigurationParams, logger *telemetry.Logger) {
	manager := params.DeviceManagement.Manager
	cfg := params.Configuration

	for _, p := range cfg.EthernetBridges {
		id := p.ID
		unit := engine.Unit{ID: bridgeUnitID(p.Value.Name), Kind: "bridge", MaxRetries: deviceRetries}
		if p.Target == configuration.Present {
			unit.Task = &createBridge{name: p.Value.Name, devices: manager}
		} else {
			unit.Task = &deleteInterface{name: p.Value.Name, devices: manager}
		}
		set.add(unit, &id)
	}

	bridge, hasBridge := cfg.PresentBridge()

	for _, p := range cfg.DeviceInterfaces {
		descriptor := p.Value.Descriptor
		if p.Target != configuration.Present || !hasBridge {
			continue
		}
		if descriptor.Configuration.Type != types.NetworkInterfaceEthernet {
			logger.Debugf("Skipping non-ethernet interface '%s'", descriptor.Name)
			continue
		}
		id := p.ID
		set.add(engine.Unit{
			ID:         "interface:" + descriptor.Name.String(),
			Kind:       "interface",
			Task:       &joinBridge{iface: descriptor.Name, bridge: bridge.Name, devices: manager},
			DependsOn:  []string{bridgeUnitID(bridge.Name)},
			MaxRetries: deviceRetries,
		}, &id)
	}

	keep := make(map[types.NetworkInterfaceName]struct{})
	if assignment := params.OldConfiguration.ClusterAssignment; assignment != nil && hasBridge {
		local, remotes, err := tunnelEndpoints(*assignment, params.SelfID)
		if err != nil {
			logger.WithError(err).Warn("Skipping GRE tunnels")
		}
		for _, remote := range remotes {
			keep[devices.GretapName(remote)] = struct{}{}
			set.add(engine.Unit{
				ID:         "tunnel:" + remote.String(),
				Kind:       "tunnel",
				Task:       &createTunnel{local: local, remote: remote, bridge: bridge.Name, devices: manager},
				DependsOn:  []string{bridgeUnitID(bridge.Name)},
				MaxRetries: deviceRetries,
			}, nil)
		}
	}
	set.add(engine.Unit{
		ID:   "tunnel:cleanup",
		Kind: "tunnel",
		Task: &removeStaleTunnels{keep: keep, devices: manager},
	}, nil)
}

func bridgeUnitID(name types.NetworkInterfaceName) string {
	return "bridge:" + name.String()
}

// tunnelEndpoints returns the local address and the remote addresses this
// peer tunnels to: the leader connects to every member, members to the leader.
func tunnelEndpoints(assignment types.ClusterAssignment, self types.PeerID) (netip.Addr, []netip.Addr, error) {
	own, ok := assignment.Find(self)
	if !ok {
		return netip.Addr{}, nil, fmt.Errorf("peer <%s> is not part of cluster <%s>", self, assignment.ID)
	}
	local := own.VPNAddress.Unmap()
	if !local.Is4() {
		return netip.Addr{}, nil, fmt.Errorf("GRE requires an IPv4 address, got %s", local)
	}

	var remotes []netip.Addr
	for _, other := range assignment.Assignments {
		if other.PeerID == self {
			continue
		}
		if self != assignment.Leader && other.PeerID != assignment.Leader {
			continue
		}
		remote := other.VPNAddress.Unmap()
		if !remote.Is4() {
			return local, remotes, fmt.Errorf("GRE requires an IPv4 address, got %s for peer <%s>", remote, other.PeerID)
		}
		remotes = append(remotes, remote)
	}
	return local, remotes, nil
}
