package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		minimumDevicesPolicy(),
		leaderDevicePolicy(),
		uniqueDeviceNamesPolicy(),
	}
}

func minimumDevicesPolicy() Policy {
	return Policy{
		Name:        "cluster-minimum-devices",
		Description: "A cluster needs at least two devices",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"cluster", "devices"},
		Rego: `package fleet.admission.devices

import rego.v1

deny contains violation if {
	count(input.cluster.devices) < 2
	violation := {
		"message": sprintf("cluster '%s' needs at least 2 devices, got %d", [input.cluster.name, count(input.cluster.devices)]),
		"resource": input.cluster.id,
	}
}
`,
	}
}

func leaderDevicePolicy() Policy {
	return Policy{
		Name:        "cluster-leader-device",
		Description: "The leader must own a device of the cluster",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"cluster", "leader"},
		Rego: `package fleet.admission.leader

import rego.v1

leader_devices contains device.id if {
	some peer in input.peers
	peer.id == input.cluster.leader
	some device in peer.devices
}

leader_owns_device if {
	some id in input.cluster.devices
	id in leader_devices
}

deny contains violation if {
	not leader_owns_device
	violation := {
		"message": sprintf("leader <%s> of cluster '%s' owns none of its devices", [input.cluster.leader, input.cluster.name]),
		"resource": input.cluster.leader,
	}
}
`,
	}
}

func uniqueDeviceNamesPolicy() Policy {
	return Policy{
		Name:        "cluster-unique-device-names",
		Description: "Device names are unique within a cluster",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"cluster", "devices", "naming"},
		Rego: `package fleet.admission.names

import rego.v1

cluster_devices contains device if {
	some peer in input.peers
	some device in peer.devices
	device.id in input.cluster.devices
}

deny contains violation if {
	some a in cluster_devices
	some b in cluster_devices
	a.id < b.id
	a.name == b.name
	violation := {
		"message": sprintf("device name '%s' is used by more than one device of cluster '%s'", [a.name, input.cluster.name]),
		"resource": input.cluster.id,
	}
}
`,
	}
}
