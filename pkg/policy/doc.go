// Package policy admits or denies cluster deployments with Open Policy Agent.
//
// The engine evaluates Rego policies against the cluster that is about to be
// deployed and the descriptors of the peers owning its devices. Every policy
// contributes violations through a `deny` set:
//
//	package fleet.admission.custom
//
//	import rego.v1
//
//	deny contains violation if {
//	    some peer in input.peers
//	    peer.location == ""
//	    violation := {
//	        "message": sprintf("peer '%s' has no location", [peer.name]),
//	        "severity": "warning",
//	    }
//	}
//
// # Input
//
// input.cluster carries id, name, leader and devices (device ids).
// input.peers lists the member peers with id, name, location and devices
// (id and name of each device). input.context holds the operation and the
// evaluation timestamp.
//
// # Severity
//
// Violations with severity error or critical block the deployment; info and
// warning violations are reported as warnings. A violation without severity
// inherits the severity of its policy.
//
// # Built-in policies
//
//   - cluster-minimum-devices: a cluster needs at least two devices
//   - cluster-leader-device: the leader must own a device of the cluster
//   - cluster-unique-device-names: device names are unique within a cluster
//
// # Hot reload
//
// Additional policies are loaded from .rego and .json files. Engine.Watch
// reloads them when the files change:
//
//	engine, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := engine.Watch(ctx, []string{"/etc/fleet/policies"}); err != nil {
//	    return err
//	}
package policy
