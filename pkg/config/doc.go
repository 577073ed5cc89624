// Package config loads process settings and fleet manifests.
//
// # Settings
//
// Settings configure the control plane and the agent. They are assembled in
// layers, later layers winning:
//
//  1. DefaultSettings
//  2. the YAML file passed to LoadSettings
//  3. FLEET_* environment variables (a .env file in the working directory is
//     loaded into the environment first)
//
// The result is checked with validator struct tags. Helpers derive the
// telemetry, storage and broker configuration from it.
//
//	settings, err := config.LoadSettings("/etc/fleet/fleet.yaml")
//	if err != nil {
//	    return err
//	}
//	tel, err := telemetry.New(settings.TelemetryConfig("fleet", version))
//
// # Manifests
//
// A manifest declares peers, cluster configurations and deployments in CUE:
//
//	peers: carl: {
//	    id: "c3a1a6a0-3f0e-4d5b-9d1c-1e0c2b9a7f01"
//	    network: interfaces: [{id: "...", name: "eth0"}]
//	}
//	clusters: demo: {
//	    id:      "..."
//	    leader:  peers.carl.id
//	    devices: [...]
//	}
//	deployments: [{id: clusters.demo.id}]
//
// Map keys become names unless a name is given. ManifestParser unifies the
// sources with the embedded #Manifest schema, fills defaults (ethernet
// interfaces, docker engine, empty lists), decodes the result into the types
// package and runs its validation. Problems are collected in Manifest.Errors
// with file positions where CUE knows them.
//
// SchemaRegistry exposes the individual definitions (#Peer, #Cluster, ...)
// and accepts additional schemas.
package config
