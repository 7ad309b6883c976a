// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package agentenv assembles and persists the boot-time configuration
// document consumed by the in-guest agent of a provisioned machine.
package agentenv

import (
	"github.com/juju/loggo"
	"github.com/vmware/govmomi/vim25/types"
)

var logger = loggo.GetLogger("vmprovision.agentenv")

// NetworkInfo describes one provisioned network interface: the hardware
// address the hypervisor assigned to it, and the caller-supplied
// configuration it carries into the guest.
type NetworkInfo struct {
	MAC      string
	Settings map[string]interface{}
}

// NetworkWiring maps logical network names to their provisioned
// interfaces.
type NetworkWiring map[string]NetworkInfo

// DiskWiring records the controller unit numbers the machine's disks
// ended up on after reconfiguration.
type DiskWiring struct {
	SystemUnit    int32
	EphemeralUnit int32
}

// Location identifies where a machine's files live on the deployment.
type Location struct {
	Datacenter string
	Datastore  string
	VMName     string
}

// Document is the environment document read by the in-guest agent at
// boot. The wire format is JSON; the agent contract fixes the key names.
type Document struct {
	VM       VMSpec                            `json:"vm"`
	AgentID  string                            `json:"agent_id"`
	Networks map[string]map[string]interface{} `json:"networks"`
	Disks    DiskSettings                      `json:"disks"`
	Env      map[string]interface{}            `json:"env"`
}

// VMSpec identifies the machine the document belongs to.
type VMSpec struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// DiskSettings tells the agent where to find its disks.
type DiskSettings struct {
	System     int32            `json:"system"`
	Ephemeral  int32            `json:"ephemeral"`
	Persistent map[string]int32 `json:"persistent"`
}

// Builder assembles agent environment documents.
type Builder struct{}

// Build returns the environment document for a machine. The
// caller-supplied opaque environment is carried under the document's
// reserved "env" key and is never merged into the other sections.
func (Builder) Build(
	name string,
	vm types.ManagedObjectReference,
	agentID string,
	networks NetworkWiring,
	disks DiskWiring,
	env map[string]interface{},
) (*Document, error) {
	docNetworks := make(map[string]map[string]interface{}, len(networks))
	for netName, info := range networks {
		settings := make(map[string]interface{}, len(info.Settings)+1)
		for k, v := range info.Settings {
			settings[k] = v
		}
		settings["mac"] = info.MAC
		docNetworks[netName] = settings
	}
	if env == nil {
		env = make(map[string]interface{})
	}
	return &Document{
		VM:       VMSpec{Name: name, ID: vm.Value},
		AgentID:  agentID,
		Networks: docNetworks,
		Disks: DiskSettings{
			System:     disks.SystemUnit,
			Ephemeral:  disks.EphemeralUnit,
			Persistent: make(map[string]int32),
		},
		Env: env,
	}, nil
}
