// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package provisioner creates virtual machines on a clustered vSphere
// deployment from an abstract provisioning request: compute sizing, an
// ephemeral disk, network attachments, a base image and an opaque
// boot-time environment. A failure at any point after the machine
// object exists removes the machine again, so callers observe either a
// fully provisioned, powered-on machine or no machine at all.
package provisioner

import (
	"context"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/juju/vmprovision/agentenv"
)

var logger = loggo.GetLogger("vmprovision.provisioner")

// Client is the remote-operation gateway the provisioner drives. All
// remote objects are plain data snapshots returned by explicit reads;
// mutation happens only through device-change specs submitted as
// tasks.
type Client interface {
	// VirtualMachine resolves the inventory path of a virtual
	// machine to its managed object reference.
	VirtualMachine(ctx context.Context, inventoryPath string) (types.ManagedObjectReference, error)

	// VirtualMachineProperties reads the named properties of the
	// machine; missing properties are an error, not a partial
	// result.
	VirtualMachineProperties(ctx context.Context, vm types.ManagedObjectReference, keys ...string) (*mo.VirtualMachine, error)

	// ReplicateImage ensures a snapshotted replica of the base image
	// exists on the target datastore and returns it.
	ReplicateImage(ctx context.Context, image types.ManagedObjectReference, cluster *mo.ClusterComputeResource, datastore *mo.Datastore) (types.ManagedObjectReference, error)

	// FindNetwork resolves a provider network by name within the
	// client's datacenter.
	FindNetwork(ctx context.Context, name string) (types.ManagedObjectReference, error)

	// BuildNICAddSpec builds the device change adding a network
	// adapter bound to network on the given controller.
	BuildNICAddSpec(networkName string, network types.ManagedObjectReference, controllerKey int32, index int) types.BaseVirtualDeviceConfigSpec

	// BuildNICRemoveSpec builds the device change removing an
	// existing network adapter.
	BuildNICRemoveSpec(device types.BaseVirtualDevice) types.BaseVirtualDeviceConfigSpec

	// NormalizeUnitNumbers assigns collision-free unit numbers to
	// the devices added by changes, given the devices already
	// present. It mutates the change set in place.
	NormalizeUnitNumbers(existing []types.BaseVirtualDevice, changes []types.BaseVirtualDeviceConfigSpec)

	// CloneFromSnapshot creates a linked clone of src's snapshot,
	// applying config in the same operation.
	CloneFromSnapshot(ctx context.Context, src types.ManagedObjectReference, name, folder string, pool, datastore, snapshot types.ManagedObjectReference, config *types.VirtualMachineConfigSpec) (types.ManagedObjectReference, error)

	// PowerOnAndWait powers the machine on and waits for completion.
	PowerOnAndWait(ctx context.Context, vm types.ManagedObjectReference) error

	// DestroyVirtualMachine removes the named machine; a machine
	// that does not exist is not an error.
	DestroyVirtualMachine(ctx context.Context, name string) error

	// DatacenterName reports the datacenter the client is scoped to.
	DatacenterName() string
}

// PlacementStrategy decides where a machine should run. The strategy
// owns any capacity accounting; the provisioner only consumes the
// decision.
type PlacementStrategy interface {
	Place(ctx context.Context, memoryMB, footprintMB int64, existingDisks []DiskSpec) (*PlacementDecision, error)
}

// DiskPlanner builds the device change that attaches a machine's
// ephemeral disk.
type DiskPlanner interface {
	BuildAttachSpec(sizeMB int64, vmName string, datastore *mo.Datastore, controllerKey int32) types.BaseVirtualDeviceConfigSpec
}

// EnvironmentBuilder assembles the boot-time environment document.
type EnvironmentBuilder interface {
	Build(name string, vm types.ManagedObjectReference, agentID string, networks agentenv.NetworkWiring, disks agentenv.DiskWiring, env map[string]interface{}) (*agentenv.Document, error)
}

// EnvironmentWriter persists an environment document onto a machine.
type EnvironmentWriter interface {
	Write(ctx context.Context, vm types.ManagedObjectReference, location agentenv.Location, doc *agentenv.Document) error
}

// RuleApplier registers machines with named anti-affinity groups.
type RuleApplier interface {
	AddMachine(ctx context.Context, cluster types.ManagedObjectReference, ruleName string, vm types.ManagedObjectReference) error
}

// NetworkConfig is the requested attachment to one logical network.
type NetworkConfig struct {
	// ProviderNetwork names the network on the hypervisor side.
	ProviderNetwork string

	// Settings is opaque configuration carried into the machine's
	// environment document.
	Settings map[string]interface{}
}

// DiskSpec references an existing disk whose locality placement should
// take into account.
type DiskSpec struct {
	Path   string
	SizeMB int64
}

// Request describes one machine to provision. It is immutable for the
// lifetime of a Create call.
type Request struct {
	AgentID       string
	BaseImage     string
	Profile       ResourceProfile
	Networks      map[string]NetworkConfig
	ExistingDisks []DiskSpec
	Environment   map[string]interface{}
}

// RuleKind discriminates anti-affinity rule configurations.
type RuleKind string

// RuleSeparateMachines keeps the group's machines on separate hosts
// within a cluster. It is the only kind supported.
const RuleSeparateMachines RuleKind = "separate-machines"

// RuleConfig configures one anti-affinity rule.
type RuleConfig struct {
	Name string
	Kind RuleKind
}

// PlacementDecision is where a machine will run, plus at most one
// anti-affinity rule to register it with. More than one rule is a
// configuration error, not a runtime condition to recover from.
type PlacementDecision struct {
	Cluster   *mo.ClusterComputeResource
	Datastore *mo.Datastore
	Rules     []RuleConfig
}

// Config holds the collaborators a Provisioner requires.
type Config struct {
	Client             Client
	Placement          PlacementStrategy
	DiskPlanner        DiskPlanner
	EnvironmentBuilder EnvironmentBuilder
	EnvironmentWriter  EnvironmentWriter
	RuleApplier        RuleApplier

	// Folder is the inventory folder new machines are cloned into.
	// Empty means the datacenter's root VM folder.
	Folder string

	// NewName generates machine names. Nil means "vm-" followed by a
	// fresh UUID.
	NewName func() string
}

// Validate returns an error if the configuration is incomplete.
func (cfg Config) Validate() error {
	if cfg.Client == nil {
		return errors.NotValidf("nil Client")
	}
	if cfg.Placement == nil {
		return errors.NotValidf("nil Placement")
	}
	if cfg.DiskPlanner == nil {
		return errors.NotValidf("nil DiskPlanner")
	}
	if cfg.EnvironmentBuilder == nil {
		return errors.NotValidf("nil EnvironmentBuilder")
	}
	if cfg.EnvironmentWriter == nil {
		return errors.NotValidf("nil EnvironmentWriter")
	}
	if cfg.RuleApplier == nil {
		return errors.NotValidf("nil RuleApplier")
	}
	return nil
}

// Provisioner creates virtual machines. It holds no mutable state of
// its own; concurrent Create calls are independent.
type Provisioner struct {
	client      Client
	placement   PlacementStrategy
	diskPlanner DiskPlanner
	envBuilder  EnvironmentBuilder
	envWriter   EnvironmentWriter
	ruleApplier RuleApplier
	folder      string
	newName     func() string
}

// NewProvisioner returns a Provisioner with the given configuration.
func NewProvisioner(cfg Config) (*Provisioner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	newName := cfg.NewName
	if newName == nil {
		newName = func() string { return "vm-" + uuid.New().String() }
	}
	return &Provisioner{
		client:      cfg.Client,
		placement:   cfg.Placement,
		diskPlanner: cfg.DiskPlanner,
		envBuilder:  cfg.EnvironmentBuilder,
		envWriter:   cfg.EnvironmentWriter,
		ruleApplier: cfg.RuleApplier,
		folder:      cfg.Folder,
		newName:     newName,
	}, nil
}
