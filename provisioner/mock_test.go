// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package provisioner_test

import (
	"context"

	"github.com/juju/testing"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/juju/vmprovision/agentenv"
	"github.com/juju/vmprovision/internal/vsphereclient"
	"github.com/juju/vmprovision/provisioner"
)

// mockClient implements provisioner.Client with canned inventory. All
// mocks in a test share one testing.Stub, so error injection indices
// line up with the recorded call sequence. Only operations that can
// fail record calls; the pure spec builders delegate to the real
// implementations.
type mockClient struct {
	stub *testing.Stub

	imageRef     types.ManagedObjectReference
	imageProps   *mo.VirtualMachine
	replicaRef   types.ManagedObjectReference
	replicaProps *mo.VirtualMachine
	createdRef   types.ManagedObjectReference
	createdProps *mo.VirtualMachine

	cloneConfig *types.VirtualMachineConfigSpec
}

func (c *mockClient) VirtualMachine(ctx context.Context, inventoryPath string) (types.ManagedObjectReference, error) {
	c.stub.MethodCall(c, "VirtualMachine", inventoryPath)
	return c.imageRef, c.stub.NextErr()
}

func (c *mockClient) VirtualMachineProperties(ctx context.Context, vm types.ManagedObjectReference, keys ...string) (*mo.VirtualMachine, error) {
	c.stub.MethodCall(c, "VirtualMachineProperties", vm, keys)
	var props *mo.VirtualMachine
	switch vm {
	case c.imageRef:
		props = c.imageProps
	case c.replicaRef:
		props = c.replicaProps
	case c.createdRef:
		props = c.createdProps
	}
	return props, c.stub.NextErr()
}

func (c *mockClient) ReplicateImage(ctx context.Context, image types.ManagedObjectReference, cluster *mo.ClusterComputeResource, datastore *mo.Datastore) (types.ManagedObjectReference, error) {
	c.stub.MethodCall(c, "ReplicateImage", image, cluster, datastore)
	return c.replicaRef, c.stub.NextErr()
}

func (c *mockClient) FindNetwork(ctx context.Context, name string) (types.ManagedObjectReference, error) {
	c.stub.MethodCall(c, "FindNetwork", name)
	return types.ManagedObjectReference{Type: "Network", Value: "network-" + name}, c.stub.NextErr()
}

func (c *mockClient) BuildNICAddSpec(networkName string, network types.ManagedObjectReference, controllerKey int32, index int) types.BaseVirtualDeviceConfigSpec {
	return vsphereclient.BuildNICAddSpec(networkName, network, controllerKey, index)
}

func (c *mockClient) BuildNICRemoveSpec(device types.BaseVirtualDevice) types.BaseVirtualDeviceConfigSpec {
	return vsphereclient.BuildNICRemoveSpec(device)
}

func (c *mockClient) NormalizeUnitNumbers(existing []types.BaseVirtualDevice, changes []types.BaseVirtualDeviceConfigSpec) {
	vsphereclient.NormalizeUnitNumbers(existing, changes)
}

func (c *mockClient) CloneFromSnapshot(
	ctx context.Context,
	src types.ManagedObjectReference,
	name, folder string,
	pool, datastore, snapshot types.ManagedObjectReference,
	config *types.VirtualMachineConfigSpec,
) (types.ManagedObjectReference, error) {
	c.stub.MethodCall(c, "CloneFromSnapshot", src, name, folder, pool, datastore, snapshot)
	c.cloneConfig = config
	return c.createdRef, c.stub.NextErr()
}

func (c *mockClient) PowerOnAndWait(ctx context.Context, vm types.ManagedObjectReference) error {
	c.stub.MethodCall(c, "PowerOnAndWait", vm)
	return c.stub.NextErr()
}

func (c *mockClient) DestroyVirtualMachine(ctx context.Context, name string) error {
	c.stub.MethodCall(c, "DestroyVirtualMachine", name)
	return c.stub.NextErr()
}

func (c *mockClient) DatacenterName() string {
	return "dc0"
}

type mockPlacement struct {
	stub     *testing.Stub
	decision *provisioner.PlacementDecision
}

func (p *mockPlacement) Place(ctx context.Context, memoryMB, footprintMB int64, existingDisks []provisioner.DiskSpec) (*provisioner.PlacementDecision, error) {
	p.stub.MethodCall(p, "Place", memoryMB, footprintMB, existingDisks)
	return p.decision, p.stub.NextErr()
}

type mockEnvBuilder struct {
	stub *testing.Stub
	doc  *agentenv.Document
}

func (b *mockEnvBuilder) Build(name string, vm types.ManagedObjectReference, agentID string, networks agentenv.NetworkWiring, disks agentenv.DiskWiring, env map[string]interface{}) (*agentenv.Document, error) {
	b.stub.MethodCall(b, "Build", name, vm, agentID, networks, disks, env)
	if err := b.stub.NextErr(); err != nil {
		return nil, err
	}
	doc, err := agentenv.Builder{}.Build(name, vm, agentID, networks, disks, env)
	b.doc = doc
	return doc, err
}

type mockEnvWriter struct {
	stub     *testing.Stub
	location agentenv.Location
	doc      *agentenv.Document
}

func (w *mockEnvWriter) Write(ctx context.Context, vm types.ManagedObjectReference, location agentenv.Location, doc *agentenv.Document) error {
	w.stub.MethodCall(w, "Write", vm, location, doc)
	w.location = location
	w.doc = doc
	return w.stub.NextErr()
}

type mockRuleApplier struct {
	stub *testing.Stub
}

func (r *mockRuleApplier) AddMachine(ctx context.Context, cluster types.ManagedObjectReference, ruleName string, vm types.ManagedObjectReference) error {
	r.stub.MethodCall(r, "AddMachine", cluster, ruleName, vm)
	return r.stub.NextErr()
}

func newInt32(v int32) *int32 {
	return &v
}

func buildCluster(name string) *mo.ClusterComputeResource {
	return &mo.ClusterComputeResource{
		ComputeResource: mo.ComputeResource{
			ManagedEntity: mo.ManagedEntity{
				ExtensibleManagedObject: mo.ExtensibleManagedObject{
					Self: types.ManagedObjectReference{
						Type:  "ClusterComputeResource",
						Value: name,
					},
				},
				Name: name,
			},
			ResourcePool: &types.ManagedObjectReference{
				Type:  "ResourcePool",
				Value: "rp-" + name,
			},
		},
	}
}

func buildDatastore(name string) *mo.Datastore {
	return &mo.Datastore{
		ManagedEntity: mo.ManagedEntity{
			ExtensibleManagedObject: mo.ExtensibleManagedObject{
				Self: types.ManagedObjectReference{
					Type:  "Datastore",
					Value: name,
				},
			},
			Name: name,
		},
		Summary: types.DatastoreSummary{
			Name:       name,
			Accessible: true,
		},
	}
}

func buildPCIController(key int32) *types.VirtualPCIController {
	return &types.VirtualPCIController{
		VirtualController: types.VirtualController{
			VirtualDevice: types.VirtualDevice{Key: key},
		},
	}
}

func buildDisk(key, controllerKey, unit int32) *types.VirtualDisk {
	return &types.VirtualDisk{
		VirtualDevice: types.VirtualDevice{
			Key:           key,
			ControllerKey: controllerKey,
			UnitNumber:    newInt32(unit),
		},
	}
}

func buildTemplateNIC(key, controllerKey, unit int32) *types.VirtualE1000 {
	return &types.VirtualE1000{
		VirtualEthernetCard: types.VirtualEthernetCard{
			VirtualDevice: types.VirtualDevice{
				Key:           key,
				ControllerKey: controllerKey,
				UnitNumber:    newInt32(unit),
			},
		},
	}
}

func buildCreatedNIC(key, controllerKey, unit int32, mac string) *types.VirtualVmxnet3 {
	return &types.VirtualVmxnet3{
		VirtualVmxnet: types.VirtualVmxnet{
			VirtualEthernetCard: types.VirtualEthernetCard{
				VirtualDevice: types.VirtualDevice{
					Key:           key,
					ControllerKey: controllerKey,
					UnitNumber:    newInt32(unit),
				},
				MacAddress: mac,
			},
		},
	}
}

func buildVMProps(devices []types.BaseVirtualDevice, snapshot *types.ManagedObjectReference) *mo.VirtualMachine {
	props := &mo.VirtualMachine{
		Config: &types.VirtualMachineConfigInfo{
			Hardware: types.VirtualHardware{Device: devices},
		},
	}
	if snapshot != nil {
		props.Snapshot = &types.VirtualMachineSnapshotInfo{
			CurrentSnapshot: snapshot,
		}
	}
	return props
}
