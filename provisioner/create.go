// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package provisioner

import (
	"context"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/juju/vmprovision/agentenv"
)

// Create provisions one machine from req and returns its generated
// name. A failure after the machine object has been created deletes
// the machine again before the original error is returned; callers
// never observe a half-configured machine.
func (p *Provisioner) Create(ctx context.Context, req Request) (string, error) {
	image, err := p.client.VirtualMachine(ctx, req.BaseImage)
	if err != nil {
		return "", errors.Annotatef(err, "resolving base image %q", req.BaseImage)
	}
	props, err := p.client.VirtualMachineProperties(ctx, image, "summary.storage")
	if err != nil {
		return "", errors.Trace(err)
	}
	if props.Summary.Storage == nil {
		return "", errors.Errorf("base image %q has no storage summary", req.BaseImage)
	}
	committedMB := props.Summary.Storage.Committed / int64(humanize.MiByte)
	footprintMB := req.Profile.EphemeralFootprintMB(committedMB)
	logger.Debugf("placing machine: memory %d MiB, ephemeral footprint %d MiB", req.Profile.MemoryMB, footprintMB)

	// Nothing has been created yet, so a placement failure needs no
	// unwinding and propagates unchanged.
	decision, err := p.placement.Place(ctx, req.Profile.MemoryMB, footprintMB, req.ExistingDisks)
	if err != nil {
		return "", errors.Trace(err)
	}
	if decision.Cluster == nil || decision.Cluster.ResourcePool == nil || decision.Datastore == nil {
		return "", errors.NotValidf("placement decision without cluster, resource pool or datastore")
	}

	name := p.newName()
	logger.Infof("creating machine %q on cluster %q, datastore %q",
		name, decision.Cluster.Name, decision.Datastore.Summary.Name)

	replica, err := p.client.ReplicateImage(ctx, image, decision.Cluster, decision.Datastore)
	if err != nil {
		return "", errors.Annotatef(err, "replicating base image %q", req.BaseImage)
	}

	// From here on the machine name is reserved on the remote side;
	// any failure unwinds by deleting the machine before the original
	// error is handed to the caller.
	if err := p.configureAndStart(ctx, req, decision, name, replica); err != nil {
		logger.Errorf("provisioning machine %q failed: %v", name, err)
		if destroyErr := p.client.DestroyVirtualMachine(ctx, name); destroyErr != nil {
			// The original failure is the one the caller needs
			// to see; the secondary one is only logged.
			logger.Errorf("cleaning up machine %q: %v", name, destroyErr)
		}
		return "", errors.Trace(err)
	}
	return name, nil
}

// configureAndStart reconciles the replica's devices against the
// requested topology, clones the machine, writes its environment and
// powers it on. Every error return triggers rollback in Create.
func (p *Provisioner) configureAndStart(
	ctx context.Context,
	req Request,
	decision *PlacementDecision,
	name string,
	replica types.ManagedObjectReference,
) error {
	src, err := p.client.VirtualMachineProperties(ctx, replica, "config.hardware.device", "snapshot")
	if err != nil {
		return errors.Trace(err)
	}
	if src.Config == nil || src.Snapshot == nil || src.Snapshot.CurrentSnapshot == nil {
		return errors.Errorf("replica %q has no snapshot to clone from", replica.Value)
	}
	devices := src.Config.Hardware.Device

	// The base image must carry exactly the structure the
	// reconciliation needs; anything else is an invariant violation
	// of the image, not a transient condition.
	systemDisk, err := findSystemDisk(devices)
	if err != nil {
		return errors.Annotatef(err, "inspecting base image %q", req.BaseImage)
	}
	pciController, err := findPCIController(devices)
	if err != nil {
		return errors.Annotatef(err, "inspecting base image %q", req.BaseImage)
	}

	changes := []types.BaseVirtualDeviceConfigSpec{
		p.diskPlanner.BuildAttachSpec(req.Profile.EphemeralDiskMB, name, decision.Datastore, systemDisk.ControllerKey),
	}
	for i, netName := range sortedNetworkNames(req.Networks) {
		cfg := req.Networks[netName]
		network, err := p.client.FindNetwork(ctx, cfg.ProviderNetwork)
		if err != nil {
			return errors.Annotatef(err, "resolving network %q", cfg.ProviderNetwork)
		}
		changes = append(changes, p.client.BuildNICAddSpec(cfg.ProviderNetwork, network, pciController.Key, i))
	}
	// The template's own wiring is discarded in favour of the
	// requested topology. Removals travel in the same change set as
	// the additions so unit numbers are fixed up consistently across
	// the whole reconfiguration.
	for _, nic := range networkAdapters(devices) {
		changes = append(changes, p.client.BuildNICRemoveSpec(nic))
	}
	p.client.NormalizeUnitNumbers(devices, changes)

	config := &types.VirtualMachineConfigSpec{
		NumCPUs:      req.Profile.CPUs,
		MemoryMB:     req.Profile.MemoryMB,
		DeviceChange: changes,
	}
	vm, err := p.client.CloneFromSnapshot(
		ctx, replica, name, p.folder,
		*decision.Cluster.ResourcePool,
		decision.Datastore.Self,
		*src.Snapshot.CurrentSnapshot,
		config,
	)
	if err != nil {
		return errors.Annotatef(err, "cloning machine %q", name)
	}

	created, err := p.client.VirtualMachineProperties(ctx, vm, "config.hardware.device")
	if err != nil {
		return errors.Trace(err)
	}
	if created.Config == nil {
		return errors.Errorf("machine %q has no device configuration", name)
	}
	networks, err := networkWiring(req.Networks, created.Config.Hardware.Device)
	if err != nil {
		return errors.Trace(err)
	}
	disks, err := diskWiring(systemDisk.Key, created.Config.Hardware.Device)
	if err != nil {
		return errors.Trace(err)
	}
	doc, err := p.envBuilder.Build(name, vm, req.AgentID, networks, disks, req.Environment)
	if err != nil {
		return errors.Annotate(err, "building agent environment")
	}
	location := agentenv.Location{
		Datacenter: p.client.DatacenterName(),
		Datastore:  decision.Datastore.Summary.Name,
		VMName:     name,
	}
	if err := p.envWriter.Write(ctx, vm, location, doc); err != nil {
		return errors.Annotate(err, "writing agent environment")
	}
	if err := p.client.PowerOnAndWait(ctx, vm); err != nil {
		return errors.Annotatef(err, "powering on machine %q", name)
	}
	if err := p.applyRule(ctx, decision, vm); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// findSystemDisk returns the base image's primary disk device.
func findSystemDisk(devices []types.BaseVirtualDevice) (*types.VirtualDisk, error) {
	for _, dev := range devices {
		if disk, ok := dev.(*types.VirtualDisk); ok {
			return disk, nil
		}
	}
	return nil, errors.NotFoundf("system disk device")
}

// findPCIController returns the machine's PCI controller, which new
// network adapters attach to.
func findPCIController(devices []types.BaseVirtualDevice) (*types.VirtualPCIController, error) {
	for _, dev := range devices {
		if pci, ok := dev.(*types.VirtualPCIController); ok {
			return pci, nil
		}
	}
	return nil, errors.NotFoundf("PCI controller device")
}

// networkAdapters returns the ethernet devices present in the list.
func networkAdapters(devices []types.BaseVirtualDevice) []types.BaseVirtualDevice {
	var nics []types.BaseVirtualDevice
	for _, dev := range devices {
		if _, ok := dev.(types.BaseVirtualEthernetCard); ok {
			nics = append(nics, dev)
		}
	}
	return nics
}

// sortedNetworkNames fixes an iteration order for the request's
// networks, so reconciliation of one request is deterministic.
func sortedNetworkNames(networks map[string]NetworkConfig) []string {
	names := make([]string, 0, len(networks))
	for name := range networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// networkWiring pairs the requested networks, in name order, with the
// machine's adapters in device order, reading back the hardware
// addresses the server assigned.
func networkWiring(requested map[string]NetworkConfig, devices []types.BaseVirtualDevice) (agentenv.NetworkWiring, error) {
	nics := networkAdapters(devices)
	names := sortedNetworkNames(requested)
	if len(nics) != len(names) {
		return nil, errors.Errorf("machine has %d network adapters, expected %d", len(nics), len(names))
	}
	sort.Slice(nics, func(i, j int) bool {
		return nics[i].GetVirtualDevice().Key < nics[j].GetVirtualDevice().Key
	})
	wiring := make(agentenv.NetworkWiring, len(names))
	for i, name := range names {
		card := nics[i].(types.BaseVirtualEthernetCard).GetVirtualEthernetCard()
		wiring[name] = agentenv.NetworkInfo{
			MAC:      card.MacAddress,
			Settings: requested[name].Settings,
		}
	}
	return wiring, nil
}

// diskWiring locates the system disk (by the key it carried on the
// template) and the newly attached ephemeral disk on the reconfigured
// machine.
func diskWiring(systemDiskKey int32, devices []types.BaseVirtualDevice) (agentenv.DiskWiring, error) {
	var wiring agentenv.DiskWiring
	var haveSystem, haveEphemeral bool
	for _, dev := range devices {
		disk, ok := dev.(*types.VirtualDisk)
		if !ok || disk.UnitNumber == nil {
			continue
		}
		if disk.Key == systemDiskKey {
			wiring.SystemUnit = *disk.UnitNumber
			haveSystem = true
		} else {
			wiring.EphemeralUnit = *disk.UnitNumber
			haveEphemeral = true
		}
	}
	if !haveSystem {
		return wiring, errors.NotFoundf("system disk on provisioned machine")
	}
	if !haveEphemeral {
		return wiring, errors.NotFoundf("ephemeral disk on provisioned machine")
	}
	return wiring, nil
}
