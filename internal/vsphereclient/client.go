// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package vsphereclient wraps the govmomi SOAP client, exposing the
// subset of vSphere operations the provisioner requires against a
// single datacenter.
package vsphereclient

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/mutex/v2"
	"github.com/kr/pretty"
	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/list"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"
)

// Client encapsulates a vSphere session scoped to a single datacenter.
type Client struct {
	client       *govmomi.Client
	datacenter   string
	logger       loggo.Logger
	clock        clock.Clock
	acquireMutex func(mutex.Spec) (func(), error)
}

// Dial dials a new vSphere client connection using the given URL,
// scoped to the specified datacenter. The resulting Client's Close
// method must be called in order to release resources allocated by
// Dial.
func Dial(
	ctx context.Context,
	u *url.URL,
	datacenter string,
	logger loggo.Logger,
) (*Client, error) {
	client, err := govmomi.NewClient(ctx, u, true)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Client{
		client:       client,
		datacenter:   datacenter,
		logger:       logger,
		clock:        clock.WallClock,
		acquireMutex: acquireMutex,
	}, nil
}

// Close logs out and closes the client connection.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Logout(ctx)
}

// DatacenterName reports the datacenter the client is scoped to.
func (c *Client) DatacenterName() string {
	return c.datacenter
}

func (c *Client) lister(ref types.ManagedObjectReference) *list.Lister {
	return &list.Lister{
		Collector: property.DefaultCollector(c.client.Client),
		Reference: ref,
		All:       true,
	}
}

func (c *Client) finder(ctx context.Context) (*find.Finder, *object.Datacenter, error) {
	finder := find.NewFinder(c.client.Client, true)
	datacenter, err := finder.Datacenter(ctx, c.datacenter)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	finder.SetDatacenter(datacenter)
	return finder, datacenter, nil
}

// VirtualMachine resolves the inventory path of a virtual machine to
// its managed object reference.
func (c *Client) VirtualMachine(ctx context.Context, inventoryPath string) (types.ManagedObjectReference, error) {
	finder, _, err := c.finder(ctx)
	if err != nil {
		return types.ManagedObjectReference{}, errors.Trace(err)
	}
	vm, err := finder.VirtualMachine(ctx, inventoryPath)
	if err != nil {
		if _, ok := err.(*find.NotFoundError); ok {
			return types.ManagedObjectReference{}, errors.NotFoundf("virtual machine %q", inventoryPath)
		}
		return types.ManagedObjectReference{}, errors.Trace(err)
	}
	return vm.Reference(), nil
}

// VirtualMachineProperties reads the named properties of the virtual
// machine. A property the server cannot supply is an error, not a
// partial result.
func (c *Client) VirtualMachineProperties(ctx context.Context, vm types.ManagedObjectReference, keys ...string) (*mo.VirtualMachine, error) {
	c.logger.Tracef("reading %v of %q", keys, vm.Value)
	var result mo.VirtualMachine
	if err := c.client.RetrieveOne(ctx, vm, keys, &result); err != nil {
		return nil, errors.Annotatef(err, "reading properties of %q", vm.Value)
	}
	return &result, nil
}

// ComputeResources returns all cluster compute resources in the
// datacenter.
func (c *Client) ComputeResources(ctx context.Context) ([]*mo.ClusterComputeResource, error) {
	_, datacenter, err := c.finder(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	folders, err := datacenter.Folders(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	es, err := c.lister(folders.HostFolder.Reference()).List(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var clusters []*mo.ClusterComputeResource
	for _, e := range es {
		switch o := e.Object.(type) {
		case mo.ClusterComputeResource:
			clusters = append(clusters, &o)
		}
	}
	return clusters, nil
}

// Datastores returns all datastores in the datacenter.
func (c *Client) Datastores(ctx context.Context) ([]mo.Datastore, error) {
	finder, datacenter, err := c.finder(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	folders, err := datacenter.Folders(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	dsPath := path.Join(folders.DatastoreFolder.InventoryPath, "...")
	c.logger.Tracef("listing datastores under %q", dsPath)
	items, err := finder.DatastoreList(ctx, dsPath)
	if err != nil {
		if _, ok := err.(*find.NotFoundError); ok {
			c.logger.Debugf("no datastores for path %q", dsPath)
			return nil, nil
		}
		return nil, errors.Trace(err)
	}
	refs := make([]types.ManagedObjectReference, len(items))
	for i, item := range items {
		refs[i] = item.Reference()
	}
	var datastores []mo.Datastore
	if err := c.client.Retrieve(ctx, refs, nil, &datastores); err != nil {
		return nil, errors.Annotate(err, "retrieving datastore details")
	}
	return datastores, nil
}

// FindNetwork resolves a network by name or inventory path within the
// client's datacenter.
func (c *Client) FindNetwork(ctx context.Context, name string) (types.ManagedObjectReference, error) {
	finder, _, err := c.finder(ctx)
	if err != nil {
		return types.ManagedObjectReference{}, errors.Trace(err)
	}
	network, err := finder.Network(ctx, name)
	if err != nil {
		if _, ok := err.(*find.NotFoundError); ok {
			return types.ManagedObjectReference{}, errors.NotFoundf("network %q", name)
		}
		return types.ManagedObjectReference{}, errors.Trace(err)
	}
	return network.Reference(), nil
}

// FindFolder resolves a VM folder given either a full or a relative
// inventory path. An empty path means the datacenter's root VM folder.
func (c *Client) FindFolder(ctx context.Context, folderPath string) (*object.Folder, error) {
	if strings.Contains(folderPath, "..") {
		// ".." is not supported by the underlying finder.
		return nil, errors.NotSupportedf("folder path containing %q", "..")
	}
	finder, datacenter, err := c.finder(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	dcfolders, err := datacenter.Folders(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if folderPath == "" {
		return dcfolders.VmFolder, nil
	}
	folderPath = strings.TrimPrefix(folderPath, "./")
	if !strings.HasPrefix(folderPath, dcfolders.VmFolder.InventoryPath) {
		folderPath = path.Join(dcfolders.VmFolder.InventoryPath, folderPath)
	}
	folder, err := finder.Folder(ctx, folderPath)
	if err != nil {
		if _, ok := err.(*find.NotFoundError); ok {
			return nil, errors.NotFoundf("folder path %q", folderPath)
		}
		return nil, errors.Trace(err)
	}
	return folder, nil
}

// ReplicateImage ensures the base image has a snapshotted replica on
// the target datastore that machines can be link-cloned from, creating
// one when absent. Replication of one image onto one datastore is
// serialized across processes holding the same mutex namespace.
func (c *Client) ReplicateImage(
	ctx context.Context,
	image types.ManagedObjectReference,
	cluster *mo.ClusterComputeResource,
	datastore *mo.Datastore,
) (types.ManagedObjectReference, error) {
	fail := func(err error) (types.ManagedObjectReference, error) {
		return types.ManagedObjectReference{}, err
	}
	src, err := c.VirtualMachineProperties(ctx, image, "name")
	if err != nil {
		return fail(errors.Trace(err))
	}
	replicaName := fmt.Sprintf("%s-%s", src.Name, datastore.Summary.Name)

	release, err := c.acquireMutex(mutex.Spec{
		Name:  mutexName(replicaName),
		Clock: c.clock,
		Delay: time.Second,
	})
	if err != nil {
		return fail(errors.Annotate(err, "acquiring replication lock"))
	}
	defer release()

	finder, datacenterObj, err := c.finder(ctx)
	if err != nil {
		return fail(errors.Trace(err))
	}
	if replica, err := finder.VirtualMachine(ctx, replicaName); err == nil {
		c.logger.Debugf("replica %q already exists", replicaName)
		return replica.Reference(), nil
	} else if _, ok := err.(*find.NotFoundError); !ok {
		return fail(errors.Trace(err))
	}

	c.logger.Debugf("replicating image %q to datastore %q", src.Name, datastore.Summary.Name)
	folders, err := datacenterObj.Folders(ctx)
	if err != nil {
		return fail(errors.Trace(err))
	}
	datastoreRef := datastore.Self
	srcVM := object.NewVirtualMachine(c.client.Client, image)
	task, err := srcVM.Clone(ctx, folders.VmFolder, replicaName, types.VirtualMachineCloneSpec{
		Location: types.VirtualMachineRelocateSpec{
			Pool:      cluster.ResourcePool,
			Datastore: &datastoreRef,
		},
	})
	if err != nil {
		return fail(errors.Annotatef(err, "replicating image %q", src.Name))
	}
	info, err := c.waitTask(ctx, task, "replicating image")
	if err != nil {
		return fail(errors.Trace(err))
	}
	replica := info.Result.(types.ManagedObjectReference)

	// Linked clones hang off a snapshot of the replica.
	snapTask, err := object.NewVirtualMachine(c.client.Client, replica).CreateSnapshot(ctx, "initial", "", false, false)
	if err != nil {
		return fail(errors.Annotatef(err, "snapshotting replica %q", replicaName))
	}
	if _, err := c.waitTask(ctx, snapTask, "snapshotting replica"); err != nil {
		return fail(errors.Trace(err))
	}
	return replica, nil
}

// CloneFromSnapshot creates a linked clone of src's snapshot, applying
// config in the same operation, and returns the new machine's
// reference.
func (c *Client) CloneFromSnapshot(
	ctx context.Context,
	src types.ManagedObjectReference,
	name, folderPath string,
	pool, datastore, snapshot types.ManagedObjectReference,
	config *types.VirtualMachineConfigSpec,
) (types.ManagedObjectReference, error) {
	fail := func(err error) (types.ManagedObjectReference, error) {
		return types.ManagedObjectReference{}, err
	}
	folder, err := c.FindFolder(ctx, folderPath)
	if err != nil {
		return fail(errors.Trace(err))
	}
	c.logger.Tracef("cloning %q, config -> %s", name, pretty.Sprint(config))
	srcVM := object.NewVirtualMachine(c.client.Client, src)
	task, err := srcVM.Clone(ctx, folder, name, types.VirtualMachineCloneSpec{
		Config:   config,
		Snapshot: &snapshot,
		Location: types.VirtualMachineRelocateSpec{
			Pool:         &pool,
			Datastore:    &datastore,
			DiskMoveType: string(types.VirtualMachineRelocateDiskMoveOptionsCreateNewChildDiskBacking),
		},
	})
	if err != nil {
		return fail(errors.Annotatef(err, "cloning machine %q", name))
	}
	info, err := c.waitTask(ctx, task, "cloning machine")
	if err != nil {
		return fail(errors.Trace(err))
	}
	return info.Result.(types.ManagedObjectReference), nil
}

// ReconfigureAndWait submits a reconfiguration task for the machine and
// waits for it to complete.
func (c *Client) ReconfigureAndWait(ctx context.Context, vm types.ManagedObjectReference, spec types.VirtualMachineConfigSpec) error {
	c.logger.Tracef("reconfiguring %q, spec -> %s", vm.Value, pretty.Sprint(spec))
	task, err := object.NewVirtualMachine(c.client.Client, vm).Reconfigure(ctx, spec)
	if err != nil {
		return errors.Annotate(err, "reconfiguring machine")
	}
	if _, err := c.waitTask(ctx, task, "reconfiguring machine"); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// PowerOnAndWait powers the machine on and waits for the power task to
// complete.
func (c *Client) PowerOnAndWait(ctx context.Context, vm types.ManagedObjectReference) error {
	task, err := object.NewVirtualMachine(c.client.Client, vm).PowerOn(ctx)
	if err != nil {
		return errors.Annotate(err, "powering on machine")
	}
	if _, err := c.waitTask(ctx, task, "powering on machine"); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// DestroyVirtualMachine removes the named machine, powering it off
// first when necessary. A machine that does not exist is not an error:
// destruction is used for cleanup and the name is the only durable
// identity the caller holds.
func (c *Client) DestroyVirtualMachine(ctx context.Context, name string) error {
	finder, _, err := c.finder(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	vm, err := finder.VirtualMachine(ctx, name)
	if err != nil {
		if _, ok := err.(*find.NotFoundError); ok {
			c.logger.Debugf("no machine %q to destroy", name)
			return nil
		}
		return errors.Annotatef(err, "finding machine %q", name)
	}
	var props mo.VirtualMachine
	if err := c.client.RetrieveOne(ctx, vm.Reference(), []string{"runtime.powerState"}, &props); err != nil {
		return errors.Annotatef(err, "reading power state of %q", name)
	}
	if props.Runtime.PowerState == types.VirtualMachinePowerStatePoweredOn {
		c.logger.Debugf("powering off %q", name)
		task, err := vm.PowerOff(ctx)
		if err != nil {
			return errors.Annotatef(err, "powering off %q", name)
		}
		if _, err := task.WaitForResult(ctx, nil); err != nil && !isManagedObjectNotFound(err) {
			return errors.Annotatef(err, "powering off %q", name)
		}
	}
	c.logger.Debugf("destroying %q", name)
	task, err := vm.Destroy(ctx)
	if err != nil {
		return errors.Annotatef(err, "destroying %q", name)
	}
	if _, err := task.WaitForResult(ctx, nil); err != nil && !isManagedObjectNotFound(err) {
		return errors.Annotatef(err, "destroying %q", name)
	}
	return nil
}

// UploadToDatastore writes contents to dsPath on the named datastore.
func (c *Client) UploadToDatastore(ctx context.Context, datastore, dsPath string, contents []byte) error {
	finder, _, err := c.finder(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	ds, err := finder.Datastore(ctx, datastore)
	if err != nil {
		if _, ok := err.(*find.NotFoundError); ok {
			return errors.NotFoundf("datastore %q", datastore)
		}
		return errors.Trace(err)
	}
	c.logger.Debugf("uploading %s to %q", humanize.IBytes(uint64(len(contents))), ds.Path(dsPath))
	p := soap.DefaultUpload
	if err := ds.Upload(ctx, bytes.NewReader(contents), dsPath, &p); err != nil {
		return errors.Annotatef(err, "uploading to %q", dsPath)
	}
	return nil
}

func isManagedObjectNotFound(err error) bool {
	if err == nil {
		return false
	}
	if f, ok := err.(types.HasFault); ok {
		switch f.Fault().(type) {
		case *types.ManagedObjectNotFound:
			return true
		}
	}
	return false
}

func acquireMutex(spec mutex.Spec) (func(), error) {
	releaser, err := mutex.Acquire(spec)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return func() { releaser.Release() }, nil
}

// mutexName squashes an arbitrary identifier into the character set and
// length the mutex package accepts.
func mutexName(id string) string {
	var b strings.Builder
	b.WriteString("vmp-")
	for _, r := range strings.ToLower(id) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
		if b.Len() >= 40 {
			break
		}
	}
	return b.String()
}
