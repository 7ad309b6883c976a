// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package agentenv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"github.com/kdomanski/iso9660"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"
)

const (
	envFileName = "env.json"
	isoFileName = "env.iso"
	uploadTries = 3
	uploadDelay = time.Second
	volumeLabel = "ENV"
)

// Session is the slice of the vSphere client the writer needs.
type Session interface {
	UploadToDatastore(ctx context.Context, datastore, dsPath string, contents []byte) error
	VirtualMachineProperties(ctx context.Context, vm types.ManagedObjectReference, keys ...string) (*mo.VirtualMachine, error)
	ReconfigureAndWait(ctx context.Context, vm types.ManagedObjectReference, spec types.VirtualMachineConfigSpec) error
}

// ISOWriter persists environment documents by wrapping them in an
// ISO9660 image, uploading the image into the machine's datastore
// directory and connecting the machine's CD-ROM drive to it.
type ISOWriter struct {
	session Session
	clock   clock.Clock
}

// NewISOWriter returns a writer persisting documents through session.
func NewISOWriter(session Session, clock clock.Clock) *ISOWriter {
	return &ISOWriter{session: session, clock: clock}
}

// Write uploads doc beside the machine's files and attaches it. The
// upload is retried a few times since datastore uploads fail
// transiently while the newly cloned machine's directory settles.
func (w *ISOWriter) Write(ctx context.Context, vm types.ManagedObjectReference, location Location, doc *Document) error {
	image, err := packISO(doc)
	if err != nil {
		return errors.Trace(err)
	}
	isoPath := path.Join(location.VMName, isoFileName)
	logger.Debugf("uploading %s environment image to [%s] %s",
		humanize.IBytes(uint64(len(image))), location.Datastore, isoPath)
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			return w.session.UploadToDatastore(ctx, location.Datastore, isoPath, image)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("attempt %d to upload %q: %v", attempt, isoPath, err)
		},
		Attempts: uploadTries,
		Delay:    uploadDelay,
		Clock:    w.clock,
	})
	if err != nil {
		return errors.Annotatef(err, "uploading environment image to %q", isoPath)
	}
	return errors.Trace(w.attach(ctx, vm, location, isoPath))
}

// attach points the machine's CD-ROM at the uploaded image and connects
// it, so the agent sees the document on first boot.
func (w *ISOWriter) attach(ctx context.Context, vm types.ManagedObjectReference, location Location, isoPath string) error {
	props, err := w.session.VirtualMachineProperties(ctx, vm, "config.hardware.device")
	if err != nil {
		return errors.Trace(err)
	}
	var cdrom *types.VirtualCdrom
	if props.Config != nil {
		for _, dev := range props.Config.Hardware.Device {
			if dev, ok := dev.(*types.VirtualCdrom); ok {
				cdrom = dev
				break
			}
		}
	}
	if cdrom == nil {
		return errors.NotFoundf("CD-ROM device on %q", location.VMName)
	}
	cdrom.Backing = &types.VirtualCdromIsoBackingInfo{
		VirtualDeviceFileBackingInfo: types.VirtualDeviceFileBackingInfo{
			FileName: fmt.Sprintf("[%s] %s", location.Datastore, isoPath),
		},
	}
	cdrom.Connectable = &types.VirtualDeviceConnectInfo{
		Connected:      true,
		StartConnected: true,
	}
	spec := types.VirtualMachineConfigSpec{
		DeviceChange: []types.BaseVirtualDeviceConfigSpec{
			&types.VirtualDeviceConfigSpec{
				Operation: types.VirtualDeviceConfigSpecOperationEdit,
				Device:    cdrom,
			},
		},
	}
	if err := w.session.ReconfigureAndWait(ctx, vm, spec); err != nil {
		return errors.Annotate(err, "connecting environment image")
	}
	return nil
}

func packISO(doc *Document) ([]byte, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Trace(err)
	}
	writer, err := iso9660.NewWriter()
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer func() { _ = writer.Cleanup() }()
	if err := writer.AddFile(bytes.NewReader(body), envFileName); err != nil {
		return nil, errors.Trace(err)
	}
	var buf bytes.Buffer
	if err := writer.WriteTo(&buf, volumeLabel); err != nil {
		return nil, errors.Trace(err)
	}
	return buf.Bytes(), nil
}
