// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package provisioner

// ResourceProfile is the caller-supplied compute sizing for a machine.
// The provisioner does not validate magnitudes; malformed sizes are
// forwarded to the remote side as written.
type ResourceProfile struct {
	MemoryMB        int64
	CPUs            int32
	EphemeralDiskMB int64
}

// EphemeralFootprintMB returns the sizing input handed to placement:
// requested ephemeral disk plus memory plus the base image's committed
// storage. The committed size of the image is used rather than any
// nominal size, since thin-provisioned and delta-disk images commit
// more or less than they advertise. The footprint informs placement
// only; it is never used as a device size.
func (p ResourceProfile) EphemeralFootprintMB(imageCommittedMB int64) int64 {
	return p.EphemeralDiskMB + p.MemoryMB + imageCommittedMB
}
