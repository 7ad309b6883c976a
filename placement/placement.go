// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package placement decides which cluster and datastore a machine
// lands on. The default strategy spreads by free capacity; it does not
// serialize concurrent decisions, so two simultaneous requests may
// jointly over-commit a datastore.
package placement

import (
	"context"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/vmware/govmomi/vim25/mo"

	"github.com/juju/vmprovision/provisioner"
)

var logger = loggo.GetLogger("vmprovision.placement")

// Discoverer enumerates the clusters and datastores available for
// placement.
type Discoverer interface {
	ComputeResources(ctx context.Context) ([]*mo.ClusterComputeResource, error)
	Datastores(ctx context.Context) ([]mo.Datastore, error)
}

// FreeCapacityStrategy places machines on the cluster with the most
// effective memory and the accessible datastore with the most free
// space that covers the machine's disks. Ties break by name, so equal
// inputs yield equal decisions.
type FreeCapacityStrategy struct {
	discoverer Discoverer
	rules      []provisioner.RuleConfig
}

// NewFreeCapacityStrategy returns a strategy discovering capacity
// through discoverer. Any configured rules are carried verbatim on
// every decision.
func NewFreeCapacityStrategy(discoverer Discoverer, rules ...provisioner.RuleConfig) *FreeCapacityStrategy {
	return &FreeCapacityStrategy{discoverer: discoverer, rules: rules}
}

// Place is part of the provisioner.PlacementStrategy interface.
func (s *FreeCapacityStrategy) Place(ctx context.Context, memoryMB, footprintMB int64, existingDisks []provisioner.DiskSpec) (*provisioner.PlacementDecision, error) {
	cluster, err := s.pickCluster(ctx, memoryMB)
	if err != nil {
		return nil, errors.Trace(err)
	}
	requiredMB := footprintMB
	for _, disk := range existingDisks {
		requiredMB += disk.SizeMB
	}
	datastore, err := s.pickDatastore(ctx, requiredMB)
	if err != nil {
		return nil, errors.Trace(err)
	}
	logger.Debugf("placed on cluster %q, datastore %q", cluster.Name, datastore.Summary.Name)
	return &provisioner.PlacementDecision{
		Cluster:   cluster,
		Datastore: datastore,
		Rules:     s.rules,
	}, nil
}

func (s *FreeCapacityStrategy) pickCluster(ctx context.Context, memoryMB int64) (*mo.ClusterComputeResource, error) {
	clusters, err := s.discoverer.ComputeResources(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	sort.Slice(clusters, func(i, j int) bool {
		return clusters[i].Name < clusters[j].Name
	})
	var best *mo.ClusterComputeResource
	var bestMemory int64
	for _, cluster := range clusters {
		if cluster.ResourcePool == nil || cluster.Summary == nil {
			continue
		}
		effective := cluster.Summary.GetComputeResourceSummary().EffectiveMemory
		if effective < memoryMB {
			logger.Tracef("cluster %q too small: %d MiB effective", cluster.Name, effective)
			continue
		}
		if best == nil || effective > bestMemory {
			best = cluster
			bestMemory = effective
		}
	}
	if best == nil {
		return nil, errors.NotFoundf("cluster with %d MiB of effective memory", memoryMB)
	}
	return best, nil
}

func (s *FreeCapacityStrategy) pickDatastore(ctx context.Context, requiredMB int64) (*mo.Datastore, error) {
	datastores, err := s.discoverer.Datastores(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	sort.Slice(datastores, func(i, j int) bool {
		return datastores[i].Summary.Name < datastores[j].Summary.Name
	})
	var best *mo.Datastore
	var bestFree int64
	for i := range datastores {
		datastore := &datastores[i]
		if !datastore.Summary.Accessible {
			logger.Tracef("datastore %q not accessible", datastore.Summary.Name)
			continue
		}
		freeMB := datastore.Summary.FreeSpace / int64(humanize.MiByte)
		if freeMB < requiredMB {
			logger.Tracef("datastore %q too small: %d MiB free", datastore.Summary.Name, freeMB)
			continue
		}
		if best == nil || freeMB > bestFree {
			best = datastore
			bestFree = freeMB
		}
	}
	if best == nil {
		return nil, errors.NotFoundf("datastore with %d MiB free", requiredMB)
	}
	return best, nil
}
