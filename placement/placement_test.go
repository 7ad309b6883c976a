// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package placement_test

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"
	gc "gopkg.in/check.v1"

	"github.com/juju/vmprovision/placement"
	"github.com/juju/vmprovision/provisioner"
)

type mockDiscoverer struct {
	stub       *testing.Stub
	clusters   []*mo.ClusterComputeResource
	datastores []mo.Datastore
}

func (d *mockDiscoverer) ComputeResources(ctx context.Context) ([]*mo.ClusterComputeResource, error) {
	d.stub.MethodCall(d, "ComputeResources")
	return d.clusters, d.stub.NextErr()
}

func (d *mockDiscoverer) Datastores(ctx context.Context) ([]mo.Datastore, error) {
	d.stub.MethodCall(d, "Datastores")
	return d.datastores, d.stub.NextErr()
}

func buildCluster(name string, effectiveMemoryMB int64) *mo.ClusterComputeResource {
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
			Summary: &types.ClusterComputeResourceSummary{
				ComputeResourceSummary: types.ComputeResourceSummary{
					EffectiveMemory: effectiveMemoryMB,
				},
			},
		},
	}
}

func buildDatastore(name string, freeMB int64, accessible bool) mo.Datastore {
	return mo.Datastore{
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
			Accessible: accessible,
			FreeSpace:  freeMB * int64(humanize.MiByte),
		},
	}
}

type placementSuite struct {
	testing.IsolationSuite

	stub       *testing.Stub
	discoverer *mockDiscoverer
}

var _ = gc.Suite(&placementSuite{})

func (s *placementSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.stub = &testing.Stub{}
	s.discoverer = &mockDiscoverer{
		stub: s.stub,
		clusters: []*mo.ClusterComputeResource{
			buildCluster("small", 4096),
			buildCluster("large", 32768),
		},
		datastores: []mo.Datastore{
			buildDatastore("datastore1", 10240, true),
			buildDatastore("datastore2", 102400, true),
		},
	}
}

func (s *placementSuite) TestPlace(c *gc.C) {
	strategy := placement.NewFreeCapacityStrategy(s.discoverer)
	decision, err := strategy.Place(context.Background(), 2048, 7168, nil)
	c.Assert(err, jc.ErrorIsNil)
	s.stub.CheckCallNames(c, "ComputeResources", "Datastores")
	c.Assert(decision.Cluster.Name, gc.Equals, "large")
	c.Assert(decision.Datastore.Summary.Name, gc.Equals, "datastore2")
	c.Assert(decision.Rules, gc.HasLen, 0)
}

func (s *placementSuite) TestPlaceCarriesRules(c *gc.C) {
	rule := provisioner.RuleConfig{
		Name: "spread-workers",
		Kind: provisioner.RuleSeparateMachines,
	}
	strategy := placement.NewFreeCapacityStrategy(s.discoverer, rule)
	decision, err := strategy.Place(context.Background(), 2048, 7168, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(decision.Rules, jc.DeepEquals, []provisioner.RuleConfig{rule})
}

func (s *placementSuite) TestPlaceSkipsClustersWithoutResourcePool(c *gc.C) {
	s.discoverer.clusters[1].ResourcePool = nil
	strategy := placement.NewFreeCapacityStrategy(s.discoverer)
	decision, err := strategy.Place(context.Background(), 2048, 7168, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(decision.Cluster.Name, gc.Equals, "small")
}

func (s *placementSuite) TestPlaceClusterTieBreaksByName(c *gc.C) {
	s.discoverer.clusters = []*mo.ClusterComputeResource{
		buildCluster("zeta", 8192),
		buildCluster("alpha", 8192),
	}
	strategy := placement.NewFreeCapacityStrategy(s.discoverer)
	decision, err := strategy.Place(context.Background(), 2048, 7168, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(decision.Cluster.Name, gc.Equals, "alpha")
}

func (s *placementSuite) TestPlaceNoClusterFits(c *gc.C) {
	strategy := placement.NewFreeCapacityStrategy(s.discoverer)
	_, err := strategy.Place(context.Background(), 65536, 7168, nil)
	c.Assert(err, jc.Satisfies, errors.IsNotFound)
	c.Assert(err, gc.ErrorMatches, "cluster with 65536 MiB of effective memory not found")
	s.stub.CheckCallNames(c, "ComputeResources")
}

func (s *placementSuite) TestPlaceSkipsInaccessibleDatastores(c *gc.C) {
	s.discoverer.datastores = []mo.Datastore{
		buildDatastore("datastore1", 10240, true),
		buildDatastore("datastore2", 102400, false),
	}
	strategy := placement.NewFreeCapacityStrategy(s.discoverer)
	decision, err := strategy.Place(context.Background(), 2048, 7168, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(decision.Datastore.Summary.Name, gc.Equals, "datastore1")
}

func (s *placementSuite) TestPlaceDatastoreTieBreaksByName(c *gc.C) {
	s.discoverer.datastores = []mo.Datastore{
		buildDatastore("zeta", 10240, true),
		buildDatastore("alpha", 10240, true),
	}
	strategy := placement.NewFreeCapacityStrategy(s.discoverer)
	decision, err := strategy.Place(context.Background(), 2048, 7168, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(decision.Datastore.Summary.Name, gc.Equals, "alpha")
}

func (s *placementSuite) TestPlaceExistingDisksRaiseRequirement(c *gc.C) {
	// 7168 alone fits on datastore1; the existing disks push the
	// requirement past it.
	disks := []provisioner.DiskSpec{
		{Path: "[datastore1] disks/disk-0.vmdk", SizeMB: 2048},
		{Path: "[datastore1] disks/disk-1.vmdk", SizeMB: 4096},
	}
	strategy := placement.NewFreeCapacityStrategy(s.discoverer)
	decision, err := strategy.Place(context.Background(), 2048, 7168, disks)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(decision.Datastore.Summary.Name, gc.Equals, "datastore2")

	s.discoverer.datastores = s.discoverer.datastores[:1]
	_, err = strategy.Place(context.Background(), 2048, 7168, disks)
	c.Assert(err, jc.Satisfies, errors.IsNotFound)
	c.Assert(err, gc.ErrorMatches, "datastore with 13312 MiB free not found")
}

func (s *placementSuite) TestPlaceDiscovererErrors(c *gc.C) {
	strategy := placement.NewFreeCapacityStrategy(s.discoverer)

	s.stub.SetErrors(errors.New("connection reset"))
	_, err := strategy.Place(context.Background(), 2048, 7168, nil)
	c.Assert(err, gc.ErrorMatches, "connection reset")

	s.stub.SetErrors(nil, errors.New("connection reset"))
	_, err = strategy.Place(context.Background(), 2048, 7168, nil)
	c.Assert(err, gc.ErrorMatches, "connection reset")
}
