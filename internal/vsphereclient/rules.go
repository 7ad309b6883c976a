// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package vsphereclient

import (
	"context"

	"github.com/juju/errors"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"
)

// RuleApplier adds machines to named separate-machines DRS rules.
type RuleApplier struct {
	client *Client
}

// NewRuleApplier returns a RuleApplier operating through client.
func NewRuleApplier(client *Client) *RuleApplier {
	return &RuleApplier{client: client}
}

// AddMachine adds vm to the cluster's anti-affinity rule named
// ruleName, creating the rule when it does not exist yet.
func (r *RuleApplier) AddMachine(ctx context.Context, cluster types.ManagedObjectReference, ruleName string, vm types.ManagedObjectReference) error {
	var ccr mo.ClusterComputeResource
	if err := r.client.client.RetrieveOne(ctx, cluster, []string{"configurationEx"}, &ccr); err != nil {
		return errors.Annotate(err, "reading cluster rules")
	}
	op := types.ArrayUpdateOperationAdd
	rule := &types.ClusterAntiAffinityRuleSpec{
		ClusterRuleInfo: types.ClusterRuleInfo{
			Name:      ruleName,
			Enabled:   types.NewBool(true),
			Mandatory: types.NewBool(false),
		},
	}
	if config, ok := ccr.ConfigurationEx.(*types.ClusterConfigInfoEx); ok {
		for _, info := range config.Rule {
			existing, ok := info.(*types.ClusterAntiAffinityRuleSpec)
			if !ok || existing.Name != ruleName {
				continue
			}
			op = types.ArrayUpdateOperationEdit
			rule = existing
			break
		}
	}
	rule.Vm = append(rule.Vm, vm)

	spec := &types.ClusterConfigSpecEx{
		RulesSpec: []types.ClusterRuleSpec{{
			ArrayUpdateSpec: types.ArrayUpdateSpec{Operation: op},
			Info:            rule,
		}},
	}
	r.client.logger.Debugf("adding %q to rule %q on cluster %q", vm.Value, ruleName, cluster.Value)
	obj := object.NewClusterComputeResource(r.client.client.Client, cluster)
	task, err := obj.Reconfigure(ctx, spec, true)
	if err != nil {
		return errors.Annotatef(err, "adding machine to rule %q", ruleName)
	}
	if _, err := r.client.waitTask(ctx, task, "reconfiguring cluster"); err != nil {
		return errors.Trace(err)
	}
	return nil
}
