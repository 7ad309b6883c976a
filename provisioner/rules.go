// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package provisioner

import (
	"context"

	"github.com/juju/errors"
	"github.com/vmware/govmomi/vim25/types"
)

// applyRule registers the machine with the placement decision's
// anti-affinity rule, when one is configured. The preconditions are
// checked in order and each failure is terminal: no rule is a no-op,
// more than one rule or a kind other than separate-machines is a
// configuration error.
func (p *Provisioner) applyRule(ctx context.Context, decision *PlacementDecision, vm types.ManagedObjectReference) error {
	switch len(decision.Rules) {
	case 0:
		return nil
	case 1:
	default:
		return errors.NotSupportedf("%d anti-affinity rules in one placement decision", len(decision.Rules))
	}
	rule := decision.Rules[0]
	if rule.Kind != RuleSeparateMachines {
		return errors.NotSupportedf("anti-affinity rule kind %q", rule.Kind)
	}
	if err := p.ruleApplier.AddMachine(ctx, decision.Cluster.Self, rule.Name, vm); err != nil {
		return errors.Annotatef(err, "adding machine to rule %q", rule.Name)
	}
	return nil
}
