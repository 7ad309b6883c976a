// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package vsphereclient

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/vim25/progress"
	"github.com/vmware/govmomi/vim25/types"
)

// waitTask waits for a remote task to complete, logging progress
// reports at trace level. The action is used to annotate errors.
func (c *Client) waitTask(ctx context.Context, task *object.Task, action string) (*types.TaskInfo, error) {
	info, err := task.WaitForResult(ctx, &progressLogger{logger: c.logger, action: action})
	if err != nil {
		return nil, errors.Annotate(err, action)
	}
	return info, nil
}

// progressLogger is a progress.Sinker that logs task progress reports.
type progressLogger struct {
	logger loggo.Logger
	action string
}

// Sink is part of the progress.Sinker interface. The returned channel
// is closed by the task waiter when the task completes.
func (p *progressLogger) Sink() chan<- progress.Report {
	ch := make(chan progress.Report)
	go func() {
		for report := range ch {
			if report.Error() != nil {
				continue
			}
			p.logger.Tracef("%s: %.0f%% %s", p.action, report.Percentage(), report.Detail())
		}
	}()
	return ch
}
