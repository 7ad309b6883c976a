// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Command vmprovision creates virtual machines on a clustered vSphere
// deployment from a YAML configuration file.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/spf13/cobra"

	"github.com/juju/vmprovision/agentenv"
	"github.com/juju/vmprovision/internal/vsphereclient"
	"github.com/juju/vmprovision/placement"
	"github.com/juju/vmprovision/provisioner"
)

var logger = loggo.GetLogger("vmprovision.cmd")

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "vmprovision",
	Short: "Provision virtual machines on vSphere",
	Long: `vmprovision clones virtual machines from snapshotted base images on a
clustered vSphere deployment, attaching disks and network adapters and
injecting boot-time configuration before powering them on.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if logLevel == "" {
			return nil
		}
		level, ok := loggo.ParseLevel(logLevel)
		if !ok {
			return errors.NotValidf("log level %q", logLevel)
		}
		loggo.GetLogger("vmprovision").SetLogLevel(level)
		return nil
	},
}

var createCmd = &cobra.Command{
	Use:   "create <config.yaml>",
	Short: "Create a virtual machine from a configuration file",
	Long: `Create a virtual machine described by a YAML configuration file.

The machine is cloned from the configured base image, resized, attached
to the configured networks and powered on. If any step after the clone
fails, the machine is deleted again before the error is reported.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := ReadConfig(args[0])
		if err != nil {
			return errors.Trace(err)
		}
		name, err := createMachine(cmd.Context(), config)
		if err != nil {
			return errors.Trace(err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), name)
		return nil
	},
}

var destroyCmd = &cobra.Command{
	Use:   "destroy <config.yaml> <machine-name>",
	Short: "Destroy a virtual machine by name",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := ReadConfig(args[0])
		if err != nil {
			return errors.Trace(err)
		}
		ctx := cmd.Context()
		client, err := dial(ctx, config)
		if err != nil {
			return errors.Trace(err)
		}
		defer closeClient(ctx, client)
		return errors.Trace(client.DestroyVirtualMachine(ctx, args[1]))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (TRACE, DEBUG, INFO, WARNING, ERROR)")
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(destroyCmd)
}

func createMachine(ctx context.Context, config *Config) (string, error) {
	client, err := dial(ctx, config)
	if err != nil {
		return "", errors.Trace(err)
	}
	defer closeClient(ctx, client)

	p, err := provisioner.NewProvisioner(provisioner.Config{
		Client:             client,
		Placement:          placement.NewFreeCapacityStrategy(client, config.Rules()...),
		DiskPlanner:        vsphereclient.DiskPlanner{},
		EnvironmentBuilder: agentenv.Builder{},
		EnvironmentWriter:  agentenv.NewISOWriter(client, clock.WallClock),
		RuleApplier:        vsphereclient.NewRuleApplier(client),
		Folder:             config.Folder,
	})
	if err != nil {
		return "", errors.Trace(err)
	}
	name, err := p.Create(ctx, config.Request())
	if err != nil {
		return "", errors.Trace(err)
	}
	return name, nil
}

func dial(ctx context.Context, config *Config) (*vsphereclient.Client, error) {
	u, err := config.EndpointURL()
	if err != nil {
		return nil, errors.Trace(err)
	}
	client, err := vsphereclient.Dial(ctx, u, config.Datacenter, loggo.GetLogger("vmprovision.vsphereclient"))
	if err != nil {
		return nil, errors.Annotate(err, "dialing vSphere")
	}
	return client, nil
}

func closeClient(ctx context.Context, client *vsphereclient.Client) {
	if err := client.Close(ctx); err != nil {
		logger.Warningf("closing client: %v", err)
	}
}
