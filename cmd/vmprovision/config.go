// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"net/url"
	"os"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"github.com/juju/vmprovision/provisioner"
)

// Config is the YAML configuration for the vmprovision command. It
// combines the connection details for the vSphere endpoint with the
// description of the machine to create.
type Config struct {
	// Endpoint is the URL of the vSphere API endpoint, for example
	// "https://vcenter.example.com/sdk".
	Endpoint string `yaml:"endpoint"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Datacenter scopes all inventory lookups.
	Datacenter string `yaml:"datacenter"`

	// Folder is the inventory folder new machines are cloned into,
	// relative to the datacenter's root VM folder. Empty means the
	// root VM folder itself.
	Folder string `yaml:"folder,omitempty"`

	// AntiAffinityRule, when set, names the separate-machines rule
	// the new machine joins on its cluster.
	AntiAffinityRule string `yaml:"anti_affinity_rule,omitempty"`

	Machine MachineConfig `yaml:"machine"`
}

// MachineConfig describes the machine to create.
type MachineConfig struct {
	AgentID         string                   `yaml:"agent_id"`
	BaseImage       string                   `yaml:"base_image"`
	MemoryMB        int64                    `yaml:"memory_mb"`
	CPUs            int32                    `yaml:"cpus"`
	EphemeralDiskMB int64                    `yaml:"ephemeral_disk_mb"`
	Networks        map[string]NetworkConfig `yaml:"networks"`
	ExistingDisks   []DiskConfig             `yaml:"existing_disks,omitempty"`
	Environment     map[string]interface{}   `yaml:"environment,omitempty"`
}

// NetworkConfig describes one network attachment, keyed in
// MachineConfig.Networks by its logical name.
type NetworkConfig struct {
	ProviderNetwork string                 `yaml:"provider_network"`
	Settings        map[string]interface{} `yaml:"settings,omitempty"`
}

// DiskConfig references a disk that already exists on a datastore.
type DiskConfig struct {
	Path   string `yaml:"path"`
	SizeMB int64  `yaml:"size_mb"`
}

// ReadConfig reads and validates a Config from the file at path.
func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "reading config")
	}
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.Annotate(err, "parsing config")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &config, nil
}

// Validate returns an error if the configuration is incomplete.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.NotValidf("empty endpoint")
	}
	if _, err := url.Parse(c.Endpoint); err != nil {
		return errors.NotValidf("endpoint %q", c.Endpoint)
	}
	if c.Username == "" {
		return errors.NotValidf("empty username")
	}
	if c.Datacenter == "" {
		return errors.NotValidf("empty datacenter")
	}
	if c.Machine.BaseImage == "" {
		return errors.NotValidf("empty base_image")
	}
	if c.Machine.AgentID == "" {
		return errors.NotValidf("empty agent_id")
	}
	return nil
}

// EndpointURL returns the endpoint as a URL carrying the configured
// credentials.
func (c *Config) EndpointURL() (*url.URL, error) {
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return nil, errors.Trace(err)
	}
	u.User = url.UserPassword(c.Username, c.Password)
	return u, nil
}

// Request translates the machine configuration into a provisioning
// request.
func (c *Config) Request() provisioner.Request {
	networks := make(map[string]provisioner.NetworkConfig, len(c.Machine.Networks))
	for name, network := range c.Machine.Networks {
		networks[name] = provisioner.NetworkConfig{
			ProviderNetwork: network.ProviderNetwork,
			Settings:        network.Settings,
		}
	}
	disks := make([]provisioner.DiskSpec, len(c.Machine.ExistingDisks))
	for i, disk := range c.Machine.ExistingDisks {
		disks[i] = provisioner.DiskSpec{Path: disk.Path, SizeMB: disk.SizeMB}
	}
	return provisioner.Request{
		AgentID:   c.Machine.AgentID,
		BaseImage: c.Machine.BaseImage,
		Profile: provisioner.ResourceProfile{
			MemoryMB:        c.Machine.MemoryMB,
			CPUs:            c.Machine.CPUs,
			EphemeralDiskMB: c.Machine.EphemeralDiskMB,
		},
		Networks:      networks,
		ExistingDisks: disks,
		Environment:   c.Machine.Environment,
	}
}

// Rules returns the anti-affinity rules to attach to every placement
// decision.
func (c *Config) Rules() []provisioner.RuleConfig {
	if c.AntiAffinityRule == "" {
		return nil
	}
	return []provisioner.RuleConfig{{
		Name: c.AntiAffinityRule,
		Kind: provisioner.RuleSeparateMachines,
	}}
}
