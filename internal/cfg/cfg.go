//  Copyright 2025 Keylime Authors
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

// Package cfg is responsible for loading and accessing the provisioner
// configuration.
package cfg

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/template"

	"github.com/GoogleCloudPlatform/galog"
	"gopkg.in/ini.v1"
)

var (
	// instance is the single instance of configuration sections, once loaded this
	// package should always return it.
	instance *Sections

	// dataSources is a pointer to a data source loading/defining function, unit
	// tests will want to change this pointer to whatever makes sense to its
	// implementation.
	dataSources = defaultDataSources

	// defaultConfigValues holds the default values for the template.
	defaultConfigValues = map[string]string{
		"stateDir": defaultStateDir,
	}

	// panicFc is a reference to panic(), it's overridden in unit tests.
	panicFc = panicWrapper

	// cfgMu protects the initialization and retrieval of config instance.
	cfgMu sync.RWMutex
)

const (
	// defaultConfigFile is the user supplied configuration overriding the
	// built-in defaults.
	defaultConfigFile = "/etc/keylime/provisioner.conf"

	// defaultStateDir is the agent's state directory, it doubles as the service
	// account's home directory.
	defaultStateDir = "/var/lib/keylime"

	// defaultConfigTemplate is the default configuration template for the
	// configuration sections.
	defaultConfigTemplate = `
[Core]
log_level = 3
log_verbosity = 0
log_file =

[Paths]
systemd_unit_dir = /etc/systemd/system
agent_config = /etc/keylime.conf
template_dir = ./dist/systemd/system
state_dir = {{.stateDir}}
log_dir = /var/log/keylime
run_dir = /var/run/keylime

[Agent]
binary = keylime_agent
service_unit = keylime_agent.service
mount_unit = var-lib-keylime-secure.mount
run_as = keylime:tss

[Accounts]
user = keylime
group = tss
home_dir = {{.stateDir}}
shell = /sbin/nologin
useradd_cmd = useradd --system --no-create-home --home-dir {home} --shell {shell} {user}
groupadd_cmd = groupadd --system {group}
gpasswd_add_cmd = gpasswd -a {user} {group}
`
)

// Sections encapsulates all the configuration sections.
type Sections struct {
	// Core defines the core provisioner's configuration entries/keys.
	Core *Core `ini:"Core,omitempty"`

	// Paths defines every filesystem location the provisioner reads or writes.
	Paths *Paths `ini:"Paths,omitempty"`

	// Agent defines the agent binary, its unit files and the identity it drops
	// privileges to.
	Agent *Agent `ini:"Agent,omitempty"`

	// Accounts defines the service account management options, behaviors and
	// commands.
	Accounts *Accounts `ini:"Accounts,omitempty"`
}

// Core contains the core configuration entries of the provisioner, all
// configurations not tied/specific to a subsystem are defined in here.
type Core struct {
	// LogLevel defines the log level of the provisioner. The CLI's flag takes
	// precedence over this configuration.
	LogLevel int `ini:"log_level,omitempty"`
	// LogVerbosity defines the log verbosity of the provisioner. The CLI's flag
	// takes precedence over this configuration.
	LogVerbosity int `ini:"log_verbosity,omitempty"`
	// LogFile defines the log file of the provisioner.
	LogFile string `ini:"log_file,omitempty"`
}

// Paths contains the configurations of the Paths section.
type Paths struct {
	// SystemdUnitDir is the directory unit files are installed to.
	SystemdUnitDir string `ini:"systemd_unit_dir,omitempty"`
	// AgentConfig is the agent's configuration file, patched in place.
	AgentConfig string `ini:"agent_config,omitempty"`
	// TemplateDir is the directory holding the unit file artifacts shipped
	// alongside the provisioner.
	TemplateDir string `ini:"template_dir,omitempty"`
	// StateDir is the agent's persistent state directory.
	StateDir string `ini:"state_dir,omitempty"`
	// LogDir is the agent's log directory.
	LogDir string `ini:"log_dir,omitempty"`
	// RunDir is the agent's runtime directory, restricted to owner-only access.
	RunDir string `ini:"run_dir,omitempty"`
}

// Agent contains the configurations of the Agent section.
type Agent struct {
	// Binary is the agent executable name, resolved via PATH.
	Binary string `ini:"binary,omitempty"`
	// ServiceUnit is the agent's service unit name. The template artifact is
	// expected at <template_dir>/<service_unit>.template.
	ServiceUnit string `ini:"service_unit,omitempty"`
	// MountUnit is the secure mount unit name, installed verbatim.
	MountUnit string `ini:"mount_unit,omitempty"`
	// RunAs is the user:group pair the agent drops privileges to.
	RunAs string `ini:"run_as,omitempty"`
}

// Accounts contains the configurations of the Accounts section.
type Accounts struct {
	// User is the service account's user name.
	User string `ini:"user,omitempty"`
	// Group is the group the service account must be a member of. It is
	// expected to be installed by the TPM software stack.
	Group string `ini:"group,omitempty"`
	// HomeDir is the service account's home directory, not created on account
	// creation.
	HomeDir string `ini:"home_dir,omitempty"`
	// Shell is the service account's login shell.
	Shell string `ini:"shell,omitempty"`
	// UserAddCmd is the templated user creation command, {user}, {home} and
	// {shell} are substituted.
	UserAddCmd string `ini:"useradd_cmd,omitempty"`
	// GroupAddCmd is the templated group creation command, {group} is
	// substituted.
	GroupAddCmd string `ini:"groupadd_cmd,omitempty"`
	// GPasswdAddCmd is the templated group membership command, {user} and
	// {group} are substituted.
	GPasswdAddCmd string `ini:"gpasswd_add_cmd,omitempty"`
}

// panicWrapper is a wrapper over panic() to make it testable.
func panicWrapper(args ...any) {
	panic(args)
}

func applyTemplate(templateStr string, data map[string]string, buffer io.Writer) error {
	t, err := template.New("").Parse(templateStr)
	if err != nil {
		return fmt.Errorf("failed to parse template: %w", err)
	}
	err = t.Execute(buffer, data)
	if err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}

	return nil
}

func defaultDataSources(extraDefaults []byte) []any {
	var res []any

	if len(extraDefaults) > 0 {
		res = append(res, extraDefaults)
	}

	return append(res, defaultConfigFile)
}

// Load loads default configuration and the configuration from default config
// files.
func Load(extraDefaults []byte) error {
	cfgMu.Lock()
	defer cfgMu.Unlock()
	opts := ini.LoadOptions{
		Loose:       true,
		Insensitive: true,
	}

	var buffer bytes.Buffer
	err := applyTemplate(defaultConfigTemplate, defaultConfigValues, &buffer)
	if err != nil {
		return fmt.Errorf("unable to apply %v to config template: %w", defaultConfigValues, err)
	}

	sources := dataSources(extraDefaults)
	galog.V(3).Debugf("Loading configuration from sources: %v", sources)
	cfg, err := ini.LoadSources(opts, buffer.Bytes(), sources...)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %+w", err)
	}

	sections := new(Sections)
	if err := cfg.MapTo(sections); err != nil {
		return fmt.Errorf("failed to map configuration to object: %w", err)
	}

	instance = sections
	return nil
}

// Retrieve returns the configuration's instance previously loaded with Load().
func Retrieve() *Sections {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	if instance == nil {
		panicFc("cfg package was not initialized, Load() should be called in the early initialization code path")
	}
	return instance
}

// ToString returns the configuration's instance previously loaded with Load()
// as a string. This splits it up as a slice of strings separated by sections.
func ToString() (string, error) {
	buffer := new(bytes.Buffer)

	// Marshal the configuration to ini.
	cfg := ini.Empty()
	if err := ini.ReflectFrom(cfg, instance); err != nil {
		return "", fmt.Errorf("failed to reflect configuration to object: %w", err)
	}

	// Write the configuration to a buffer.
	if _, err := cfg.WriteTo(buffer); err != nil {
		return "", fmt.Errorf("failed to write configuration to buffer: %w", err)
	}
	configString := strings.TrimSpace(buffer.String())

	// The ini string splits sections by two new lines.
	return configString, nil
}
