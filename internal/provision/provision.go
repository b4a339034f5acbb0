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

// Package provision brings a host from "agent binary present" to "agent
// service installed, configured and enabled". The sequence is fail fast with
// no rollback, a failure mid-run leaves the host partially provisioned. A
// single run owns the host's account database and unit directory, running two
// provisioners concurrently is not supported.
package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"slices"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/keylime/agent-provisioner/internal/accounts"
	"github.com/keylime/agent-provisioner/internal/agentconfig"
	"github.com/keylime/agent-provisioner/internal/cfg"
	"github.com/keylime/agent-provisioner/internal/daemon"
	"github.com/keylime/agent-provisioner/internal/unitfile"
	"github.com/keylime/agent-provisioner/internal/utils/file"
)

var (
	// ErrNotAdministrator is returned when the provisioner runs without
	// elevated privileges. It is checked before any mutation.
	ErrNotAdministrator = errors.New("must be run as root")

	// ErrAgentNotFound is returned when the agent binary cannot be resolved
	// via PATH.
	ErrAgentNotFound = errors.New("agent binary not found in PATH")
)

// runAsKey is the agent configuration key naming the identity the agent drops
// privileges to after startup.
const runAsKey = "run_as"

// AccountManager abstracts the host's account database.
type AccountManager interface {
	// FindUser looks the user up, returning user.UnknownUserError when absent.
	FindUser(ctx context.Context, username string) (*accounts.User, error)
	// FindGroup looks the group up, returning user.UnknownGroupError when
	// absent.
	FindGroup(ctx context.Context, name string) (*accounts.Group, error)
	// CreateUser creates a system account.
	CreateUser(ctx context.Context, u *accounts.User) error
	// CreateGroup creates a system group.
	CreateGroup(ctx context.Context, name string) error
	// AddUserToGroup makes u a member of g.
	AddUserToGroup(ctx context.Context, u *accounts.User, g *accounts.Group) error
}

// ServiceManager abstracts the init system's service registry.
type ServiceManager interface {
	// EnableService registers the unit for automatic start on boot.
	EnableService(ctx context.Context, unit string) error
	// DisableService deregisters the unit from automatic start.
	DisableService(ctx context.Context, unit string) error
	// StopDaemon stops the unit.
	StopDaemon(ctx context.Context, unit string) error
	// CheckUnitExists checks whether the unit is known to the init system.
	CheckUnitExists(ctx context.Context, unit string) (bool, error)
	// ReloadDaemon makes newly installed unit files visible.
	ReloadDaemon(ctx context.Context) error
}

// Options carries every path and name the provisioner touches.
type Options struct {
	// SystemdUnitDir is the directory unit files are installed to.
	SystemdUnitDir string
	// TemplateDir is the directory holding the unit artifacts shipped
	// alongside the provisioner.
	TemplateDir string
	// AgentConfigPath is the agent's configuration file.
	AgentConfigPath string
	// StateDir is the agent's persistent state directory.
	StateDir string
	// LogDir is the agent's log directory.
	LogDir string
	// RunDir is the agent's runtime directory, restricted to owner-only
	// access.
	RunDir string
	// AgentBinary is the agent executable name resolved via PATH.
	AgentBinary string
	// ServiceUnit is the agent's service unit name.
	ServiceUnit string
	// MountUnit is the secure mount unit name.
	MountUnit string
	// Username is the service account's user name.
	Username string
	// Groupname is the group the service account must belong to.
	Groupname string
	// UserHomeDir is the service account's home directory.
	UserHomeDir string
	// UserShell is the service account's login shell.
	UserShell string
	// RunAs is the user:group pair written to the agent configuration.
	RunAs string
}

// DefaultOptions builds Options from the loaded provisioner configuration.
func DefaultOptions() Options {
	config := cfg.Retrieve()
	return Options{
		SystemdUnitDir:  config.Paths.SystemdUnitDir,
		TemplateDir:     config.Paths.TemplateDir,
		AgentConfigPath: config.Paths.AgentConfig,
		StateDir:        config.Paths.StateDir,
		LogDir:          config.Paths.LogDir,
		RunDir:          config.Paths.RunDir,
		AgentBinary:     config.Agent.Binary,
		ServiceUnit:     config.Agent.ServiceUnit,
		MountUnit:       config.Agent.MountUnit,
		Username:        config.Accounts.User,
		Groupname:       config.Accounts.Group,
		UserHomeDir:     config.Accounts.HomeDir,
		UserShell:       config.Accounts.Shell,
		RunAs:           config.Agent.RunAs,
	}
}

// Provisioner installs the agent's service footprint on the host. All host
// mutations go through the injected collaborators.
type Provisioner struct {
	opts     Options
	accounts AccountManager
	services ServiceManager
	// lookPath resolves the agent binary, defaults to exec.LookPath.
	lookPath func(name string) (string, error)
	// geteuid reports the effective uid, defaults to os.Geteuid.
	geteuid func() int
}

// New returns a Provisioner operating on the real host.
func New(opts Options) *Provisioner {
	return &Provisioner{
		opts:     opts,
		accounts: accountManager{},
		services: serviceManager{},
		lookPath: exec.LookPath,
		geteuid:  os.Geteuid,
	}
}

// Install runs the full provisioning sequence. The first two checks
// (privileges, binary resolution) perform no side effects, every later step
// mutates host state and is fatal on first error with no rollback.
func (p *Provisioner) Install(ctx context.Context) error {
	if p.geteuid() != 0 {
		return ErrNotAdministrator
	}

	installDir, err := p.agentInstallDir()
	if err != nil {
		return err
	}
	galog.Infof("Agent install directory: %q", installDir)

	if err := unitfile.InstallFromTemplate(ctx, p.opts.TemplateDir, p.opts.SystemdUnitDir, p.opts.ServiceUnit, installDir); err != nil {
		return err
	}
	galog.Infof("Installed unit %q", p.opts.ServiceUnit)

	if err := unitfile.InstallVerbatim(ctx, p.opts.TemplateDir, p.opts.SystemdUnitDir, p.opts.MountUnit); err != nil {
		return err
	}
	galog.Infof("Installed unit %q", p.opts.MountUnit)

	owner, err := p.ensureServiceAccount(ctx)
	if err != nil {
		return fmt.Errorf("failed to provision service account %q: %w", p.opts.Username, err)
	}

	if err := agentconfig.SetKey(p.opts.AgentConfigPath, runAsKey, p.opts.RunAs); err != nil {
		return err
	}
	galog.Infof("Agent configured to run as %q", p.opts.RunAs)

	if err := p.materializeDirectories(); err != nil {
		return err
	}

	if err := p.applyOwnership(owner); err != nil {
		return err
	}

	if err := p.services.ReloadDaemon(ctx); err != nil {
		return err
	}

	for _, unit := range []string{p.opts.ServiceUnit, p.opts.MountUnit} {
		if err := p.services.EnableService(ctx, unit); err != nil {
			return err
		}
		galog.Infof("Enabled unit %q", unit)
	}

	return nil
}

// Uninstall disables and stops the agent's units and removes the installed
// unit files. The service account, the agent configuration and the agent's
// data directories are deliberately left in place.
func (p *Provisioner) Uninstall(ctx context.Context) error {
	if p.geteuid() != 0 {
		return ErrNotAdministrator
	}

	for _, unit := range []string{p.opts.ServiceUnit, p.opts.MountUnit} {
		exists, err := p.services.CheckUnitExists(ctx, unit)
		if err != nil {
			return err
		}
		if !exists {
			galog.Infof("Unit %q not known to the init system, skipping", unit)
			continue
		}

		if err := p.services.StopDaemon(ctx, unit); err != nil {
			galog.Warnf("Failed to stop unit %q: %v", unit, err)
		}
		if err := p.services.DisableService(ctx, unit); err != nil {
			return err
		}
		galog.Infof("Disabled unit %q", unit)
	}

	for _, unit := range []string{p.opts.ServiceUnit, p.opts.MountUnit} {
		path := filepath.Join(p.opts.SystemdUnitDir, unit)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove unit file %q: %w", path, err)
		}
	}

	return p.services.ReloadDaemon(ctx)
}

// agentInstallDir resolves the agent binary via PATH and returns its
// directory. A current-directory resolution means "not found by the search
// mechanism" and is rejected.
func (p *Provisioner) agentInstallDir() (string, error) {
	path, err := p.lookPath(p.opts.AgentBinary)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAgentNotFound, err)
	}

	dir := filepath.Dir(path)
	if dir == "." {
		return "", fmt.Errorf("%w: resolved to the current directory", ErrAgentNotFound)
	}

	return dir, nil
}

// ensureServiceAccount makes sure the service account exists and is a member
// of the agent's group, returning the resulting ownership pair. Existence is
// the only idempotence guard, a pre-existing account is taken as-is even if
// its attributes differ from the expected ones.
func (p *Provisioner) ensureServiceAccount(ctx context.Context) (*file.GUID, error) {
	group, err := p.accounts.FindGroup(ctx, p.opts.Groupname)
	if err != nil {
		var unknownGroup user.UnknownGroupError
		if !errors.As(err, &unknownGroup) {
			return nil, err
		}

		// The group normally ships with the TPM software stack, create it when
		// provisioning hosts where it doesn't.
		if err := p.accounts.CreateGroup(ctx, p.opts.Groupname); err != nil {
			return nil, err
		}
		if group, err = p.accounts.FindGroup(ctx, p.opts.Groupname); err != nil {
			return nil, err
		}
	}

	u, err := p.accounts.FindUser(ctx, p.opts.Username)
	if err != nil {
		var unknownUser user.UnknownUserError
		if !errors.As(err, &unknownUser) {
			return nil, err
		}

		create := &accounts.User{
			Username: p.opts.Username,
			HomeDir:  p.opts.UserHomeDir,
			Shell:    p.opts.UserShell,
		}
		if err := p.accounts.CreateUser(ctx, create); err != nil {
			return nil, err
		}
		if u, err = p.accounts.FindUser(ctx, p.opts.Username); err != nil {
			return nil, err
		}
		galog.Infof("Created service account %q", p.opts.Username)
	} else {
		galog.Infof("Service account %q already present, skipping creation", p.opts.Username)
		if u.HomeDir != p.opts.UserHomeDir || u.Shell != p.opts.UserShell {
			galog.V(1).Debugf("Service account %q attributes differ from expected (home %q, shell %q), left as-is", u.Username, u.HomeDir, u.Shell)
		}
	}

	if !isMember(u, group) {
		if err := p.accounts.AddUserToGroup(ctx, u, group); err != nil {
			return nil, err
		}
		galog.Infof("Added %q to group %q", u.Username, group.Name)
	}

	return &file.GUID{UID: u.UnixUID(), GID: group.UnixGID()}, nil
}

// isMember reports whether u belongs to g, either through its primary group
// or through explicit membership.
func isMember(u *accounts.User, g *accounts.Group) bool {
	if u.GID == g.GID {
		return true
	}
	return slices.Contains(g.Members, u.Username)
}

// materializeDirectories creates the agent's state, log and runtime
// directories, creating intermediate path components as needed. The runtime
// directory is restricted to owner-only access.
func (p *Provisioner) materializeDirectories() error {
	for _, dir := range []string{p.opts.StateDir, p.opts.LogDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %q: %w", dir, err)
		}
	}

	if err := os.MkdirAll(p.opts.RunDir, 0700); err != nil {
		return fmt.Errorf("failed to create directory %q: %w", p.opts.RunDir, err)
	}
	// MkdirAll leaves the mode of pre-existing directories alone.
	if err := os.Chmod(p.opts.RunDir, 0700); err != nil {
		return fmt.Errorf("failed to restrict directory %q: %w", p.opts.RunDir, err)
	}

	return nil
}

// applyOwnership hands the agent's directories and configuration file over to
// the service account.
func (p *Provisioner) applyOwnership(owner *file.GUID) error {
	for _, dir := range []string{p.opts.StateDir, p.opts.LogDir, p.opts.RunDir} {
		if err := chownRecursive(dir, owner); err != nil {
			return err
		}
	}

	if err := chownIfNeeded(p.opts.AgentConfigPath, owner); err != nil {
		return err
	}

	return nil
}

// accountManager is the AccountManager backed by the host's account database.
type accountManager struct{}

func (accountManager) FindUser(ctx context.Context, username string) (*accounts.User, error) {
	return accounts.FindUser(ctx, username)
}

func (accountManager) FindGroup(ctx context.Context, name string) (*accounts.Group, error) {
	return accounts.FindGroup(ctx, name)
}

func (accountManager) CreateUser(ctx context.Context, u *accounts.User) error {
	return accounts.CreateUser(ctx, u)
}

func (accountManager) CreateGroup(ctx context.Context, name string) error {
	return accounts.CreateGroup(ctx, name)
}

func (accountManager) AddUserToGroup(ctx context.Context, u *accounts.User, g *accounts.Group) error {
	return accounts.AddUserToGroup(ctx, u, g)
}

// serviceManager is the ServiceManager backed by the host's init system.
type serviceManager struct{}

func (serviceManager) EnableService(ctx context.Context, unit string) error {
	return daemon.EnableService(ctx, unit)
}

func (serviceManager) DisableService(ctx context.Context, unit string) error {
	return daemon.DisableService(ctx, unit)
}

func (serviceManager) StopDaemon(ctx context.Context, unit string) error {
	return daemon.StopDaemon(ctx, unit)
}

func (serviceManager) CheckUnitExists(ctx context.Context, unit string) (bool, error) {
	return daemon.CheckUnitExists(ctx, unit)
}

func (serviceManager) ReloadDaemon(ctx context.Context) error {
	return daemon.ReloadDaemon(ctx)
}
