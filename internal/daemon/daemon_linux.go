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

//go:build linux

package daemon

import (
	"context"
	"fmt"
	"strings"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/keylime/agent-provisioner/internal/run"
)

func init() {
	// Client is the client for interacting with systemd.
	Client = systemdClient{}
}

// systemdClient is the linux implementation of ClientInterface.
type systemdClient struct{}

// ReloadDaemon reloads the systemd manager configuration.
func (systemdClient) ReloadDaemon(ctx context.Context) error {
	if _, err := run.WithContext(ctx, run.Options{
		OutputType: run.OutputCombined,
		Name:       "systemctl",
		Args:       []string{"daemon-reload"},
	}); err != nil {
		return fmt.Errorf("failed to reload systemd manager configuration: %w", err)
	}
	return nil
}

// CheckUnitExists checks if a systemd unit exists.
func (systemdClient) CheckUnitExists(ctx context.Context, unit string) (bool, error) {
	if !strings.Contains(unit, ".") {
		unit = unit + ".service"
	}

	_, err := run.WithContext(ctx, run.Options{
		OutputType: run.OutputCombined,
		Name:       "systemctl",
		Args:       []string{"status", unit},
	})
	if err == nil {
		return true, nil
	}
	if exitErr, ok := run.AsExitError(err); ok {
		// https://man7.org/linux/man-pages/man1/systemctl.1.html#EXIT_STATUS
		// Check for the specific exit code (4) which means "no such unit".
		if exitErr.ExitCode() == 4 {
			return false, nil
		}
	}
	galog.Infof("Status check for unit %q completed with: %v, defaulting to true", unit, err)
	return true, nil
}

// UnitStatus returns the status of a systemd unit.
func (systemdClient) UnitStatus(ctx context.Context, unit string) (ServiceStatus, error) {
	res, err := run.WithContext(ctx, run.Options{
		OutputType: run.OutputStdout,
		Name:       "systemctl",
		Args:       []string{"is-active", unit},
	})
	if err != nil {
		return Unknown, fmt.Errorf("failed to get status of unit %q: %w", unit, err)
	}

	// Remove newlines from the output - systemctl is-active will always return
	// a single line with a new line character at the end in case of non error.
	status := strings.TrimSpace(res.Output)

	switch status {
	case "active":
		return Active, nil
	case "inactive":
		return Inactive, nil
	case "failed":
		return Failed, nil
	}

	return Unknown, nil
}

func (systemdClient) StopDaemon(ctx context.Context, unit string) error {
	if _, err := run.WithContext(ctx, run.Options{
		OutputType: run.OutputCombined,
		Name:       "systemctl",
		Args:       []string{"stop", unit},
	}); err != nil {
		return fmt.Errorf("failed to stop unit %q: %w", unit, err)
	}
	return nil
}

func (systemdClient) StartDaemon(ctx context.Context, unit string) error {
	if _, err := run.WithContext(ctx, run.Options{
		OutputType: run.OutputCombined,
		Name:       "systemctl",
		Args:       []string{"start", unit},
	}); err != nil {
		return fmt.Errorf("failed to start unit %q: %w", unit, err)
	}
	return nil
}

func (systemdClient) EnableService(ctx context.Context, unit string) error {
	if _, err := run.WithContext(ctx, run.Options{
		OutputType: run.OutputCombined,
		Name:       "systemctl",
		Args:       []string{"enable", unit},
	}); err != nil {
		return fmt.Errorf("failed to enable unit %q: %w", unit, err)
	}
	return nil
}

func (systemdClient) DisableService(ctx context.Context, unit string) error {
	if _, err := run.WithContext(ctx, run.Options{
		OutputType: run.OutputCombined,
		Name:       "systemctl",
		Args:       []string{"--no-reload", "disable", unit},
	}); err != nil {
		return fmt.Errorf("failed to disable unit %q: %w", unit, err)
	}
	return nil
}
