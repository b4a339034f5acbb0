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

// Package daemon provides utilities for interacting with the init system's
// service registry, on linux it uses systemd.
package daemon

import (
	"context"

	"github.com/GoogleCloudPlatform/galog"
)

// Client is the client for interacting with systemd.
var Client ClientInterface

// ServiceStatus is the status of a systemd unit.
type ServiceStatus int

const (
	// Unknown is an unknown status.
	Unknown ServiceStatus = iota
	// Active is an active status.
	Active
	// Inactive is an inactive status.
	Inactive
	// Failed is a failed status.
	Failed
)

// ClientInterface provides utilities for interacting with systemd.
type ClientInterface interface {
	// EnableService enables a unit so it starts automatically on boot. The unit
	// is not started.
	EnableService(ctx context.Context, unit string) error
	// DisableService disables a unit. It essentially prevents the unit from
	// starting automatically on boot.
	DisableService(ctx context.Context, unit string) error
	// CheckUnitExists checks if a systemd unit exists.
	CheckUnitExists(ctx context.Context, unit string) (bool, error)
	// ReloadDaemon reloads the systemd manager configuration, making newly
	// installed unit files visible.
	ReloadDaemon(ctx context.Context) error
	// UnitStatus returns the status of a systemd unit.
	UnitStatus(ctx context.Context, unit string) (ServiceStatus, error)
	// StopDaemon stops a unit.
	StopDaemon(ctx context.Context, unit string) error
	// StartDaemon starts a unit.
	StartDaemon(ctx context.Context, unit string) error
}

// EnableService enables a unit so it starts automatically on boot.
func EnableService(ctx context.Context, unit string) error {
	galog.Infof("Enabling unit: %q", unit)
	return Client.EnableService(ctx, unit)
}

// DisableService disables a unit. It essentially prevents the unit from
// starting automatically on boot.
func DisableService(ctx context.Context, unit string) error {
	galog.Infof("Disabling unit: %q", unit)
	return Client.DisableService(ctx, unit)
}

// CheckUnitExists checks if a systemd unit exists.
func CheckUnitExists(ctx context.Context, unit string) (bool, error) {
	return Client.CheckUnitExists(ctx, unit)
}

// ReloadDaemon reloads the systemd manager configuration.
func ReloadDaemon(ctx context.Context) error {
	galog.Infof("Reloading systemd manager configuration")
	return Client.ReloadDaemon(ctx)
}

// UnitStatus returns the status of a systemd unit.
func UnitStatus(ctx context.Context, unit string) (ServiceStatus, error) {
	return Client.UnitStatus(ctx, unit)
}

// StopDaemon stops a unit.
func StopDaemon(ctx context.Context, unit string) error {
	galog.Infof("Stopping unit: %q", unit)
	return Client.StopDaemon(ctx, unit)
}

// StartDaemon starts a unit.
func StartDaemon(ctx context.Context, unit string) error {
	galog.Infof("Starting unit: %q", unit)
	return Client.StartDaemon(ctx, unit)
}
