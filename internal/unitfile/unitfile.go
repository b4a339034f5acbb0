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

// Package unitfile renders and installs the agent's systemd unit files.
package unitfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/keylime/agent-provisioner/internal/utils/file"
)

const (
	// InstallDirPlaceholder is the marker token the service unit template
	// carries in place of the agent's install directory.
	InstallDirPlaceholder = "KEYLIMEDIR"

	// TemplateSuffix is the suffix of template artifacts shipped alongside the
	// provisioner.
	TemplateSuffix = ".template"

	// Mode is the permission set applied to installed unit files: read-write
	// for owner and group, no world access.
	Mode = 0660
)

// Render substitutes every occurrence of the install directory placeholder in
// template with installDir and returns the final unit file content.
func Render(template []byte, installDir string) []byte {
	return []byte(strings.ReplaceAll(string(template), InstallDirPlaceholder, installDir))
}

// InstallFromTemplate reads the unit's template from templateDir, renders it
// with installDir and writes the result to unitDir, overwriting any existing
// file there.
func InstallFromTemplate(ctx context.Context, templateDir, unitDir, unit, installDir string) error {
	src := filepath.Join(templateDir, unit+TemplateSuffix)

	content, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read unit template %q: %w", src, err)
	}

	dst := filepath.Join(unitDir, unit)
	galog.Debugf("Rendering unit template %q to %q", src, dst)

	rendered := Render(content, installDir)
	if err := file.SaferWriteFile(ctx, rendered, dst, file.Options{Perm: Mode}); err != nil {
		return fmt.Errorf("failed to install unit %q: %w", unit, err)
	}
	return nil
}

// InstallVerbatim copies the unit file from templateDir to unitDir byte for
// byte, overwriting any existing file there.
func InstallVerbatim(ctx context.Context, templateDir, unitDir, unit string) error {
	src := filepath.Join(templateDir, unit)
	dst := filepath.Join(unitDir, unit)
	galog.Debugf("Copying unit file %q to %q", src, dst)

	if err := file.CopyFile(ctx, src, dst, file.Options{Perm: Mode}); err != nil {
		return fmt.Errorf("failed to install unit %q: %w", unit, err)
	}
	return nil
}
