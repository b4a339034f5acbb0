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

package unitfile

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name       string
		template   string
		installDir string
		want       string
	}{
		{
			name:       "single-occurrence",
			template:   "ExecStart=KEYLIMEDIR/keylime_agent",
			installDir: "/opt/keylime/bin",
			want:       "ExecStart=/opt/keylime/bin/keylime_agent",
		},
		{
			name:       "all-occurrences",
			template:   "ExecStart=KEYLIMEDIR/keylime_agent\nWorkingDirectory=KEYLIMEDIR\n",
			installDir: "/usr/local/bin",
			want:       "ExecStart=/usr/local/bin/keylime_agent\nWorkingDirectory=/usr/local/bin\n",
		},
		{
			name:       "no-placeholder",
			template:   "[Install]\nWantedBy=multi-user.target\n",
			installDir: "/usr/bin",
			want:       "[Install]\nWantedBy=multi-user.target\n",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := string(Render([]byte(tc.template), tc.installDir))
			if got != tc.want {
				t.Errorf("Render(%q, %q) = %q, want %q", tc.template, tc.installDir, got, tc.want)
			}
			if strings.Contains(got, InstallDirPlaceholder) {
				t.Errorf("Render(%q, %q) left placeholder occurrences in %q", tc.template, tc.installDir, got)
			}
		})
	}
}

func TestInstallFromTemplate(t *testing.T) {
	ctx := context.Background()
	templateDir := t.TempDir()
	unitDir := t.TempDir()
	unit := "keylime_agent.service"

	template := "[Service]\nExecStart=KEYLIMEDIR/keylime_agent\n"
	src := filepath.Join(templateDir, unit+TemplateSuffix)
	if err := os.WriteFile(src, []byte(template), 0644); err != nil {
		t.Fatalf("os.WriteFile(%q) failed: %v", src, err)
	}

	if err := InstallFromTemplate(ctx, templateDir, unitDir, unit, "/opt/keylime/bin"); err != nil {
		t.Fatalf("InstallFromTemplate(%q, %q) failed: %v", templateDir, unitDir, err)
	}

	dst := filepath.Join(unitDir, unit)
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("os.ReadFile(%q) failed: %v", dst, err)
	}

	want := "[Service]\nExecStart=/opt/keylime/bin/keylime_agent\n"
	if string(got) != want {
		t.Errorf("InstallFromTemplate(%q) wrote %q, want %q", unit, string(got), want)
	}

	stat, err := os.Stat(dst)
	if err != nil {
		t.Fatalf("os.Stat(%q) failed: %v", dst, err)
	}
	if stat.Mode().Perm() != Mode {
		t.Errorf("InstallFromTemplate(%q) wrote mode %v, want %v", unit, stat.Mode().Perm(), os.FileMode(Mode))
	}
}

func TestInstallFromTemplateMissingArtifact(t *testing.T) {
	ctx := context.Background()
	if err := InstallFromTemplate(ctx, t.TempDir(), t.TempDir(), "keylime_agent.service", "/usr/bin"); err == nil {
		t.Error("InstallFromTemplate() succeeded, want error for missing template artifact")
	}
}

func TestInstallVerbatim(t *testing.T) {
	ctx := context.Background()
	templateDir := t.TempDir()
	unitDir := t.TempDir()
	unit := "var-lib-keylime-secure.mount"

	content := "[Mount]\nWhat=tmpfs\nWhere=/var/lib/keylime/secure\n"
	if err := os.WriteFile(filepath.Join(templateDir, unit), []byte(content), 0644); err != nil {
		t.Fatalf("os.WriteFile(%q) failed: %v", unit, err)
	}

	// Pre-existing file must be overwritten.
	dst := filepath.Join(unitDir, unit)
	if err := os.WriteFile(dst, []byte("stale"), 0644); err != nil {
		t.Fatalf("os.WriteFile(%q) failed: %v", dst, err)
	}

	if err := InstallVerbatim(ctx, templateDir, unitDir, unit); err != nil {
		t.Fatalf("InstallVerbatim(%q, %q) failed: %v", templateDir, unitDir, err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("os.ReadFile(%q) failed: %v", dst, err)
	}
	if string(got) != content {
		t.Errorf("InstallVerbatim(%q) wrote %q, want %q", unit, string(got), content)
	}

	stat, err := os.Stat(dst)
	if err != nil {
		t.Fatalf("os.Stat(%q) failed: %v", dst, err)
	}
	if stat.Mode().Perm() != Mode {
		t.Errorf("InstallVerbatim(%q) wrote mode %v, want %v", unit, stat.Mode().Perm(), os.FileMode(Mode))
	}
}
