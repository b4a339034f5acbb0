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

//go:build !windows

package accounts

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/keylime/agent-provisioner/internal/cfg"
	"github.com/keylime/agent-provisioner/internal/run"
)

// mockRunner is a mock implementation of the run.RunnerInterface.
type mockRunner struct {
	// callback is the test's mock implementation.
	callback func(context.Context, run.Options) (*run.Result, error)
}

// WithContext is a mock implementation of the run.RunnerInterface.
func (m *mockRunner) WithContext(ctx context.Context, opts run.Options) (*run.Result, error) {
	return m.callback(ctx, opts)
}

func swapRunClient(t *testing.T, client run.RunnerInterface) {
	t.Helper()
	saved := run.Client
	t.Cleanup(func() { run.Client = saved })
	run.Client = client
}

func TestParsePasswdEntry(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		username string
		want     *User
		wantErr  bool
	}{
		{
			name:     "success",
			line:     "keylime:x:978:59::/var/lib/keylime:/sbin/nologin\n",
			username: "keylime",
			want: &User{
				Username: "keylime",
				UID:      "978",
				GID:      "59",
				HomeDir:  "/var/lib/keylime",
				Shell:    "/sbin/nologin",
			},
		},
		{
			name:     "wrong-user",
			line:     "root:x:0:0:root:/root:/bin/bash\n",
			username: "keylime",
			wantErr:  true,
		},
		{
			name:     "truncated-entry",
			line:     "keylime:x:978\n",
			username: "keylime",
			wantErr:  true,
		},
		{
			name:     "invalid-uid",
			line:     "keylime:x:abc:59::/var/lib/keylime:/sbin/nologin\n",
			username: "keylime",
			wantErr:  true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parsePasswdEntry(tc.line, tc.username)
			if (err != nil) != tc.wantErr {
				t.Fatalf("parsePasswdEntry(%q, %q) = %v, wantErr: %t", tc.line, tc.username, err, tc.wantErr)
			}
			if tc.wantErr {
				return
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("parsePasswdEntry(%q, %q) returned diff (-want +got):\n%s", tc.line, tc.username, diff)
			}
		})
	}
}

func TestParseGroupEntry(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		groupName string
		want      *Group
		wantErr   bool
	}{
		{
			name:      "success-with-members",
			line:      "tss:x:59:keylime,root\n",
			groupName: "tss",
			want: &Group{
				Name:    "tss",
				GID:     "59",
				Members: []string{"keylime", "root"},
			},
		},
		{
			name:      "success-no-members",
			line:      "tss:x:59:\n",
			groupName: "tss",
			want: &Group{
				Name: "tss",
				GID:  "59",
			},
		},
		{
			name:      "wrong-group",
			line:      "adm:x:4:\n",
			groupName: "tss",
			wantErr:   true,
		},
		{
			name:      "invalid-gid",
			line:      "tss:x:abc:\n",
			groupName: "tss",
			wantErr:   true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseGroupEntry(tc.line, tc.groupName)
			if (err != nil) != tc.wantErr {
				t.Fatalf("parseGroupEntry(%q, %q) = %v, wantErr: %t", tc.line, tc.groupName, err, tc.wantErr)
			}
			if tc.wantErr {
				return
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("parseGroupEntry(%q, %q) returned diff (-want +got):\n%s", tc.line, tc.groupName, diff)
			}
		})
	}
}

func TestExecCommandTemplate(t *testing.T) {
	u := &User{Username: "keylime", HomeDir: "/var/lib/keylime", Shell: "/sbin/nologin"}
	g := &Group{Name: "tss"}

	tests := []struct {
		name string
		in   string
		u    *User
		g    *Group
		want string
	}{
		{
			name: "useradd",
			in:   "useradd --system --no-create-home --home-dir {home} --shell {shell} {user}",
			u:    u,
			want: "useradd --system --no-create-home --home-dir /var/lib/keylime --shell /sbin/nologin keylime",
		},
		{
			name: "gpasswd",
			in:   "gpasswd -a {user} {group}",
			u:    u,
			g:    g,
			want: "gpasswd -a keylime tss",
		},
		{
			name: "groupadd",
			in:   "groupadd --system {group}",
			g:    g,
			want: "groupadd --system tss",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := execCommandTemplate(tc.in, tc.u, tc.g); got != tc.want {
				t.Errorf("execCommandTemplate(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestFindUserMocked(t *testing.T) {
	ctx := context.Background()
	swapRunClient(t, &mockRunner{
		callback: func(_ context.Context, opts run.Options) (*run.Result, error) {
			wantCmd := "getent passwd keylime"
			gotCmd := strings.Join(append([]string{opts.Name}, opts.Args...), " ")
			if gotCmd != wantCmd {
				return nil, fmt.Errorf("unexpected command %q, want %q", gotCmd, wantCmd)
			}
			return &run.Result{Output: "keylime:x:978:59::/var/lib/keylime:/sbin/nologin\n"}, nil
		},
	})

	got, err := FindUser(ctx, "keylime")
	if err != nil {
		t.Fatalf("FindUser(keylime) failed: %v", err)
	}
	if got.Username != "keylime" || got.UnixUID() != 978 || got.UnixGID() != 59 {
		t.Errorf("FindUser(keylime) = %+v, want keylime/978/59", got)
	}
}

func TestCreateUserCommand(t *testing.T) {
	ctx := context.Background()
	if err := cfg.Load(nil); err != nil {
		t.Fatalf("cfg.Load(nil) failed: %v", err)
	}

	var gotCmd string
	swapRunClient(t, &mockRunner{
		callback: func(_ context.Context, opts run.Options) (*run.Result, error) {
			gotCmd = strings.Join(append([]string{opts.Name}, opts.Args...), " ")
			return &run.Result{}, nil
		},
	})

	u := &User{Username: "keylime", HomeDir: "/var/lib/keylime", Shell: "/sbin/nologin"}
	if err := CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser(%+v) failed: %v", u, err)
	}

	wantCmd := "useradd --system --no-create-home --home-dir /var/lib/keylime --shell /sbin/nologin keylime"
	if gotCmd != wantCmd {
		t.Errorf("CreateUser(%+v) ran %q, want %q", u, gotCmd, wantCmd)
	}
}

func TestCreateUserNil(t *testing.T) {
	if err := CreateUser(context.Background(), nil); err == nil {
		t.Error("CreateUser(nil) succeeded, want error")
	}
}

func TestAddUserToGroupCommand(t *testing.T) {
	ctx := context.Background()
	if err := cfg.Load(nil); err != nil {
		t.Fatalf("cfg.Load(nil) failed: %v", err)
	}

	var gotCmd string
	swapRunClient(t, &mockRunner{
		callback: func(_ context.Context, opts run.Options) (*run.Result, error) {
			gotCmd = strings.Join(append([]string{opts.Name}, opts.Args...), " ")
			return &run.Result{}, nil
		},
	})

	u := &User{Username: "keylime"}
	g := &Group{Name: "tss"}
	if err := AddUserToGroup(ctx, u, g); err != nil {
		t.Fatalf("AddUserToGroup(%+v, %+v) failed: %v", u, g, err)
	}

	wantCmd := "gpasswd -a keylime tss"
	if gotCmd != wantCmd {
		t.Errorf("AddUserToGroup(%+v, %+v) ran %q, want %q", u, g, gotCmd, wantCmd)
	}
}

func TestAddUserToGroupNil(t *testing.T) {
	ctx := context.Background()
	if err := AddUserToGroup(ctx, nil, nil); err == nil {
		t.Error("AddUserToGroup(nil, nil) succeeded, want error")
	}
	if err := AddUserToGroup(ctx, nil, &Group{Name: "tss"}); err == nil {
		t.Error("AddUserToGroup(nil, group) succeeded, want error")
	}
	if err := AddUserToGroup(ctx, &User{Username: "keylime"}, nil); err == nil {
		t.Error("AddUserToGroup(user, nil) succeeded, want error")
	}
}
