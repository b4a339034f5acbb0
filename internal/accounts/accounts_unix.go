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
	"errors"
	"fmt"
	"os/user"
	"strconv"
	"strings"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/keylime/agent-provisioner/internal/cfg"
	"github.com/keylime/agent-provisioner/internal/run"
)

const (
	// getentNoSuchKey is the exit code returned by getent when a key is not
	// found in the database.
	//
	// Per documentation, exit code 2: "One or more supplied key could not be
	// found in the database", see the man page:
	//
	// https://man7.org/linux/man-pages/man1/getent.1.html.
	getentNoSuchKey = 2
)

// UnixUID returns the UID of the user as an integer.
func (u *User) UnixUID() int {
	val, err := strconv.Atoi(u.UID)
	// The validity of the UID must be checked during the instantiation of
	// User objects.
	if err != nil {
		panic(fmt.Errorf("failed to convert UID to int: %v", err))
	}
	return val
}

// UnixGID returns the GID of the user as an integer.
func (u *User) UnixGID() int {
	val, err := strconv.Atoi(u.GID)
	// The validity of the GID must be checked during the instantiation of
	// User objects.
	if err != nil {
		panic(fmt.Errorf("failed to convert GID to int: %v", err))
	}
	return val
}

// ValidateUnixIDS validates the UID and GID of the user - it determines if the
// set values are valid integers.
func (u *User) ValidateUnixIDS() error {
	if _, err := strconv.Atoi(u.UID); err != nil {
		return fmt.Errorf("failed to convert UID to int: %v", err)
	}

	if _, err := strconv.Atoi(u.GID); err != nil {
		return fmt.Errorf("failed to convert GID to int: %v", err)
	}
	return nil
}

// UnixGID returns the GID of the group as an integer.
func (g *Group) UnixGID() int {
	val, err := strconv.Atoi(g.GID)
	// The validity of the GID must be checked during the instantiation of
	// Group objects.
	if err != nil {
		panic(fmt.Errorf("failed to convert GID to int: %v", err))
	}
	return val
}

// ValidateUnixGID validates the GID of the group - it determines if the
// set values are valid integers.
func (g *Group) ValidateUnixGID() error {
	if _, err := strconv.Atoi(g.GID); err != nil {
		return fmt.Errorf("failed to convert GID to int: %v", err)
	}
	return nil
}

// FindUser gets the information of the user, returning user.UnknownUserError
// if the user does not exist on the system or the wrapped run error if the
// user list could not be obtained.
//
// Any user returned by this function is guaranteed to have a valid UID and GID
// - a call to ValidateUnixIDS() will never return an error.
func FindUser(ctx context.Context, username string) (*User, error) {
	getent, err := run.WithContext(ctx, run.Options{
		OutputType: run.OutputStdout,
		Name:       "getent",
		Args:       []string{"passwd", username},
	})

	if err != nil {
		// No such key exit code is returned when the user does not exist.
		if err, ok := run.AsExitError(err); ok && err.ExitCode() == getentNoSuchKey {
			return nil, user.UnknownUserError(username)
		}
		return nil, fmt.Errorf("could not get user list: %w", err)
	}

	// The result of getent will contain a single entry (given we are querying a
	// single user).
	passwdEntry, err := parsePasswdEntry(getent.Output, username)
	if err != nil {
		return nil, fmt.Errorf("could not parse user %s: %w", username, err)
	}

	return passwdEntry, nil
}

// parsePasswdEntry parses /etc/passwd style input for the named user.
func parsePasswdEntry(line string, username string) (*User, error) {
	line = strings.TrimSpace(strings.TrimSuffix(line, "\n"))
	prefix := username + ":"

	// Validate the correctness of the entry format, it should contain the
	// username followed by a colon as a prefix (i.e. "keylime:").
	if !strings.HasPrefix(line, prefix) {
		return nil, fmt.Errorf("invalid passwd entry for %q, expected prefix %q", username, prefix)
	}

	// keylime:x:978:59::/var/lib/keylime:/sbin/nologin
	parts := strings.SplitN(string(line), ":", 7)
	if len(parts) < 7 {
		return nil, fmt.Errorf("invalid passwd entry for %s", username)
	}

	res := &User{
		Username: parts[0],
		UID:      parts[2],
		GID:      parts[3],
		Name:     parts[4],
		HomeDir:  parts[5],
		Shell:    parts[6],
	}

	if err := res.ValidateUnixIDS(); err != nil {
		return nil, err
	}

	return res, nil
}

// CreateUser creates a system account with the given username, home directory
// and shell. The home directory is recorded in the account database but not
// created. If accurate information about the created user is important the
// caller should call FindUser after creation. Returns the wrapped run error if
// the command failed.
func CreateUser(ctx context.Context, u *User) error {
	if u == nil {
		return fmt.Errorf("user is nil")
	}
	galog.V(1).Debugf("Creating user %s", u.Username)

	cmd := cfg.Retrieve().Accounts.UserAddCmd
	if _, err := runCommandTemplate(ctx, cmd, u, nil); err != nil {
		return fmt.Errorf("failed to run useradd_cmd %s: %w", cmd, err)
	}

	galog.V(1).Debugf("Successfully created user %s", u.Username)
	return nil
}

// CreateGroup creates a system group with the given group name. Returns the
// wrapped run error if the command failed.
func CreateGroup(ctx context.Context, groupName string) error {
	galog.V(1).Debugf("Creating group %s", groupName)
	cmd := cfg.Retrieve().Accounts.GroupAddCmd
	if _, err := runCommandTemplate(ctx, cmd, nil, &Group{Name: groupName}); err != nil {
		return fmt.Errorf("failed to run groupadd_cmd %s: %w", cmd, err)
	}
	galog.V(1).Debugf("Successfully created group %s", groupName)
	return nil
}

// AddUserToGroup adds the user to the named group. Returns the wrapped
// run error if the command failed.
func AddUserToGroup(ctx context.Context, u *User, g *Group) error {
	if u == nil && g == nil {
		return fmt.Errorf("user and group are nil")
	}
	if u == nil {
		return fmt.Errorf("user is nil")
	}
	if g == nil {
		return fmt.Errorf("group is nil")
	}

	galog.V(1).Debugf("Adding user %s to group %s", u.Username, g.Name)
	cmd := cfg.Retrieve().Accounts.GPasswdAddCmd
	if _, err := runCommandTemplate(ctx, cmd, u, g); err != nil {
		return fmt.Errorf("failed to run gpasswd_add_cmd %s: %w", cmd, err)
	}
	galog.V(1).Debugf("Successfully added user %s to group %s", u.Username, g.Name)
	return nil
}

// FindGroup gets the information of the group, returning
// user.UnknownGroupError if the group does not exist on the system. Returns
// the wrapped run error if the command failed.
//
// Any group returned by this function is guaranteed to have a valid GID - a
// call to ValidateUnixGID() will never return an error.
func FindGroup(ctx context.Context, groupName string) (*Group, error) {
	getent, err := run.WithContext(ctx, run.Options{
		OutputType: run.OutputStdout,
		Name:       "getent",
		Args:       []string{"group", groupName},
	})

	if err != nil {
		// No such key exit code is returned when the group does not exist.
		if err, ok := run.AsExitError(err); ok && err.ExitCode() == getentNoSuchKey {
			return nil, user.UnknownGroupError(groupName)
		}
		return nil, fmt.Errorf("could not get group: %w", err)
	}

	// The result of getent will contain a single entry (given we are querying a
	// single group).
	groupEntry, err := parseGroupEntry(getent.Output, groupName)
	if err != nil {
		return nil, fmt.Errorf("could not parse group %s: %w", groupName, err)
	}

	return groupEntry, nil
}

// parseGroupEntry parses /etc/group style input for the named group.
func parseGroupEntry(line string, groupName string) (*Group, error) {
	line = strings.TrimSpace(strings.TrimSuffix(line, "\n"))
	prefix := groupName + ":"

	// Validate the correctness of the entry format, it should contain the group
	// name followed by a colon as a prefix (i.e. "tss:").
	if !strings.HasPrefix(line, prefix) {
		return nil, fmt.Errorf("invalid group entry for %q, expected prefix %q", groupName, prefix)
	}

	// tss:x:59:keylime
	parts := strings.SplitN(string(line), ":", 4)
	if len(parts) < 4 {
		return nil, fmt.Errorf("invalid group entry for %s", groupName)
	}

	var members []string
	for _, m := range strings.Split(parts[3], ",") {
		if strings.TrimSpace(m) != "" {
			members = append(members, m)
		}
	}

	res := &Group{
		Name:    parts[0],
		GID:     parts[2],
		Members: members,
	}

	if err := res.ValidateUnixGID(); err != nil {
		return nil, err
	}

	return res, nil
}

// runCommandTemplate runs a templated command in the style of cfg.Accounts
// config options. See execCommandTemplate and cfg for options.
func runCommandTemplate(ctx context.Context, cmd string, u *User, g *Group) (*run.Result, error) {
	cmd = execCommandTemplate(cmd, u, g)
	tokens := strings.Fields(cmd)
	if len(tokens) < 1 {
		return nil, errors.New("no command configured")
	}

	cmdopts := run.Options{
		OutputType: run.OutputCombined,
		Name:       tokens[0],
		Args:       tokens[1:],
	}

	return run.WithContext(ctx, cmdopts)
}

// execCommandTemplate replaces {user}, {group}, {home} and {shell} in the
// given string with the given user and group attributes.
func execCommandTemplate(in string, u *User, g *Group) string {
	out := in
	if u != nil {
		out = strings.Replace(out, "{user}", u.Username, 1)
		out = strings.Replace(out, "{home}", u.HomeDir, 1)
		out = strings.Replace(out, "{shell}", u.Shell, 1)
	}
	if g != nil {
		out = strings.Replace(out, "{group}", g.Name, 1)
	}
	return out
}
