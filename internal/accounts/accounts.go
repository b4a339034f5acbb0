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

// Package accounts manages the agent's unprivileged service account and its
// group membership.
package accounts

// User is the representation of a user account.
type User struct {
	// Username is the username of the user.
	Username string
	// UID is the user id of the user.
	UID string
	// GID is the group id of the user.
	GID string
	// Name is the full name of the user.
	Name string
	// HomeDir is the home directory of the user.
	HomeDir string
	// Shell is the shell of the user.
	Shell string
}

// Group is the representation of a group. Redefining this structure - rather
// than using users.Group - makes the code more simplified avoiding one more
// level of indirection - the cost of converting between the two types is low
// (only a few places in the code).
type Group struct {
	// Name is the name of the group.
	Name string
	// GID is the group id of the group.
	GID string
	// Members is the list of members of the group.
	Members []string
}
