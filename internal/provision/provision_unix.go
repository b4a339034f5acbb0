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

package provision

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/keylime/agent-provisioner/internal/utils/file"
	"golang.org/x/sys/unix"
)

// chownRecursive hands root and everything below it over to owner.
func chownRecursive(root string, owner *file.GUID) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		return chownIfNeeded(path, owner)
	})
}

// chownIfNeeded sets the owner of path unless it already matches, keeping
// re-runs from touching correctly configured files.
func chownIfNeeded(path string, owner *file.GUID) error {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return fmt.Errorf("failed to stat %q: %w", path, err)
	}

	if int(st.Uid) == owner.UID && int(st.Gid) == owner.GID {
		return nil
	}

	if err := os.Chown(path, owner.UID, owner.GID); err != nil {
		return fmt.Errorf("failed to set ownership of %q: %w", path, err)
	}
	return nil
}
