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

// Package agentconfig edits the agent's configuration file in place. The edit
// is a structured read-modify-write over the file's key-value lines: the
// requested key is set where present and appended when absent, every
// unrelated line is preserved byte for byte. Re-applying the same assignment
// leaves the file untouched.
package agentconfig

import (
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/GoogleCloudPlatform/galog"
)

// defaultMode is used when the configuration file is created from scratch,
// pre-existing files keep their mode.
const defaultMode fs.FileMode = 0600

// SetKey ensures the configuration file at path assigns value to key. Every
// assignment of key in the file is updated, matching the reference installer
// which substituted all occurrences. The file is not written when no line
// changed.
func SetKey(path, key, value string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read agent configuration %q: %w", path, err)
	}

	patched, changed := setKeyInContent(string(content), key, value)
	if !changed {
		galog.Debugf("Agent configuration %q already assigns %s = %s", path, key, value)
		return nil
	}

	mode := defaultMode
	if stat, err := os.Stat(path); err == nil {
		mode = stat.Mode().Perm()
	}

	if err := os.WriteFile(path, []byte(patched), mode); err != nil {
		return fmt.Errorf("failed to write agent configuration %q: %w", path, err)
	}
	galog.Debugf("Agent configuration %q updated: %s = %s", path, key, value)
	return nil
}

// setKeyInContent applies the assignment to the raw file content, returning
// the patched content and whether anything changed.
func setKeyInContent(content, key, value string) (string, bool) {
	lines := strings.Split(content, "\n")
	var found, changed bool

	for i, line := range lines {
		if !isAssignment(line, key) {
			continue
		}
		found = true

		current := strings.TrimSpace(strings.SplitN(line, "=", 2)[1])
		if current == value {
			continue
		}

		lines[i] = fmt.Sprintf("%s = %s", key, value)
		changed = true
	}

	if found {
		return strings.Join(lines, "\n"), changed
	}

	// Key absent from the file altogether, append the assignment.
	entry := fmt.Sprintf("%s = %s\n", key, value)
	if content != "" && !strings.HasSuffix(content, "\n") {
		entry = "\n" + entry
	}
	return content + entry, true
}

// isAssignment reports whether line assigns the given key. Comment lines are
// never assignments.
func isAssignment(line, key string) bool {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, ";") {
		return false
	}

	rest, ok := strings.CutPrefix(trimmed, key)
	if !ok {
		return false
	}

	rest = strings.TrimLeft(rest, " \t")
	return strings.HasPrefix(rest, "=")
}
