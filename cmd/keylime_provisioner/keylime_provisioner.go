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

// Package main is the implementation of the CLI installing the keylime
// agent's service footprint on a host.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/keylime/agent-provisioner/internal/cfg"
	"github.com/keylime/agent-provisioner/internal/logger"
	"github.com/keylime/agent-provisioner/internal/provision"
	"github.com/spf13/cobra"
)

const (
	// galogShutdownTimeout is the period of time we should wait for galog to
	// shutdown.
	galogShutdownTimeout = time.Second
)

// version is overridden at build time with -ldflags -X.
var version = "unknown"

// newRootCommand generates the root command with the [install] and
// [uninstall] subcommands.
func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "keylime_provisioner",
		Short: "Keylime agent provisioner.",
		Long:  "Keylime agent provisioner. It installs, configures and enables the agent's service footprint on the local host.",
	}

	root.AddCommand(newInstallCommand())
	root.AddCommand(newUninstallCommand())

	return root
}

// newInstallCommand returns the cobra command implementing the install
// operation.
func newInstallCommand() *cobra.Command {
	var templateDir string

	install := &cobra.Command{
		Use:   "install",
		Short: "Install the agent service",
		Long:  "Installs the agent's unit files, creates its service account, patches its configuration and enables the units. Must run as root. Not safe to invoke concurrently from multiple processes.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := provision.DefaultOptions()
			if templateDir != "" {
				opts.TemplateDir = templateDir
			}
			if err := provision.New(opts).Install(cmd.Context()); err != nil {
				return fmt.Errorf("install failed: %w", err)
			}
			galog.Infof("Agent service installed and enabled")
			return nil
		},
	}

	install.Flags().StringVar(&templateDir, "template-dir", "", "directory holding the unit file artifacts, overrides the configured path")

	return install
}

// newUninstallCommand returns the cobra command implementing the uninstall
// operation.
func newUninstallCommand() *cobra.Command {
	uninstall := &cobra.Command{
		Use:   "uninstall",
		Short: "Uninstall the agent service",
		Long:  "Disables and stops the agent's units and removes the installed unit files. The service account, the agent configuration and the agent's data directories are left in place.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := provision.New(provision.DefaultOptions()).Uninstall(cmd.Context()); err != nil {
				return fmt.Errorf("uninstall failed: %w", err)
			}
			galog.Infof("Agent service uninstalled")
			return nil
		},
	}

	return uninstall
}

func main() {
	ctx := context.Background()

	if err := cfg.Load(nil); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logOpts := logger.Options{
		Ident:          filepath.Base(os.Args[0]),
		ProgramVersion: version,
		LogToStderr:    true,
		Level:          cfg.Retrieve().Core.LogLevel,
		Verbosity:      cfg.Retrieve().Core.LogVerbosity,
		LogFile:        cfg.Retrieve().Core.LogFile,
	}

	if err := logger.Init(ctx, logOpts); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer galog.Shutdown(galogShutdownTimeout)

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		galog.Fatalf("Failed to execute: %v", err)
	}
}
