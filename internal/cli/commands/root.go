// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"fsshell/internal/harness"
	"fsshell/internal/vfs"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	logLevel string
	settings *harness.Settings
)

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

// getVersionString returns the version string with build info
func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		// Dev build: include epoch and commit for troubleshooting
		return fmt.Sprintf("%s (%s, epoch: %s, commit: %s)", version, buildDate, date, commit)
	}
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).Format("2006-01-02")
}

var rootCmd = &cobra.Command{
	Use:   "fsshell",
	Short: "Userspace VFS shell",
	Long: `fsshell boots a virtual file system layer in userspace, mounts the bundled
drivers (memfs, sqlfs) and runs file system scripts against it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}
		s, err := harness.LoadSettings()
		if err != nil {
			return fmt.Errorf("failed to load settings: %w", err)
		}
		if logLevel != "" {
			s.LogLevel = logLevel
		}
		harness.ApplyLogging(s.LogLevel)
		settings = s
		return nil
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("fsshell version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&logLevel, "logging", "", "log level: trace, debug, info, warn or off")
}

// errnoError tags err with the errno name it maps to.
func errnoError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", vfs.ErrnoName(err), err)
}

// withSession boots a session from the loaded settings, runs fn and shuts
// the session down.
func withSession(cmd *cobra.Command, fn func(sess *harness.Session) error) error {
	sess, err := harness.Boot(settings)
	if err != nil {
		return errnoError(err)
	}
	sess.Out = cmd.OutOrStdout()
	err = fn(sess)
	if cerr := sess.Close(); err == nil {
		err = cerr
	}
	return errnoError(err)
}

// Execute runs the root command
func Execute(ctx context.Context) error {
	return fang.Execute(ctx, rootCmd, fang.WithVersion(rootCmd.Version))
}
