package commands

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"fsshell/internal/harness"
)

var runCmd = &cobra.Command{
	Use:   "run [script]",
	Short: "Run a script of file system commands",
	Long: `Run a script against a freshly booted VFS, one command per line.
Reads standard input when no script is given. Execution stops at the first
failing line.

Examples:
  fsshell run setup.fss
  echo "mkdirs /a/b" | fsshell run`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var in io.Reader = cmd.InOrStdin()
		if len(args) == 1 {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		return withSession(cmd, func(sess *harness.Session) error {
			return sess.Run(in)
		})
	},
}

var execCmd = &cobra.Command{
	Use:   "exec <command> [args...]",
	Short: "Run a single file system command",
	Example: `  fsshell exec df
  fsshell exec ls -l /`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(sess *harness.Session) error {
			return sess.Exec(args)
		})
	},
}

func init() {
	// flags after the command name belong to the command
	execCmd.Flags().SetInterspersed(false)
	rootCmd.AddCommand(runCmd, execCmd)
}
