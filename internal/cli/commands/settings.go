package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"fsshell/internal/harness"
)

var saveSettings bool

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Print the effective settings",
	Long: `Print the settings after the embedded defaults, the settings file and the
FSSHELL_* environment variables are applied. With --save the result is
written to the settings file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := yaml.Marshal(settings)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", harness.SettingsPath(), data)
		if !saveSettings {
			return nil
		}
		if err := harness.SaveSettings(settings); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "saved %s\n", harness.SettingsPath())
		return nil
	},
}

func init() {
	settingsCmd.Flags().BoolVar(&saveSettings, "save", false, "write the effective settings to the settings file")
	rootCmd.AddCommand(settingsCmd)
}
