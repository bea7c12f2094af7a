package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/leaf/internal/config"
	"github.com/jackzampolin/leaf/internal/home"
	"github.com/jackzampolin/leaf/internal/svcctx"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default config to the home directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		if err := h.EnsureExists(); err != nil {
			return err
		}
		path := h.ConfigPath()
		if cfgFile != "" {
			path = cfgFile
		}
		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Check a config file against the schema",
	Long: `Check a config file against the configuration schema. Unknown keys,
wrong types and out-of-range values are reported.

Without an argument the --config file, or config.yaml in the home
directory, is checked.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			h, err := home.New(homeDir)
			if err != nil {
				return err
			}
			path = h.ConfigPath()
		}
		if err := config.ValidateFile(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file and LEAF_*
environment variables are merged.`,
	RunE: withServices(false, func(cmd *cobra.Command, args []string, s *svcctx.Services) error {
		p, err := printer()
		if err != nil {
			return err
		}
		return p.Print(s.Config.Get())
	}),
}

var configKeysCmd = &cobra.Command{
	Use:   "keys [prefix]",
	Short: "List every config key with its default",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := printer()
		if err != nil {
			return err
		}
		prefix := ""
		if len(args) == 1 {
			prefix = args[0]
		}
		return p.Print(config.EntriesWithPrefix(prefix))
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing config file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configKeysCmd)
}
