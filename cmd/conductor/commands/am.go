package commands

import (
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/conductor/am"
	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Manage conductor configuration",
	Long: sym.AM + ` am - Manage conductor configuration ("I am")

Configuration sources (later overrides earlier):
1. Default values
2. System config (/etc/conductor/am.toml)
3. User config (~/.conductor/am.toml)
4. Project config (./am.toml, searched up the directory tree)
5. Environment variables (CONDUCTOR_* prefix, e.g. CONDUCTOR_SCHEDULER_POLL_INTERVAL_SECONDS)

Examples:
  conductor am show                 # Show current configuration
  conductor am show --format json   # Show configuration as JSON
  conductor am get scheduler.claim_mode
  conductor am validate
  conductor am where`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value by dotted key",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where configuration is loaded from",
	RunE:  runAmWhere,
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	data, err := am.Render(cfg, configFormat)
	if err != nil {
		return err
	}
	if configFormat != "json" {
		fmt.Println("# conductor configuration")
	}
	fmt.Println(string(data))
	return nil
}

func runAmGet(cmd *cobra.Command, args []string) error {
	value, ok := am.Get(args[0])
	if !ok {
		return errors.NewNotFoundError("configuration key %q not found", args[0])
	}
	if args[0] == "llm.api_key" && value != "" {
		value = "********"
	}
	fmt.Println(value)
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}
	pterm.Success.Println("Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	fmt.Println("Configuration cascade (later overrides earlier):")
	fmt.Println("  1. [DEFAULT]  Built-in defaults")
	fmt.Println("  2. [SYSTEM]   /etc/conductor/am.toml")
	fmt.Println("  3. [USER]     ~/.conductor/am.toml")
	fmt.Println("  4. [PROJECT]  ./am.toml (searches up directories)")
	fmt.Println("  5. [ENV]      CONDUCTOR_* environment variables")
	fmt.Println()

	files := am.ConfigFiles()
	if len(files) == 0 {
		fmt.Println("No config files found; running on defaults and environment")
	} else {
		fmt.Println("Loaded files:")
		for _, f := range files {
			fmt.Printf("  %s\n", f)
		}
	}

	if p := os.Getenv("DB_PATH"); p != "" {
		fmt.Printf("\nDB_PATH overrides database.path: %s\n", p)
	}
	return nil
}
