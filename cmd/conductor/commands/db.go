package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/conductor/am"
	"github.com/teranos/conductor/db"
	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/logger"
	"github.com/teranos/conductor/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the conductor database",
	Long: sym.DB + ` db - Manage the conductor database

Examples:
  conductor db status     # Show the database path and pending migrations
  conductor db migrate    # Apply pending migrations`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the database path and pending migrations",
	RunE:  runDbStatus,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE:  runDbMigrate,
}

func init() {
	DbCmd.AddCommand(dbStatusCmd)
	DbCmd.AddCommand(dbMigrateCmd)
}

func databasePath() (string, error) {
	path, err := am.GetDatabasePath()
	if err != nil {
		return "", errors.Wrap(err, "failed to get database path")
	}
	if path == "" {
		path = "conductor.db"
	}
	return path, nil
}

func runDbStatus(cmd *cobra.Command, args []string) error {
	path, err := databasePath()
	if err != nil {
		return err
	}
	database, err := db.Open(path, logger.Logger)
	if err != nil {
		return errors.Wrapf(err, "failed to open database at %s", path)
	}
	defer database.Close()

	pending, err := db.Pending(database)
	if err != nil {
		return err
	}

	fmt.Printf("%s Database: %s\n", sym.DB, path)
	if len(pending) == 0 {
		pterm.Success.Println("Schema is up to date")
		return nil
	}
	fmt.Printf("Pending migrations (%d):\n", len(pending))
	for _, m := range pending {
		fmt.Printf("  %s  %s\n", m.Version, m.Filename)
	}
	return nil
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	path, err := databasePath()
	if err != nil {
		return err
	}
	database, err := db.Open(path, logger.Logger)
	if err != nil {
		return errors.Wrapf(err, "failed to open database at %s", path)
	}
	defer database.Close()

	pending, err := db.Pending(database)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		pterm.Info.Println("Nothing to migrate")
		return nil
	}

	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Applying %d migration(s)", len(pending)))
	if err := db.Migrate(database, logger.Logger); err != nil {
		if spinner != nil {
			spinner.Fail("Migration failed")
		}
		return errors.Wrapf(err, "failed to migrate %s", path)
	}
	if spinner != nil {
		spinner.Success(fmt.Sprintf("Applied %d migration(s)", len(pending)))
	}
	return nil
}
