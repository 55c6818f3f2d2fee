package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/conduit-lang/persist/internal/orm/storage/sqlstore"
)

func newDDLCommand(opts *globalOptions) *cobra.Command {
	var dialectFlag, mappingFlag string

	cmd := &cobra.Command{
		Use:   "ddl",
		Short: "Print CREATE TABLE statements for a mapping",
		Long: `Render the schema for every mapped entity, referenced tables first.

On PostgreSQL, foreign keys that close a cycle are added with ALTER TABLE
after every table exists.`,
		Example: `  # Built-in Member/Team model for the configured driver
  persist ddl

  # A mapping document for PostgreSQL
  persist ddl --mapping model.yaml --dialect postgres`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			driver := dialectFlag
			if driver == "" {
				driver = cfg.Database.Driver
			}
			_, dialect, err := sqlstore.DriverName(driver)
			if err != nil {
				return err
			}

			registry, err := opts.loadRegistry(cfg, mappingFlag)
			if err != nil {
				return err
			}

			statements, err := sqlstore.DDL(registry, dialect)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s;\n", strings.Join(statements, ";\n\n"))
			return nil
		},
	}

	cmd.Flags().StringVar(&dialectFlag, "dialect", "", "SQL dialect: postgres or sqlite (default from database.driver)")
	cmd.Flags().StringVar(&mappingFlag, "mapping", "", "YAML mapping document (default from mapping.file)")

	return cmd
}
