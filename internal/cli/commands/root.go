// Package commands implements the persist command line: schema DDL, mapping
// checks and the Member/Team walkthrough.
package commands

import (
	"fmt"
	"os"
	"runtime"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/conduit-lang/persist/internal/cli/config"
	"github.com/conduit-lang/persist/internal/cli/ui"
	"github.com/conduit-lang/persist/internal/hellojpa"
	"github.com/conduit-lang/persist/internal/orm/schema"
)

var (
	// Version information - set at build time
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
	GoVersion = "unknown"
)

// globalOptions holds the persistent flags shared by every subcommand
type globalOptions struct {
	configPath string
	noColor    bool
}

func (o *globalOptions) loadConfig() (*config.Config, error) {
	return config.Load(o.configPath)
}

// loadRegistry builds the registry from the mapping flag, then the
// configured mapping file, then the built-in Member/Team model
func (o *globalOptions) loadRegistry(cfg *config.Config, mappingFlag string) (*schema.Registry, error) {
	path := mappingFlag
	if path == "" {
		path = cfg.Mapping.File
	}
	if path == "" {
		return hellojpa.Registry()
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mapping: %w", err)
	}
	defer f.Close()

	m, err := schema.LoadMapping(f)
	if err != nil {
		return nil, err
	}
	return schema.BuildMapping(m)
}

// NewRootCommand creates the root command
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "persist",
		Short: "Entity persistence core: mappings, sessions and schema tooling",
		Long: color.CyanString(`persist - entity mapping and unit-of-work persistence

Entities are declared in Go or in a YAML mapping document. Sessions track
them through an identity map, detect changes against snapshots and write
everything in one transaction on flush.

Commands:
  • ddl    print CREATE TABLE statements for a mapping
  • check  validate a mapping and show its entities
  • demo   run the Member/Team walkthrough against the configured store`),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Config file (default ./persist.yaml)")
	rootCmd.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(NewVersionCommand())
	rootCmd.AddCommand(newDDLCommand(opts))
	rootCmd.AddCommand(newCheckCommand(opts))
	rootCmd.AddCommand(newDemoCommand(opts))

	return rootCmd
}

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  "Display the persist version, Git commit, build date, and Go version",
		Run: func(cmd *cobra.Command, args []string) {
			goVer := GoVersion
			if goVer == "unknown" {
				goVer = runtime.Version()
			}

			out := cmd.OutOrStdout()
			titleColor := color.New(color.FgCyan, color.Bold)

			titleColor.Fprint(out, "persist version: ")
			fmt.Fprintln(out, Version)

			titleColor.Fprint(out, "Git commit: ")
			fmt.Fprintln(out, GitCommit)

			titleColor.Fprint(out, "Build date: ")
			fmt.Fprintln(out, BuildDate)

			titleColor.Fprint(out, "Go version: ")
			fmt.Fprintln(out, goVer)
		},
	}
}

// Execute runs the root command
func Execute() error {
	rootCmd := NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		noColor, _ := rootCmd.PersistentFlags().GetBool("no-color")
		ui.WriteError(rootCmd.ErrOrStderr(), err, noColor)
		return err
	}
	return nil
}
