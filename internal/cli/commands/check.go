package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/conduit-lang/persist/internal/cli/ui"
	"github.com/conduit-lang/persist/internal/orm/schema"
)

func newCheckCommand(opts *globalOptions) *cobra.Command {
	var (
		mappingFlag string
		expect      []string
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a mapping and list its entities",
		Example: `  persist check --mapping model.yaml
  persist check --mapping model.yaml --expect Member,Team`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			registry, err := opts.loadRegistry(cfg, mappingFlag)
			if err != nil {
				return err
			}

			for _, name := range expect {
				if !registry.Exists(name) {
					return &schema.UnknownEntityError{Entity: name}
				}
			}

			out := cmd.OutOrStdout()
			entities := ui.NewTable(out, opts.noColor, "Entity", "Table", "Key", "Fields", "Associations")
			for _, name := range registry.List() {
				desc, err := registry.Describe(name)
				if err != nil {
					return err
				}
				entities.AddRow(
					desc.Name,
					desc.Table,
					fmt.Sprintf("%s (%s)", desc.ID().Column, desc.ID().Generation),
					strconv.Itoa(len(desc.Fields())),
					describeAssociations(desc),
				)
			}
			entities.Render()

			fmt.Fprintln(out)
			fmt.Fprintf(out, "Flush order: %s\n", strings.Join(registry.DependencyOrder(), " → "))
			if cyclic := registry.CyclicEdges(); len(cyclic) > 0 {
				fmt.Fprintf(out, "Cyclic references: %s\n", schema.FormatEdges(cyclic))
			}
			ui.Success(out, fmt.Sprintf("%d entities mapped", registry.Count()), opts.noColor)
			return nil
		},
	}

	cmd.Flags().StringVar(&mappingFlag, "mapping", "", "YAML mapping document (default from mapping.file)")
	cmd.Flags().StringSliceVar(&expect, "expect", nil, "Entities the mapping must define")
	return cmd
}

func describeAssociations(desc *schema.EntityDescriptor) string {
	var parts []string
	for _, rel := range desc.Relationships() {
		part := fmt.Sprintf("%s %s %s", rel.Field, rel.Kind, rel.Target)
		if rel.Cascade != schema.CascadeNone {
			part += " cascade=" + rel.Cascade.String()
		}
		parts = append(parts, part)
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ", ")
}
