package cli

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"nanolab/internal/config"
	"nanolab/internal/ingest"
)

func newProceduresCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "procedures",
		Short: "List the measurement procedures and their header keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			catalogue, err := ingest.LoadCatalogue(cfg.Pipeline.ProceduresFile)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PROCEDURE\tSECTION\tKEY\tKIND")
			for _, name := range catalogue.Names() {
				p := catalogue[name]
				for _, section := range []struct {
					name string
					keys map[string]string
				}{{"Parameters", p.Parameters}, {"Metadata", p.Metadata}, {"Data", p.Data}} {
					keys := make([]string, 0, len(section.keys))
					for k := range section.keys {
						keys = append(keys, k)
					}
					sort.Strings(keys)
					for _, k := range keys {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, section.name, k, section.keys[k])
					}
				}
			}
			return tw.Flush()
		},
	}
}
