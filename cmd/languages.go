package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/samsaffron/mdstream/internal/langs"
)

var languagesJSON bool

var languagesCmd = &cobra.Command{
	Use:   "languages",
	Short: "List the languages recognized in code fences",
	Args:  cobra.NoArgs,
	RunE:  runLanguages,
}

func init() {
	rootCmd.AddCommand(languagesCmd)
	languagesCmd.Flags().BoolVar(&languagesJSON, "json", false, "Output as JSON")
}

func runLanguages(cmd *cobra.Command, args []string) error {
	reg := langs.Default()
	if languagesJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"version":   reg.Version(),
			"languages": reg.Languages(),
		})
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEXT\tNAME\tALIASES")
	for _, l := range reg.Languages() {
		fmt.Fprintf(w, "%s\t.%s\t%s\t%s\n", l.ID, l.Extension, l.Name, strings.Join(l.Aliases, ", "))
	}
	return w.Flush()
}
