package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/samsaffron/mdstream/internal/fence"
	"github.com/samsaffron/mdstream/internal/langs"
)

var extractOutput string

var extractCmd = &cobra.Command{
	Use:   "extract [file]",
	Short: "Extract fenced code blocks from markdown",
	Long: `Extract the fenced code blocks of a markdown file, or stdin.

Without --output the blocks are printed as JSON. With --output each block is
written to its own file in that directory, named after the fence title
(` + "```go:main.go" + `) or snippet-N.<ext>.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExtract,
}

func init() {
	rootCmd.AddCommand(extractCmd)
	extractCmd.Flags().StringVarP(&extractOutput, "output", "o", "", "Directory to write code blocks into")
}

type extractedBlock struct {
	fence.CodeBlock
	Filename string `json:"filename"`
}

func runExtract(cmd *cobra.Command, args []string) error {
	markdown, err := readInput(cmd, args)
	if err != nil {
		return err
	}

	blocks := fence.NewExtractor(langs.Default()).Extract(markdown)
	out := make([]extractedBlock, 0, len(blocks))
	for i, b := range blocks {
		out = append(out, extractedBlock{CodeBlock: b, Filename: b.Filename(i)})
	}
	uniqueFilenames(out)

	if extractOutput == "" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	if err := os.MkdirAll(extractOutput, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	for _, b := range out {
		path := filepath.Join(extractOutput, b.Filename)
		if err := os.WriteFile(path, []byte(b.Text), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
	}
	return nil
}

// uniqueFilenames suffixes repeated names: main.go, main-2.go, ...
func uniqueFilenames(blocks []extractedBlock) {
	seen := make(map[string]int, len(blocks))
	for i := range blocks {
		name := blocks[i].Filename
		seen[name]++
		if n := seen[name]; n > 1 {
			ext := filepath.Ext(name)
			blocks[i].Filename = fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), n, ext)
		}
	}
}
