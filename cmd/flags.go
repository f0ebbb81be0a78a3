package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/samsaffron/mdstream/internal/config"
	"github.com/samsaffron/mdstream/internal/llm"
)

// AddProviderFlag adds the --provider/-p flag with completion
func AddProviderFlag(cmd *cobra.Command, dest *string) {
	cmd.Flags().StringVarP(dest, "provider", "p", "", "Override provider, optionally with model (e.g., openai:gpt-4o)")
	if err := cmd.RegisterFlagCompletionFunc("provider", ProviderFlagCompletion); err != nil {
		panic("failed to register provider completion: " + err.Error())
	}
}

// AddDarkFlag adds the --dark flag
func AddDarkFlag(cmd *cobra.Command, dest *bool) {
	cmd.Flags().BoolVar(dest, "dark", true, "Use the dark color scheme")
}

// AddWidthFlag adds the --width/-w flag
func AddWidthFlag(cmd *cobra.Command, dest *int) {
	cmd.Flags().IntVarP(dest, "width", "w", 0, "Wrap width for terminal output (0 = terminal width)")
}

// ProviderFlagCompletion completes provider names, leaving room for ":model".
func ProviderFlagCompletion(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	var completions []string
	for _, name := range llm.ProviderNames() {
		if strings.HasPrefix(name, toComplete) {
			completions = append(completions, name)
		}
	}
	if name, _, ok := strings.Cut(toComplete, ":"); ok && name == "debug" {
		for _, variant := range llm.DebugVariants() {
			completions = append(completions, "debug:"+variant)
		}
		return completions, cobra.ShellCompDirectiveNoFileComp
	}
	return completions, cobra.ShellCompDirectiveNoFileComp | cobra.ShellCompDirectiveNoSpace
}

// applyProviderFlag applies a "provider[:model]" flag value to cfg.
func applyProviderFlag(cfg *config.Config, flag string) error {
	if flag == "" {
		return nil
	}
	provider, model, err := llm.ParseProviderModel(flag)
	if err != nil {
		return err
	}
	cfg.ApplyOverrides(provider, model)
	return nil
}
