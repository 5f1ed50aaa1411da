package cli

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/soddygo/kode-acp/internal/llm"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Manage model profiles",
	Long:  `List model profiles and purpose pointers from models.yaml.`,
	RunE:  runModelsList,
}

var modelsInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default models.yaml",
	RunE:  runModelsInit,
}

var modelsForce bool

func init() {
	rootCmd.AddCommand(modelsCmd)
	modelsCmd.AddCommand(modelsInitCmd)
	modelsInitCmd.Flags().BoolVarP(&modelsForce, "force", "f", false, "Overwrite an existing file")
}

func runModelsList(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	pf, err := llm.LoadProfiles(cfg.ModelsPath)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", cfg.ModelsPath, err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPROVIDER\tMODEL\tCONTEXT\tMAX TOKENS\t")
	for _, p := range pf.Profiles {
		name := p.Name
		if name == pf.Current {
			name += " *"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t\n", name, p.Provider, p.ModelID, p.ContextWindow, p.MaxTokens)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(pf.Pointers) > 0 {
		ptrs := make([]string, 0, len(pf.Pointers))
		for ptr, name := range pf.Pointers {
			ptrs = append(ptrs, fmt.Sprintf("  %s -> %s", ptr, name))
		}
		sort.Strings(ptrs)
		fmt.Fprintln(cmd.OutOrStdout(), "\nPointers:")
		for _, line := range ptrs {
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
	}
	return nil
}

func runModelsInit(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	if _, err := os.Stat(cfg.ModelsPath); err == nil && !modelsForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", cfg.ModelsPath)
	}
	if err := llm.WriteProfiles(cfg.ModelsPath, llm.DefaultProfiles()); err != nil {
		return fmt.Errorf("failed to write %s: %w", cfg.ModelsPath, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", cfg.ModelsPath)
	return nil
}
