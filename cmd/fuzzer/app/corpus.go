package app

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/how2fps/fuzzer/internal/config"
	"github.com/how2fps/fuzzer/internal/corpus"
)

// NewCorpusCommand creates the "corpus" subcommand, a summary of the loaded
// seed corpus.
func NewCorpusCommand() *cobra.Command {
	var corpusDir string

	cmd := &cobra.Command{
		Use:   "corpus",
		Short: "Summarize the seed corpus.",
		Long:  `Load the seed corpus manifest and print per-family bucket counts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cmd.Flags().Changed("corpus-dir") {
				cfg.CorpusDir = corpusDir
			}

			crp, err := corpus.Load(cfg.CorpusDir)
			if err != nil {
				return err
			}

			for _, family := range crp.Families() {
				set, err := crp.Target(family)
				if err != nil {
					return err
				}
				counts := set.Summary()
				total := 0
				names := make([]string, 0, len(counts))
				for name, n := range counts {
					total += n
					names = append(names, name)
				}
				sort.Strings(names)
				fmt.Printf("%s: total=%d\n", family, total)
				for _, name := range names {
					fmt.Printf("  %-16s %d\n", name, counts[name])
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&corpusDir, "corpus-dir", "seed_corpus", "Seed corpus directory")
	return cmd
}
