package app

import (
	"github.com/spf13/cobra"
)

// NewFuzzerCommand creates the root command for the fuzzer tool.
func NewFuzzerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fuzzer",
		Short: "A coverage-guided greybox fuzzer for text-input parsers.",
		Long: `An AFL-style coverage-guided fuzzer targeting JSON decoders and IP
address parsers. Seeds are scheduled, mutated by grammar, run against an
external target, scored for interestingness, and promoted back into the
seed pool when they look worth keeping.`,
	}

	cmd.AddCommand(NewFuzzCommand())
	cmd.AddCommand(NewCorpusCommand())

	return cmd
}
