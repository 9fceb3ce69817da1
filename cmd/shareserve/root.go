package main

import "github.com/spf13/cobra"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "shareserve",
		Short: "Serve model inference over secret-shared weights",
		Long: "shareserve splits a model's weights into additive shares, spreads them\n" +
			"over a cluster of party servers, and answers inference requests without\n" +
			"any single party ever holding the plaintext model or inputs.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(
		newPartyCmd(),
		newServeCmd(),
		newDemoCmd(),
	)

	return root
}
