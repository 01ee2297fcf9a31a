package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Certification ledger tooling",
		Long:          "Offline hashing and signature checks for ledger records, plus helpers for a running ledgerd.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newCanonicalizeCmd(),
		newChainHashCmd(),
		newVerifySignatureCmd(),
		newVerifyStreamCmd(),
		newDevTokenCmd(),
	)
	return root
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
