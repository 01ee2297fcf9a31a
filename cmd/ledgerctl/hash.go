package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ILLUVRSE/certledger/internal/canonical"
	"github.com/ILLUVRSE/certledger/internal/hashengine"
	"github.com/ILLUVRSE/certledger/internal/models"
)

// readJSON decodes path keeping numbers as json.Number, as the signer does.
func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func newCanonicalizeCmd() *cobra.Command {
	var hashOnly bool
	cmd := &cobra.Command{
		Use:   "canonicalize <input.json>",
		Short: "Print the canonical JSON form of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var input interface{}
			if err := readJSON(args[0], &input); err != nil {
				return err
			}
			out, err := canonical.MarshalCanonical(input)
			if err != nil {
				return err
			}
			if hashOnly {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), hashengine.HashHex(out))
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().BoolVar(&hashOnly, "hash", false, "print the SHA-256 of the canonical form instead")
	return cmd
}

func newChainHashCmd() *cobra.Command {
	var prev string
	cmd := &cobra.Command{
		Use:   "chain-hash <record.json>",
		Short: "Compute the chain hash of a record",
		Long:  "Computes the hash a signer would assign to the record when it follows --prev (genesis when empty).",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r models.Record
			if err := readJSON(args[0], &r); err != nil {
				return err
			}
			h, err := hashengine.ChainHash(r, prev)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), h)
			return err
		},
	}
	cmd.Flags().StringVar(&prev, "prev", "", "previous hash (64 hex characters)")
	return cmd
}
