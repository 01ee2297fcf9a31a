package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ILLUVRSE/certledger/internal/hashengine"
	"github.com/ILLUVRSE/certledger/internal/ledger"
	"github.com/ILLUVRSE/certledger/internal/models"
	"github.com/ILLUVRSE/certledger/internal/signature"
)

var errVerificationFailed = errors.New("verification failed")

func newVerifySignatureCmd() *cobra.Command {
	var pubPath string
	cmd := &cobra.Command{
		Use:   "verify-signature <record.json>",
		Short: "Check a signed record against a public key",
		Long:  "Recomputes the record hash from its content and previousHash, then checks the signature over the stored hash with the given PEM public key.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r models.Record
			if err := readJSON(args[0], &r); err != nil {
				return err
			}
			pem, err := os.ReadFile(pubPath)
			if err != nil {
				return err
			}
			hashOK, err := hashengine.VerifyChain(r, r.PreviousHash)
			if err != nil {
				return err
			}
			sigOK, err := signature.VerifyWithPublicKey(string(pem), r.Hash, r.Signature)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "hash: %s\nsignature: %s\n", okString(hashOK), okString(sigOK))
			if !hashOK || !sigOK {
				return errVerificationFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&pubPath, "public-key", "", "PEM public key file")
	_ = cmd.MarkFlagRequired("public-key")
	return cmd
}

func okString(ok bool) string {
	if ok {
		return "ok"
	}
	return "MISMATCH"
}

func newVerifyStreamCmd() *cobra.Command {
	var addr, token string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "verify-stream <stream>",
		Short: "Ask a running ledgerd to verify a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rep, err := fetchStreamReport(cmd.Context(), addr, token, args[0], timeout)
			if err != nil {
				return err
			}
			b, _ := json.MarshalIndent(rep, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(b))
			if !rep.Valid {
				return errVerificationFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "ledgerd base URL")
	cmd.Flags().StringVar(&token, "token", os.Getenv("LEDGER_TOKEN"), "bearer token (defaults to $LEDGER_TOKEN)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	return cmd
}

func fetchStreamReport(ctx context.Context, addr, token, stream string, timeout time.Duration) (ledger.StreamReport, error) {
	var rep ledger.StreamReport
	u := strings.TrimRight(addr, "/") + "/ledger/streams/" + url.PathEscape(stream) + "/verify"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return rep, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return rep, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return rep, err
	}
	if resp.StatusCode != http.StatusOK {
		return rep, fmt.Errorf("ledgerd returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, &rep); err != nil {
		return rep, fmt.Errorf("decode report: %w", err)
	}
	return rep, nil
}
