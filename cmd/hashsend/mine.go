package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ligun0805/hashsend/internal/broadcast"
	"github.com/ligun0805/hashsend/internal/hashsearch"
	"github.com/ligun0805/hashsend/internal/txbuild"
)

func newMineCmd() *cobra.Command {
	var rf requestFlags
	cmd := &cobra.Command{
		Use:   "mine",
		Short: "Search for a matching transaction without broadcasting it",
		Long: `Searches exactly like send but stops before anything reaches the chain.

A nonce-increment result (--strategy nonce) is signed by the funding account
and can be handed to "hashsend broadcast" later, as long as the account's
pending nonce has not moved past it.

A fresh-wallet result is informational only: its throwaway signer is never
funded and its key is not printed, so that transaction cannot be broadcast.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := rf.request()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.sender.Mine(cmd.Context(), req)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), res)
			if res.Ephemeral() {
				fmt.Fprintln(cmd.OutOrStdout(), "Note:        informational only; the throwaway signer is unfunded and cannot broadcast")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "Note:        run \"hashsend broadcast <raw tx>\" to get it mined")
			}
			return nil
		},
	}
	rf.register(cmd.Flags())
	return cmd
}

func newSendCmd() *cobra.Command {
	var rf requestFlags
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Search for a matching transaction and get it mined",
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := rf.request()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			res, out, err := a.sender.Send(cmd.Context(), req)
			if res != nil {
				printResult(cmd.OutOrStdout(), res)
			}
			if err != nil {
				return err
			}
			printOutcome(cmd.OutOrStdout(), out)
			return nil
		},
	}
	rf.register(cmd.Flags())
	return cmd
}

func newBroadcastCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "broadcast <raw-tx-hex>",
		Short: "Get a nonce-increment transaction printed by mine mined",
		Long: `Takes the raw transaction printed by "mine --strategy nonce", fills every
nonce between the funding account's pending nonce and the transaction's with
self-transfers, broadcasts it and waits for the receipt.

The transaction must be signed by FUNDING_PRIVATE_KEY. A result that is
already journalled in DATA_DIR, or whose nonce is already used, is refused.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := decodeHex(args[0])
			if err != nil {
				return err
			}
			key, err := fundingKey()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			res, out, err := a.sender.BroadcastRaw(cmd.Context(), key, raw)
			if res != nil {
				printResult(cmd.OutOrStdout(), res)
			}
			if err != nil {
				return err
			}
			printOutcome(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func printResult(w io.Writer, res *hashsearch.Result) {
	fmt.Fprintf(w, "Tx hash:     %s\n", res.TxHash.Hex())
	fmt.Fprintf(w, "Strategy:    %s\n", res.Strategy)
	fmt.Fprintf(w, "From:        %s\n", res.From.Hex())
	fmt.Fprintf(w, "Nonce:       %d (initial %d)\n", res.Nonce, res.InitialNonce)
	fmt.Fprintf(w, "Gas price:   %s gwei\n", txbuild.FormatGwei(res.GasPrice))
	fmt.Fprintf(w, "Attempts:    %d\n", res.Attempts)
	fmt.Fprintf(w, "Raw tx:      %s\n", txbuild.Hex(res.SignedRawTx))
}

func printOutcome(w io.Writer, out *broadcast.Outcome) {
	if out == nil || out.Receipt == nil {
		return
	}
	fmt.Fprintf(w, "Mined in:    block %s, gas used %d\n", out.Receipt.BlockNumber, out.Receipt.GasUsed)
	if out.AlreadyKnown {
		fmt.Fprintln(w, "Note:        node already had the transaction")
	}
	if out.Fillers != nil {
		fmt.Fprintf(w, "Fillers:     %d sent, %d skipped\n", len(out.Fillers.Sent), len(out.Fillers.Skipped))
	}
	switch {
	case out.RefundErr != nil:
		fmt.Fprintf(w, "Refund:      failed: %v\n", out.RefundErr)
	case out.Refund != nil && out.Refund.Swept != nil:
		fmt.Fprintf(w, "Refund:      %s swept in %s\n", txbuild.FormatEther(out.Refund.Swept), out.Refund.TxHash.Hex())
	case out.Refund != nil && out.Refund.Stranded:
		fmt.Fprintf(w, "Refund:      %s left on signer, below sweep cost\n", txbuild.FormatEther(out.Refund.Balance))
	}
}
