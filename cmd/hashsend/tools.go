package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/ligun0805/hashsend/internal/hashsearch"
	"github.com/ligun0805/hashsend/internal/ledger"
	"github.com/ligun0805/hashsend/internal/txbuild"
	"github.com/ligun0805/hashsend/internal/wallet"
)

func newVerifyCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "verify <raw-tx-hex>",
		Short: "Decode a signed transaction and show its hash and sender",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := decodeHex(args[0])
			if err != nil {
				return err
			}
			tx, err := txbuild.Decode(raw)
			if err != nil {
				return err
			}
			from, err := txbuild.Sender(tx)
			if err != nil {
				return fmt.Errorf("recover sender: %w", err)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Tx hash:   %s\n", tx.Hash().Hex())
			fmt.Fprintf(w, "From:      %s\n", from.Hex())
			fmt.Fprintf(w, "Nonce:     %d\n", tx.Nonce())
			fmt.Fprintf(w, "Chain id:  %s\n", tx.ChainId())
			fmt.Fprintf(w, "Gas:       %d at %s gwei\n", tx.Gas(), txbuild.FormatGwei(tx.GasPrice()))
			if target == "" {
				return nil
			}
			want, err := hashsearch.ValidateTarget(target)
			if err != nil {
				return err
			}
			if got := hashsearch.LastHexChar(tx.Hash()); got != want {
				return fmt.Errorf("hash ends in %c, want %c", got, want)
			}
			fmt.Fprintln(w, "Target:    match")
			return nil
		},
	}
	cmd.Flags().StringVarP(&target, "target", "t", "", "Fail unless the hash ends in this character")
	return cmd
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return nil, errors.New("empty hex input")
	}
	return hex.DecodeString(s)
}

func newMnemonicCmd() *cobra.Command {
	var (
		derive int
		from   uint32
	)
	cmd := &cobra.Command{
		Use:   "mnemonic",
		Short: "Create a mnemonic for ephemeral signers, or list the signers of EPHEMERAL_MNEMONIC",
		Long: `Without flags, prints a new 24-word mnemonic. Set it as EPHEMERAL_MNEMONIC so
every throwaway signer can be re-derived later.

With --derive N, prints the first N signer addresses of EPHEMERAL_MNEMONIC
starting at --from, so stranded balances can be found and swept.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			if derive <= 0 {
				m, err := wallet.GenerateMnemonic()
				if err != nil {
					return err
				}
				fmt.Fprintln(w, m)
				return nil
			}
			if settings.Mnemonic == "" {
				return errors.New("EPHEMERAL_MNEMONIC is not set")
			}
			keys, err := wallet.NewHDKeys(settings.Mnemonic, "", from)
			if err != nil {
				return err
			}
			for i := 0; i < derive; i++ {
				idx := from + uint32(i)
				k, err := keys.At(idx)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%6d  %s\n", idx, crypto.PubkeyToAddress(k.PublicKey).Hex())
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&derive, "derive", 0, "Number of signer addresses to list")
	cmd.Flags().Uint32Var(&from, "from", 0, "First index to list")
	return cmd
}

func newJournalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "journal",
		Short: "List consumed results recorded in DATA_DIR",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if settings.DataDir == "" {
				return errors.New("DATA_DIR is not set; the journal only lives in memory")
			}
			l, err := ledger.Open(settings.DataDir)
			if err != nil {
				return err
			}
			defer l.Close()

			w := cmd.OutOrStdout()
			n := 0
			err = l.ForEach(func(r ledger.Record) error {
				n++
				fmt.Fprintf(w, "%s  %-17s  %s  nonce=%d  %s  %s\n",
					r.TxHash.Hex(), r.State, r.From.Hex(), r.Nonce, r.Strategy,
					r.UpdatedAt.Format("2006-01-02 15:04:05"))
				if r.Error != "" {
					fmt.Fprintf(w, "    error: %s\n", r.Error)
				}
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%d result(s)\n", n)
			return nil
		},
	}
}
