package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ligun0805/hashsend/internal/broadcast"
	"github.com/ligun0805/hashsend/internal/log"
	"github.com/ligun0805/hashsend/internal/vanity"
	"github.com/ligun0805/hashsend/internal/wallet"
)

// batchRow is one parsed input line.
type batchRow struct {
	line int
	req  vanity.Request
	err  error
}

func newBatchCmd() *cobra.Command {
	var (
		outOK, outBad string
		tier, token   string
		strategy      string
		target        string
		concurrency   int
	)
	cmd := &cobra.Command{
		Use:   "batch <file.csv>",
		Short: "Send many transfers from rows of privateKey,receiver,amount[,target]",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("open input: %w", err)
			}
			defaults := vanity.Request{
				Token:    orDefault(token, settings.TokenAddress),
				GasTier:  orDefault(tier, settings.GasTier),
				Strategy: orDefault(strategy, settings.Strategy),
				Target:   orDefault(target, settings.TargetChar),
			}
			rows, err := parseBatch(data, defaults)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("concurrency") {
				settings.BatchConcurrency = concurrency
			}

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			okW, badW, closeOut, err := openOutputs(outOK, outBad)
			if err != nil {
				return fmt.Errorf("open outputs: %w", err)
			}
			defer closeOut()
			_ = okW.Write([]string{"line", "from", "receiver", "amount", "txHash", "block"})
			_ = badW.Write([]string{"line", "from", "receiver", "amount", "reason"})

			var jobs []broadcast.Job
			var queued []batchRow
			for _, r := range rows {
				if r.err != nil {
					_ = badW.Write([]string{fmt.Sprint(r.line), rowFrom(r.req), r.req.Receiver, r.req.Amount, r.err.Error()})
					continue
				}
				jobs = append(jobs, a.sender.Job(fmt.Sprintf("line %d", r.line), r.req))
				queued = append(queued, r)
			}

			results := broadcast.RunBatch(cmd.Context(), jobs, settings.BatchConcurrency)
			failed := 0
			for i, jr := range results {
				r := queued[i]
				from := rowFrom(r.req)
				if jr.Err != nil {
					failed++
					log.Broadcast.Error().Err(jr.Err).Int("line", r.line).Msg("batch row failed")
					_ = badW.Write([]string{fmt.Sprint(r.line), from, r.req.Receiver, r.req.Amount, jr.Err.Error()})
					continue
				}
				_ = okW.Write([]string{
					fmt.Sprint(r.line), from, r.req.Receiver, r.req.Amount,
					jr.Outcome.TxHash.Hex(), jr.Outcome.Receipt.BlockNumber.String(),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Batch done: %d ok, %d failed, %d rejected on input\n",
				len(results)-failed, failed, len(rows)-len(queued))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&outOK, "out-ok", "sent.csv", "Output CSV for mined rows")
	f.StringVar(&outBad, "out-bad", "failed.csv", "Output CSV for failed rows")
	f.StringVar(&token, "token", "", "ERC-20 contract address (env TOKEN_ADDRESS)")
	f.StringVar(&tier, "tier", "", "Gas tier (env GAS_TIER)")
	f.StringVarP(&strategy, "strategy", "s", "", "Search strategy (env STRATEGY)")
	f.StringVarP(&target, "target", "t", "", "Default target character for rows without one (env TARGET_CHAR)")
	f.IntVarP(&concurrency, "concurrency", "c", 0, "Accounts processed in parallel (env BATCH_CONCURRENCY)")
	return cmd
}

// parseBatch reads privateKey,receiver,amount[,target] rows. A header line
// and blank lines are skipped; ';' is accepted as the delimiter. Rows that
// fail validation are returned with err set so they can be reported.
func parseBatch(data []byte, defaults vanity.Request) ([]batchRow, error) {
	reader := csv.NewReader(strings.NewReader(string(data)))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comma = detectDelimiter(data)

	var rows []batchRow
	lineNo := 0
	for {
		row, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		lineNo++
		if skipRow(row, lineNo) {
			continue
		}
		r := batchRow{line: lineNo, req: defaults}
		if len(row) < 3 {
			r.err = errors.New("not enough columns, expected privateKey,receiver,amount[,target]")
			rows = append(rows, r)
			continue
		}
		r.req.FundingKey = strings.TrimSpace(row[0])
		r.req.Receiver = strings.TrimSpace(row[1])
		r.req.Amount = strings.TrimSpace(row[2])
		if len(row) > 3 && strings.TrimSpace(row[3]) != "" {
			r.req.Target = strings.TrimSpace(row[3])
		}
		_, r.err = vanity.Parse(r.req)
		rows = append(rows, r)
	}
	return rows, nil
}

func detectDelimiter(data []byte) rune {
	for _, l := range strings.Split(string(data), "\n") {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if strings.Contains(l, ";") && !strings.Contains(l, ",") {
			return ';'
		}
		break
	}
	return ','
}

func skipRow(row []string, lineNo int) bool {
	if len(row) == 0 {
		return true
	}
	if len(row) == 1 && strings.TrimSpace(row[0]) == "" {
		return true
	}
	if lineNo == 1 {
		head := strings.ToLower(strings.Join(row, ","))
		if strings.Contains(head, "priv") && strings.Contains(head, "receiver") {
			return true
		}
	}
	return false
}

// rowFrom names the funding account of a row. Keys that do not parse are
// masked so the bad-rows file never carries a usable secret.
func rowFrom(req vanity.Request) string {
	prv, err := wallet.ParsePrivateKey(req.FundingKey)
	if err != nil {
		return wallet.MaskHex(req.FundingKey)
	}
	return wallet.Address(prv).Hex()
}

func openOutputs(okPath, badPath string) (*csv.Writer, *csv.Writer, func(), error) {
	okF, err := os.Create(okPath)
	if err != nil {
		return nil, nil, nil, err
	}
	badF, err := os.Create(badPath)
	if err != nil {
		_ = okF.Close()
		return nil, nil, nil, err
	}
	okW, badW := csv.NewWriter(okF), csv.NewWriter(badF)
	return okW, badW, func() {
		okW.Flush()
		badW.Flush()
		_ = okF.Close()
		_ = badF.Close()
	}, nil
}
