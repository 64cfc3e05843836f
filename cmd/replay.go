package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/offer-orchestrator/internal/model"
	"github.com/sells-group/offer-orchestrator/internal/resilience"
)

var (
	replayCSV         string
	replayURL         string
	replayLimit       int
	replayConcurrency int
	replayRate        float64
	replayDryRun      bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a member transaction CSV against a running orchestrator",
	Long: `Reads a member transaction CSV, normalizes each row, and POSTs it to the
orchestrator's /member/offer endpoint. Malformed rows are skipped and logged;
transient upstream statuses are retried with backoff.

Expected CSV columns:
  memberId, lastTransactionUtcTs, lastTransactionType,
  lastTransactionPointsBought, lastTransactionRevenueUSD`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		txs, skipped, err := parseReplayCSV(replayCSV)
		if err != nil {
			return eris.Wrap(err, "replay: parse csv")
		}
		zap.L().Info("parsed csv",
			zap.Int("transactions", len(txs)),
			zap.Int("skipped", skipped),
		)

		if replayLimit > 0 && replayLimit < len(txs) {
			txs = txs[:replayLimit]
		}

		if replayDryRun {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(txs)
		}

		// Pacing keeps replay from overwhelming local upstreams.
		limiter := rate.NewLimiter(rate.Limit(replayRate), 1)
		client := &http.Client{Timeout: 30 * time.Second}

		var sent, failed atomic.Int64
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(replayConcurrency)

		for i, tx := range txs {
			g.Go(func() error {
				if err := limiter.Wait(gctx); err != nil {
					return err
				}
				if err := postTransaction(gctx, client, replayURL, tx); err != nil {
					failed.Add(1)
					zap.L().Warn("replay row failed",
						zap.Int("row", i+2),
						zap.String("member_id", tx.MemberID),
						zap.Error(err),
					)
					return nil
				}
				sent.Add(1)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return eris.Wrap(err, "replay")
		}

		fmt.Printf("Done. Sent=%d, Skipped=%d, Failed=%d\n", sent.Load(), skipped, failed.Load())
		return nil
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayCSV, "csv", "member_data.csv", "path to the transaction CSV")
	replayCmd.Flags().StringVar(&replayURL, "url", "http://localhost:8000/member/offer", "orchestrator endpoint")
	replayCmd.Flags().IntVar(&replayLimit, "limit", 0, "max rows to send (0 = all)")
	replayCmd.Flags().IntVar(&replayConcurrency, "concurrency", 1, "concurrent senders")
	replayCmd.Flags().Float64Var(&replayRate, "rate", 50, "requests per second")
	replayCmd.Flags().BoolVar(&replayDryRun, "dry-run", false, "parse and print rows without sending")
	rootCmd.AddCommand(replayCmd)
}

// parseReplayCSV reads and normalizes the CSV. Rows that fail validation are
// counted and skipped, never fatal.
func parseReplayCSV(path string) ([]model.Transaction, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, eris.Wrap(err, "open csv")
	}
	defer f.Close() //nolint:errcheck

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, 0, eris.Wrap(err, "read header")
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}

	var txs []model.Transaction
	skipped := 0
	for row := 2; ; row++ {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, eris.Wrapf(err, "read row %d", row)
		}

		tx, err := parseReplayRow(col, record)
		if err != nil {
			skipped++
			zap.L().Warn("skipping csv row",
				zap.Int("row", row),
				zap.Error(err),
			)
			continue
		}
		txs = append(txs, tx)
	}
	return txs, skipped, nil
}

func parseReplayRow(col map[string]int, record []string) (model.Transaction, error) {
	field := func(name string) string {
		i, ok := col[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	ts, err := model.ParseUTC(field("lastTransactionUtcTs"))
	if err != nil {
		return model.Transaction{}, err
	}
	points, err := parseAmount(field("lastTransactionPointsBought"), "lastTransactionPointsBought")
	if err != nil {
		return model.Transaction{}, err
	}
	revenue, err := parseAmount(field("lastTransactionRevenueUSD"), "lastTransactionRevenueUSD")
	if err != nil {
		return model.Transaction{}, err
	}

	tx := model.Transaction{
		MemberID:     field("memberId"),
		OccurredAt:   model.NewUTCTime(ts),
		Kind:         model.TransactionType(strings.ToUpper(field("lastTransactionType"))),
		PointsBought: points,
		RevenueUSD:   revenue,
	}
	return tx, tx.Validate()
}

// parseAmount parses a numeric CSV field, tolerating thousands separators.
func parseAmount(s, name string) (float64, error) {
	if s == "" {
		return 0, eris.Errorf("missing %s", name)
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil {
		return 0, eris.Wrapf(err, "parse %s", name)
	}
	return v, nil
}

// postTransaction sends one row, retrying transient statuses with backoff.
func postTransaction(ctx context.Context, client *http.Client, url string, tx model.Transaction) error {
	payload, err := json.Marshal(tx)
	if err != nil {
		return eris.Wrap(err, "marshal transaction")
	}

	retryCfg := resilience.RetryConfig{
		MaxAttempts: 4,
		BaseBackoff: 500 * time.Millisecond,
	}
	return resilience.Do(ctx, retryCfg, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return eris.Wrap(err, "create request")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close() //nolint:errcheck
		body, _ := io.ReadAll(resp.Body)

		switch {
		case resp.StatusCode == http.StatusOK:
			return nil
		case resp.StatusCode >= 500:
			return resilience.MarkTransient(
				eris.Errorf("status %d: %s", resp.StatusCode, string(body)), resp.StatusCode)
		default:
			return eris.Errorf("status %d: %s", resp.StatusCode, string(body))
		}
	})
}
