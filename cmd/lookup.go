package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rehouzd/skiptrace/internal/lookup"
)

var (
	lookupUser      string
	lookupBuyer     string
	lookupBuyerName string
	lookupAddress   string
	lookupOwner     string
	lookupCacheOnly bool
	lookupFile      string
)

var lookupCmd = &cobra.Command{
	Use:   "lookup",
	Short: "Look up contact data for an address",
	Long: `Runs a lookup for one user, or a batch read from a CSV file.

The CSV has a header row with columns buyer_id, address and optionally
buyer_name and owner_name. Rows run concurrently, bounded by
lookup.max_concurrent_batch_items.

Examples:
  skiptrace lookup --user u1 --buyer b1 --address "1 Main St, Austin TX 78701"
  skiptrace lookup --user u1 --file buyers.csv`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("cli"); err != nil {
			return err
		}
		if lookupUser == "" {
			return eris.New("--user is required")
		}
		ctx := cmd.Context()

		var reqs []lookup.Request
		if lookupFile != "" {
			f, err := os.Open(lookupFile)
			if err != nil {
				return eris.Wrap(err, "open batch file")
			}
			defer f.Close() //nolint:errcheck
			if reqs, err = parseBatch(f, lookupUser); err != nil {
				return err
			}
		} else {
			reqs = []lookup.Request{{
				UserID:    lookupUser,
				BuyerID:   lookupBuyer,
				BuyerName: lookupBuyerName,
				Address:   lookupAddress,
				Owner:     lookupOwner,
				CacheOnly: lookupCacheOnly,
			}}
		}

		svc, err := buildServices(ctx, cfg)
		if err != nil {
			return err
		}
		defer svc.Close()

		results := runBatch(ctx, svc.Lookups, reqs, cfg.Lookup.MaxConcurrentBatchItems)
		return printJSON(cmd.OutOrStdout(), results)
	},
}

// batchResult is one line of lookup output.
type batchResult struct {
	BuyerID  string           `json:"buyer_id"`
	Response *lookup.Response `json:"response,omitempty"`
	Error    string           `json:"error,omitempty"`
}

type lookuper interface {
	Lookup(ctx context.Context, req lookup.Request) (*lookup.Response, error)
}

// runBatch runs reqs with bounded concurrency. Failures are reported per
// row and do not stop the batch.
func runBatch(ctx context.Context, l lookuper, reqs []lookup.Request, limit int) []batchResult {
	out := make([]batchResult, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, limit))
	for i, req := range reqs {
		g.Go(func() error {
			out[i].BuyerID = req.BuyerID
			resp, err := l.Lookup(gctx, req)
			if err != nil {
				zap.L().Warn("lookup failed", zap.String("buyer_id", req.BuyerID), zap.Error(err))
				out[i].Error = err.Error()
				return nil
			}
			out[i].Response = resp
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// parseBatch reads lookup rows for userID from CSV.
func parseBatch(r io.Reader, userID string) ([]lookup.Request, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, eris.Wrap(err, "read batch header")
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"buyer_id", "address"} {
		if _, ok := cols[required]; !ok {
			return nil, eris.Errorf("batch file is missing the %s column", required)
		}
	}
	field := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var reqs []lookup.Request
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "read batch line %d", line)
		}
		req := lookup.Request{
			UserID:    userID,
			BuyerID:   field(row, "buyer_id"),
			BuyerName: field(row, "buyer_name"),
			Address:   field(row, "address"),
			Owner:     field(row, "owner_name"),
		}
		if req.BuyerID == "" || req.Address == "" {
			return nil, eris.Errorf("batch line %d: buyer_id and address are required", line)
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func init() {
	lookupCmd.Flags().StringVar(&lookupUser, "user", "", "user id to bill")
	lookupCmd.Flags().StringVar(&lookupBuyer, "buyer", "", "buyer id")
	lookupCmd.Flags().StringVar(&lookupBuyerName, "buyer-name", "", "buyer display name")
	lookupCmd.Flags().StringVar(&lookupAddress, "address", "", "property address")
	lookupCmd.Flags().StringVar(&lookupOwner, "owner", "", "owner name")
	lookupCmd.Flags().BoolVar(&lookupCacheOnly, "cache-only", false, "serve only fresh cached results")
	lookupCmd.Flags().StringVar(&lookupFile, "file", "", "CSV batch file")
	rootCmd.AddCommand(lookupCmd)
}
