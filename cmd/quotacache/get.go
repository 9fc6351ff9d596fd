package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/birrpay/quotacache/internal/store"
)

var getCmd = &cobra.Command{
	Use:   "get COLLECTION ID",
	Short: "Read a document through the cache",
	Long: `Read a document through the caching layer and print it as JSON.

Examples:
  quotacache get users 12345 --store disk --data-dir ./data
  quotacache get subscriptions sub_42 --config prod.yaml --timing`,
	Args: cobra.ExactArgs(2),
	RunE: runGet,
}

var showTiming bool

func init() {
	getCmd.Flags().BoolVar(&showTiming, "timing", false, "show read timing and quota usage")
	rootCmd.AddCommand(getCmd)
}

func runGet(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := context.Background()
	client, err := openClient(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer client.Close()

	start := time.Now()
	doc, err := client.CachedGet(ctx, args[0], args[1])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("document %s/%s not found", args[0], args[1])
		}
		return err
	}
	elapsed := time.Since(start)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return err
	}
	if showTiming {
		q := client.QuotaStatus()
		fmt.Fprintf(os.Stderr, "Time:  %s\nReads: %d/%d (%s)\n", elapsed, q.Reads.Used, q.Reads.Limit, q.Mode)
	}
	return nil
}
