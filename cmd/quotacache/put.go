package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/birrpay/quotacache/internal/store"
)

var putCmd = &cobra.Command{
	Use:   "put COLLECTION ID [JSON]",
	Short: "Queue a write and flush it",
	Long: `Queue a write through the batcher and flush it immediately.

The document replaces the stored one unless --merge is given.
With --delete no document argument is needed.

Examples:
  quotacache put users 12345 '{"lang":"am","plan":"premium"}'
  quotacache put users 12345 '{"lang":"en"}' --merge
  quotacache put users 12345 --delete`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runPut,
}

var (
	putMerge  bool
	putDelete bool
)

func init() {
	putCmd.Flags().BoolVar(&putMerge, "merge", false, "merge into the stored document")
	putCmd.Flags().BoolVar(&putDelete, "delete", false, "delete the document")
	putCmd.MarkFlagsMutuallyExclusive("merge", "delete")
	rootCmd.AddCommand(putCmd)
}

func runPut(cmd *cobra.Command, args []string) error {
	op, payload, err := parseWrite(args[2:], putMerge, putDelete)
	if err != nil {
		return err
	}

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

	if err := client.QueueWrite(ctx, args[0], args[1], payload, op); err != nil {
		return err
	}
	results, err := client.Flush(ctx)
	if err != nil {
		return err
	}
	for _, res := range results {
		fmt.Printf("flush %s: %s committed=%d retried=%d\n", res.FlushID, res.Key, res.Committed, res.Retried)
	}
	return nil
}

// parseWrite picks the write type from the flags and decodes the document.
func parseWrite(rest []string, merge, del bool) (store.WriteType, store.Document, error) {
	if del {
		if len(rest) > 0 {
			return "", nil, fmt.Errorf("--delete takes no document")
		}
		return store.WriteDelete, nil, nil
	}
	if len(rest) == 0 {
		return "", nil, fmt.Errorf("document JSON is required")
	}

	var doc store.Document
	if err := json.Unmarshal([]byte(rest[0]), &doc); err != nil {
		return "", nil, fmt.Errorf("parsing document: %w", err)
	}
	if merge {
		return store.WriteUpdate, doc, nil
	}
	return store.WriteSet, doc, nil
}
