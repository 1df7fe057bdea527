package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Lobster444/brevedu/internal/logger"
	"github.com/Lobster444/brevedu/internal/queue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the offline operation queue",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue size and oldest pending item",
	RunE:  runQueueStatus,
}

var queueSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Drop items over the retry or age limits",
	RunE:  runQueueSweep,
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueStatusCmd, queueSweepCmd)
}

func openQueue() (*queue.Queue, func() error, error) {
	store, err := openStore()
	if err != nil {
		return nil, nil, err
	}
	q := queue.New(queue.Options{Blobs: store, Log: logger.NewNop()})
	return q, store.Close, nil
}

func runQueueStatus(cmd *cobra.Command, args []string) error {
	q, closeStore, err := openQueue()
	if err != nil {
		return err
	}
	defer closeStore()

	size, oldest := q.Status(context.Background())
	fmt.Printf("Pending items: %d\n", size)
	if !oldest.IsZero() {
		fmt.Printf("Oldest item:   %s (%s)\n", oldest.Format(time.RFC3339), timeAgo(oldest))
	}
	return nil
}

func runQueueSweep(cmd *cobra.Command, args []string) error {
	q, closeStore, err := openQueue()
	if err != nil {
		return err
	}
	defer closeStore()

	ctx := context.Background()
	before, _ := q.Status(ctx)
	if err := q.Sweep(ctx); err != nil {
		return err
	}
	after, _ := q.Status(ctx)
	fmt.Printf("Dropped %d item(s), %d remaining\n", before-after, after)
	return nil
}
