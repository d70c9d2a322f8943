package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/splax/localvercel/deployer/internal/queue"
	"github.com/splax/localvercel/deployer/pkg/config"
)

// flag names
const (
	flagRedisAddr    = "redis-addr"
	flagQueue        = "queue"
	flagStatusPrefix = "status-prefix"
	flagTimeout      = "timeout"
)

type rootOptions struct {
	redisAddr    string
	queue        string
	statusPrefix string
	timeout      time.Duration
}

// newRootCmd builds the CLI. Flags default to the deployer's environment
// variables so both sides agree on the queue and key layout.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "deployctl",
		Short:         "Submit folders to the deployer and inspect their status",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.redisAddr, flagRedisAddr, config.GetString("REDIS_ADDR", "localhost:6379"), "Redis address (env: REDIS_ADDR)")
	root.PersistentFlags().StringVar(&opts.queue, flagQueue, config.GetString("REDIS_QUEUE_NAME", "build-queue"), "Build queue name (env: REDIS_QUEUE_NAME)")
	root.PersistentFlags().StringVar(&opts.statusPrefix, flagStatusPrefix, config.GetString("STATUS_KEY_PREFIX", ""), "Status key prefix (env: STATUS_KEY_PREFIX)")
	root.PersistentFlags().DurationVar(&opts.timeout, flagTimeout, 10*time.Second, "Timeout for Redis operations")

	root.AddCommand(newEnqueueCmd(opts), newStatusCmd(opts))
	return root
}

func (o *rootOptions) open(ctx context.Context) (*queue.StatusStore, error) {
	if strings.TrimSpace(o.redisAddr) == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}
	return queue.NewStatusStore(ctx, queue.Options{
		Addr:         o.redisAddr,
		Password:     config.GetString("REDIS_PASSWORD", ""),
		DB:           config.GetInt("REDIS_DB", 0),
		QueueName:    o.queue,
		StatusPrefix: o.statusPrefix,
	})
}

func newEnqueueCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <folder-id>...",
		Short: "Queue one or more folders for deployment",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range args {
				if strings.TrimSpace(id) == "" {
					return fmt.Errorf("folder id cannot be empty")
				}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			store, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Enqueue(ctx, args...); err != nil {
				return err
			}
			for _, id := range args {
				fmt.Fprintf(cmd.OutOrStdout(), "queued %s on %s\n", id, opts.queue)
			}
			return nil
		},
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <folder-id>",
		Short: "Show the deployment status of a folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			store, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer store.Close()
			status, err := store.Status(ctx, args[0])
			if err != nil {
				return err
			}
			if status == "" {
				status = "pending"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], status)
			return nil
		},
	}
}
