package main

import (
	"cluster-task-queue/pkg/config"
	"cluster-task-queue/pkg/queue"
	"cluster-task-queue/pkg/storage"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// withClient loads config, opens the configured backend for the duration of
// fn and closes it on every path.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, cfg config.Config, client queue.Client) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	client, err := storage.Open(ctx, cfg.Storage())
	if err != nil {
		return fmt.Errorf("connect %s: %w", cfg.Backend, err)
	}
	defer client.Close()
	return fn(ctx, cfg, client)
}

func unsupported(backend, capability string) error {
	return fmt.Errorf("%s: %w (backend %s)", capability, queue.ErrUnsupported, backend)
}

func newPushCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "push <payload>",
		Short: "Push one task onto the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, cfg config.Config, client queue.Client) error {
				if err := client.Push(ctx, cfg.Queue, args[0]); err != nil {
					return err
				}
				fmt.Println("Pushed:", args[0])
				return nil
			})
		},
	}
}

func newPopCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pop",
		Short: "Pop one task from the queue, waiting for it",
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, _ := cmd.Flags().GetDuration("timeout")
			return withClient(cmd, func(ctx context.Context, cfg config.Config, client queue.Client) error {
				payload, ok, err := client.BlockingPop(ctx, cfg.Queue, timeout)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no task on %s within %s", cfg.Queue, timeout)
				}
				fmt.Println(payload)
				return nil
			})
		},
	}
	cmd.Flags().Duration("timeout", 0, "Give up after this long (0 waits forever)")
	return cmd
}

func newKVCommand() *cobra.Command {
	kvCmd := &cobra.Command{Use: "kv", Short: "Key/value operations"}

	getCmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Print the value stored under key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, cfg config.Config, client queue.Client) error {
				kv, ok := client.(queue.KeyValue)
				if !ok {
					return unsupported(cfg.Backend, "kv")
				}
				v, found, err := kv.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("key %q not found", args[0])
				}
				fmt.Println(v)
				return nil
			})
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store value under key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ttl, _ := cmd.Flags().GetDuration("ttl")
			return withClient(cmd, func(ctx context.Context, cfg config.Config, client queue.Client) error {
				kv, ok := client.(queue.KeyValue)
				if !ok {
					return unsupported(cfg.Backend, "kv")
				}
				if err := kv.Set(ctx, args[0], args[1], ttl); err != nil {
					return err
				}
				fmt.Println("OK")
				return nil
			})
		},
	}
	setCmd.Flags().Duration("ttl", 0, "Expire the key after this long (0 keeps it)")

	kvCmd.AddCommand(getCmd, setCmd)
	return kvCmd
}

func newPublishCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <channel> <message>",
		Short: "Publish a message on a channel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, cfg config.Config, client queue.Client) error {
				ps, ok := client.(queue.PubSub)
				if !ok {
					return unsupported(cfg.Backend, "publish")
				}
				return ps.Publish(ctx, args[0], args[1])
			})
		},
	}
}

func newSubscribeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "subscribe <channel>",
		Short: "Print messages published on a channel until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, cfg config.Config, client queue.Client) error {
				ps, ok := client.(queue.PubSub)
				if !ok {
					return unsupported(cfg.Backend, "subscribe")
				}
				sub, err := ps.Subscribe(ctx, args[0], func(msg string) {
					fmt.Println(msg)
				})
				if err != nil {
					return err
				}
				defer sub.Close()
				<-ctx.Done()
				return nil
			})
		},
	}
}

func newStreamCommand() *cobra.Command {
	streamCmd := &cobra.Command{Use: "stream", Short: "Stream operations"}

	appendCmd := &cobra.Command{
		Use:   "append <stream> <field=value>...",
		Short: "Append an entry to a stream",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseFields(args[1:])
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, cfg config.Config, client queue.Client) error {
				st, ok := client.(queue.Streams)
				if !ok {
					return unsupported(cfg.Backend, "stream")
				}
				id, err := st.StreamAppend(ctx, args[0], fields)
				if err != nil {
					return err
				}
				fmt.Println(id)
				return nil
			})
		},
	}

	readCmd := &cobra.Command{
		Use:   "read <stream>",
		Short: "Read new entries for a consumer group, acknowledging each",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			group, _ := cmd.Flags().GetString("group")
			consumer, _ := cmd.Flags().GetString("consumer")
			count, _ := cmd.Flags().GetInt64("count")
			block, _ := cmd.Flags().GetDuration("block")
			follow, _ := cmd.Flags().GetBool("follow")
			if consumer == "" {
				consumer = uuid.New().String()
			}
			return withClient(cmd, func(ctx context.Context, cfg config.Config, client queue.Client) error {
				st, ok := client.(queue.Streams)
				if !ok {
					return unsupported(cfg.Backend, "stream")
				}
				if err := st.CreateConsumerGroup(ctx, args[0], group); err != nil {
					return err
				}
				for {
					msgs, err := st.ReadGroup(ctx, args[0], group, consumer, count, block)
					if err != nil {
						if ctx.Err() != nil {
							return nil
						}
						return err
					}
					for _, msg := range msgs {
						b, _ := json.Marshal(msg)
						fmt.Println(string(b))
						if err := st.AckStream(ctx, args[0], group, msg.ID); err != nil {
							return err
						}
					}
					if !follow || ctx.Err() != nil {
						return nil
					}
				}
			})
		},
	}
	readCmd.Flags().String("group", "taskpool", "Consumer group name")
	readCmd.Flags().String("consumer", "", "Consumer name (default a random UUID)")
	readCmd.Flags().Int64("count", 1, "Maximum entries per read")
	readCmd.Flags().Duration("block", time.Second, "How long one read waits (0 waits forever)")
	readCmd.Flags().Bool("follow", false, "Keep reading until interrupted")

	streamCmd.AddCommand(appendCmd, readCmd)
	return streamCmd
}

func parseFields(pairs []string) (map[string]string, error) {
	fields := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("field %q: want field=value", p)
		}
		fields[k] = v
	}
	return fields, nil
}
