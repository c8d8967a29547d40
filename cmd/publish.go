package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/smazurov/observer/internal/logging"
	"github.com/smazurov/observer/internal/redisconn"
	"github.com/smazurov/observer/internal/scripts"
	"github.com/spf13/cobra"
)

// CreatePublishCmd creates the publish command, a debugging aid that sends one
// JSON message to a Redis channel.
func CreatePublishCmd() *cobra.Command {
	var cfg redisconn.Config
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:     "publish <channel> <json>",
		Short:   "Publish a JSON message to a Redis channel",
		Example: `  observer publish my:channel '{"user":"ada"}'`,
		Args:    cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(c.Context(), timeout)
			defer cancel()
			return publish(ctx, c.OutOrStdout(), cfg, args[0], args[1])
		},
	}

	cmd.Flags().StringVar(&cfg.Host, "host", redisconn.DefaultHost, "Redis host")
	cmd.Flags().IntVar(&cfg.Port, "port", redisconn.DefaultPort, "Redis port")
	cmd.Flags().StringVar(&cfg.Endpoint, "endpoint", "", "Redis URI, overrides host and port")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Give up after this long")

	return cmd
}

func publish(ctx context.Context, out io.Writer, cfg redisconn.Config, channel, payload string) error {
	if !json.Valid([]byte(payload)) {
		return errors.New("message is not valid JSON")
	}

	cfg.RetryLimit = 1
	manager := redisconn.New(cfg, scripts.NewCache(), redisconn.WithLogger(logging.GetLogger("publish")))
	defer manager.Close()

	if err := manager.Connect(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.Address(), err)
	}
	if err := manager.Publish(ctx, channel, payload); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}

	fmt.Fprintf(out, "Published %d bytes to %s\n", len(payload), channel)
	return nil
}
