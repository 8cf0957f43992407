package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/popchat/backend/internal/service/popup"
)

func newReplyCommand() *cobra.Command {
	var (
		offline bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "reply <text>",
		Short: "Print the reply for one message without opening a session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			_, err := fmt.Fprintln(cmd.OutOrStdout(), answer(ctx, strings.Join(args, " "), offline))
			return err
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "skip the external quote source")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "external request timeout")
	return cmd
}

// answer mirrors the submit flow: external source first, canned rules as fallback.
func answer(ctx context.Context, text string, offline bool) string {
	if !offline && services.External != nil {
		reply, ok, err := services.External.Reply(ctx, text)
		if err != nil {
			log.Warn().Str("component", "cli").Err(err).Msg("external reply failed")
			return popup.FailureMessage
		}
		if ok && reply != "" {
			return reply
		}
	}
	return services.Replies.Reply(text)
}
