package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

type chatOptions struct {
	channel      string
	userID       string
	name         string
	role         string
	participants []string
	url          string
	verbose      bool
}

func buildChatCmd() *cobra.Command {
	var opts chatOptions
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Join a channel and chat from the terminal",
		Long: `Join a channel and chat from the terminal.

Every line read from stdin is sent as a message. Commands:
  /who                     show who is online and typing
  /read                    mark every message read
  /switch id:name:role     reconnect as another participant
  /quit                    leave the channel`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.channel, "channel", "", "Channel to join")
	cmd.Flags().StringVar(&opts.userID, "user", "", "Local user id")
	cmd.Flags().StringVar(&opts.name, "name", "", "Local display name (defaults to the user id)")
	cmd.Flags().StringVar(&opts.role, "role", "creator", "Local role: admin, manager or creator")
	cmd.Flags().StringArrayVar(&opts.participants, "participant", nil, "Other participant as id:name:role (repeatable)")
	cmd.Flags().StringVar(&opts.url, "url", "", "Relay websocket URL (overrides CHAT_WS_URL)")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log connection details to stderr")
	_ = cmd.MarkFlagRequired("channel")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chatctl %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
