// Command chatctl is a terminal chat client for the DASHTRACER relay. It
// mounts one chat view against a channel and reads messages from stdin.
//
//	chatctl chat --channel 42 --user a --name Alice --role admin \
//	    --participant b:Bob:creator
//
// Settings not given as flags come from the environment (CHAT_WS_URL,
// CHAT_RECONNECT_LIMIT, CHAT_RECONNECT_DELAY_MS, CHAT_RECONNECT_BACKOFF,
// CHAT_HISTORY_LIMIT, CHAT_ALLOW_IDENTITY_SWITCH), optionally loaded from .env.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chatctl",
		Short:         "Terminal client for DASHTRACER chat",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildChatCmd(), buildVersionCmd())
	return root
}
