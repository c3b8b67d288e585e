package main

import (
	"github.com/go-go-golems/tether/pkg/devserver"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference realtime server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := settings.Server
			if addr, _ := cmd.Flags().GetString("addr"); cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if tokens, _ := cmd.Flags().GetStringSlice("tokens"); cmd.Flags().Changed("tokens") {
				cfg.Tokens = tokens
			}
			srv := devserver.New(cfg, devserver.WithLogger(log.With().Str("component", "devserver").Logger()))
			return srv.Run(cmd.Context())
		},
	}
	cmd.Flags().String("addr", "", "Listen address, overrides server.addr")
	cmd.Flags().StringSlice("tokens", nil, "Accepted tokens, overrides server.tokens (empty accepts any)")
	return cmd
}
