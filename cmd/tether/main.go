package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/go-go-golems/tether/pkg/config"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var settings config.Settings

func newRootCommand() (*cobra.Command, error) {
	root := &cobra.Command{
		Use:               "tether",
		Short:             "Resilient realtime websocket client and reference server",
		SilenceUsage:      true,
		PersistentPreRunE: loadSettings,
	}
	if err := clay.InitViper("tether", root); err != nil {
		return nil, err
	}

	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, root)

	pf := root.PersistentFlags()
	if pf.Lookup("config") == nil {
		pf.String("config", "", "Path to a YAML config file (default $TETHER_CONFIG or ~/.config/tether/config.yaml)")
	}
	pf.String("url", "", "Websocket endpoint, overrides session.url")
	pf.String("token", "", "Credential sent in the auth message, overrides session.token")

	root.AddCommand(newServeCommand(), newQueryCommand(), newWatchCommand(), newConfigCommand())
	return root, nil
}

// loadSettings initializes logging from the bound flags and loads the tether
// settings for the command about to run.
func loadSettings(cmd *cobra.Command, args []string) error {
	if err := logging.InitLoggerFromViper(); err != nil {
		return err
	}
	f := cmd.Flags()
	configPath, _ := f.GetString("config")
	s, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if f.Changed("url") {
		s.Session.URL, _ = f.GetString("url")
	}
	if f.Changed("token") {
		s.Session.Token, _ = f.GetString("token")
	}
	// log-level from the tether config file applies unless the flag was given
	if !f.Changed("log-level") && s.LogLevel != "" {
		lvl, err := zerolog.ParseLevel(s.LogLevel)
		if err != nil {
			return errors.Wrapf(err, "log level %q", s.LogLevel)
		}
		zerolog.SetGlobalLevel(lvl)
	}
	settings = s
	return nil
}

func main() {
	rootCmd, err := newRootCommand()
	cobra.CheckErr(err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
