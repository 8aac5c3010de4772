package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chat-relay/pkg/generation"
	"github.com/go-go-golems/chat-relay/pkg/server"
)

var rootCmd = &cobra.Command{
	Use:   "chat-relay",
	Short: "Chat backend with a resumable token streaming relay",
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
		lvl, _ := cmd.Flags().GetString("log-level")
		if lvl != "" {
			l, err := zerolog.ParseLevel(lvl)
			if err != nil {
				return err
			}
			zerolog.SetGlobalLevel(l)
		}
		withCaller, _ := cmd.Flags().GetBool("with-caller")
		if withCaller {
			log.Logger = log.Logger.With().Caller().Logger()
		}
		return nil
	},
}

func newServeCommand() *cobra.Command {
	var (
		configPath string
		flags      server.Settings
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat API and the resumable SSE stream endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := server.LoadSettings(configPath)
			if err != nil {
				return err
			}
			// Flags win over the config file.
			if cmd.Flags().Changed("addr") {
				settings.Addr = flags.Addr
			}
			if cmd.Flags().Changed("backend") {
				settings.Backend = flags.Backend
			}
			if cmd.Flags().Changed("redis-addr") {
				settings.RedisAddr = flags.RedisAddr
			}
			if cmd.Flags().Changed("sqlite-dsn") {
				settings.SQLiteDSN = flags.SQLiteDSN
			}
			if cmd.Flags().Changed("stream-ttl") {
				settings.StreamTTL = flags.StreamTTL
			}
			if err := settings.Validate(); err != nil {
				return err
			}

			ctx := cmd.Context()
			// Bundled echo source; real model providers plug in behind
			// generation.Source.
			src := &generation.EchoSource{ChunkSize: 8, Delay: 20 * time.Millisecond}
			srv, err := server.NewServer(ctx, settings, src)
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to YAML config file")
	cmd.Flags().StringVar(&flags.Addr, "addr", ":8080", "HTTP listen address")
	cmd.Flags().StringVar(&flags.Backend, "backend", server.BackendMemory, "Relay backend (memory, redis, sqlite)")
	cmd.Flags().StringVar(&flags.RedisAddr, "redis-addr", "localhost:6379", "Redis address host:port")
	cmd.Flags().StringVar(&flags.SQLiteDSN, "sqlite-dsn", "chat-relay.db", "SQLite DSN for the durable log")
	cmd.Flags().DurationVar(&flags.StreamTTL, "stream-ttl", time.Hour, "How long finished streams stay replayable")
	return cmd
}

func main() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("with-caller", false, "Include caller (file:line) in logs")
	rootCmd.AddCommand(newServeCommand())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
