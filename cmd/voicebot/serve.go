package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/teslashibe/voicebot/internal/log"
	"github.com/teslashibe/voicebot/pkg/audio"
	"github.com/teslashibe/voicebot/pkg/hub"
	"github.com/teslashibe/voicebot/pkg/pipeline"
	"github.com/teslashibe/voicebot/pkg/web"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat UI and HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load(true)
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Server.Port = port
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			turns := hub.New("turns", log.L())
			hubCtx, stopHub := context.WithCancel(context.Background())
			go turns.Run(hubCtx)
			defer func() {
				stopHub()
				<-turns.Done()
			}()

			a, err := wireApp(ctx, cfg, func(store *audio.Store) pipeline.Sink {
				return web.NewDisplay(turns, store, log.L())
			})
			if err != nil {
				return err
			}
			defer a.Close()

			server := web.NewServer(web.Config{
				Registry:  a.registry,
				Queues:    a.queues,
				History:   a.history,
				Audio:     a.audio,
				Hub:       turns,
				StaticDir: cfg.Server.StaticDir,
				Logger:    log.L(),
			})

			startup := time.Since(root.started).Seconds()
			a.registry.SetStartup(startup)
			log.Info("voicebot ready",
				"addr", "http://localhost:"+strconv.Itoa(cfg.Server.Port),
				"history", cfg.History.Backend,
				"voice_output", a.speaker != nil,
				"startup_seconds", startup,
			)

			return server.Listen(ctx, cfg.Server.Addr())
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides config)")
	return cmd
}
