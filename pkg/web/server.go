// Package web serves the chat over HTTP: typed and voice input, the
// conversation history, and a websocket feed of displayed turns.
package web

import (
	"context"
	"log/slog"
	"net"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/voicebot/pkg/audio"
	"github.com/teslashibe/voicebot/pkg/history"
	"github.com/teslashibe/voicebot/pkg/hub"
	"github.com/teslashibe/voicebot/pkg/pipeline"
	"github.com/teslashibe/voicebot/pkg/speech"
)

// SessionHeader selects the session a request acts on.
const SessionHeader = "X-Session-ID"

// DefaultBodyLimit caps uploads; voice clips are the largest bodies.
const DefaultBodyLimit = 16 * 1024 * 1024

// Config wires the server to the rest of the process.
type Config struct {
	Registry *pipeline.Registry
	Queues   *speech.Queues
	History  history.Store
	Audio    *audio.Store
	Hub      *hub.Hub

	// StaticDir, when set, is served at "/".
	StaticDir string

	BodyLimit int
	Logger    *slog.Logger
}

// Server is the HTTP front end.
type Server struct {
	app    *fiber.App
	cfg    Config
	logger *slog.Logger
}

// NewServer builds the fiber app and its routes.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = DefaultBodyLimit
	}
	if cfg.Queues == nil {
		cfg.Queues = speech.NewQueues(speech.DefaultQueueSize)
	}

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "web"),
	}

	app := fiber.New(fiber.Config{
		AppName:               "voicebot",
		DisableStartupMessage: true,
		BodyLimit:             cfg.BodyLimit,
		ErrorHandler:          s.errorHandler,
		// Values from the request outlive it as session keys.
		Immutable: true,
	})

	app.Use(recover.New())
	// CORS for local development
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/health", s.handleHealth)
	api.Get("/timing", s.handleTiming)
	api.Post("/chat", s.handleChat)
	api.Post("/listen", s.handleListen)
	api.Post("/voice", s.handleVoice)
	api.Post("/stop", s.handleStop)
	api.Get("/history", s.handleListHistory)
	api.Delete("/history/:key", s.handleDeleteConversation)
	api.Delete("/history", s.handleClearHistory)

	if cfg.Audio != nil {
		app.Static("/audio", cfg.Audio.Dir())
	}

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/turns", websocket.New(s.handleTurnsWS))

	if cfg.StaticDir != "" {
		app.Static("/", cfg.StaticDir)
	}

	s.app = app
	return s
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until ctx is done.
func (s *Server) Listen(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listener(ln)
	}()
	s.logger.Info("web server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("web server shutting down")
		if err := s.app.Shutdown(); err != nil {
			return err
		}
		return <-errCh
	}
}
