package relay

import (
	"context"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pelusa-v/pelusa-relay.git/internal/protocol"
	"github.com/pelusa-v/pelusa-relay.git/internal/relay/store"
)

// Config for the relay server.
type Config struct {
	Addr         string
	DBPath       string
	HistoryLimit int // rows per history response, 0 = unlimited
}

func (c *Config) fill() {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:3000"
	}
	if c.DBPath == "" {
		c.DBPath = "chat.db"
	}
}

// Server ties the fiber app, the hub and the store together.
type Server struct {
	cfg    Config
	log    *zap.Logger
	store  *store.Store
	hub    *Hub
	app    *fiber.App
	cancel context.CancelFunc
}

func NewServer(ctx context.Context, cfg Config, log *zap.Logger) (*Server, error) {
	cfg.fill()
	if log == nil {
		log = zap.NewNop()
	}

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:   cfg,
		log:   log,
		store: st,
		hub:   NewHub(st, cfg.HistoryLimit, log),
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", websocket.New(s.handleSocket))
	app.Get("/api/history", s.handleHistory)

	s.app = app
	return s, nil
}

// Listen starts the hub loop and serves until Shutdown.
func (s *Server) Listen() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.hub.Run(ctx)
	s.log.Info("relay listening", zap.String("addr", s.cfg.Addr))
	return s.app.Listen(s.cfg.Addr)
}

func (s *Server) Shutdown() error {
	if s.cancel != nil {
		s.cancel()
	}
	err := s.app.Shutdown()
	if cerr := s.store.Close(); err == nil {
		err = cerr
	}
	return err
}

// handleSocket runs for the lifetime of one websocket connection.
func (s *Server) handleSocket(c *websocket.Conn) {
	sess := &Session{
		ID:   uuid.NewString(),
		Conn: c,
		Send: make(chan []byte, 16),
	}
	select {
	case s.hub.RegisterChan <- sess:
	case <-s.hub.done:
		return
	}
	defer func() {
		select {
		case s.hub.UnregisterChan <- sess:
		case <-s.hub.done:
		}
	}()
	go sess.WritePump()
	sess.ReadPump(s.hub)
}

// handleHistory is the REST mirror of history.request, for clients that want
// to preload before opening a socket.
func (s *Server) handleHistory(c *fiber.Ctx) error {
	messages, err := s.store.History(c.Context(), s.cfg.HistoryLimit)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	users, err := s.store.Users(c.Context())
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(protocol.HistoryResponse{Messages: messages, Users: users})
}
