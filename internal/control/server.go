package control

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"solana-wallet-tracker/internal/health"
	"solana-wallet-tracker/internal/tracker"
)

// Controller is the tracker surface the control server drives.
type Controller interface {
	Start() error
	Stop() error
	Status() tracker.Status
	SetAddresses(addresses []string) error
	GetAddresses() []string
	CancelSession(wallet, token string) bool
}

// PriceSource reports the latest oracle quote.
type PriceSource interface {
	Last() (float64, time.Time, bool)
}

// Server runs the HTTP control surface
type Server struct {
	app     *fiber.App
	tracker Controller
	checker *health.Checker
	prices  PriceSource
	host    string
	port    int
}

// NewServer creates a control server. prices may be nil when no oracle runs.
func NewServer(host string, port int, ctrl Controller, checker *health.Checker, prices PriceSource) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          5 * time.Second,
	})

	s := &Server{
		app:     app,
		tracker: ctrl,
		checker: checker,
		prices:  prices,
		host:    host,
		port:    port,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", s.handleHealth)
	s.app.Get("/status", s.handleStatus)
	s.app.Get("/addresses", s.handleGetAddresses)
	s.app.Put("/addresses", s.handlePutAddresses)
	s.app.Post("/start", s.handleStart)
	s.app.Post("/stop", s.handleStop)
	s.app.Delete("/sessions/:wallet/:token", s.handleCancelSession)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	components := make([]fiber.Map, 0)
	for _, st := range s.checker.GetStatuses() {
		entry := fiber.Map{
			"name":      st.Name,
			"healthy":   st.Healthy,
			"latencyMs": st.Latency.Milliseconds(),
		}
		if st.Error != "" {
			entry["error"] = st.Error
		}
		components = append(components, entry)
	}

	code := fiber.StatusOK
	healthy := s.checker.Healthy()
	if !healthy {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{
		"healthy":    healthy,
		"components": components,
		"time":       time.Now().Unix(),
	})
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	st := s.tracker.Status()

	resp := fiber.Map{
		"running":    st.Running,
		"addresses":  st.Addresses,
		"lastSlot":   st.LastSlot,
		"queueDepth": st.QueueDepth,
		"sessions":   st.Sessions,
	}
	if s.prices != nil {
		if price, at, ok := s.prices.Last(); ok {
			resp["solPriceUsd"] = price
			resp["solPriceAgeSec"] = int64(time.Since(at).Seconds())
		}
	}
	return c.JSON(resp)
}

func (s *Server) handleGetAddresses(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"addresses": s.tracker.GetAddresses()})
}

func (s *Server) handlePutAddresses(c *fiber.Ctx) error {
	var payload struct {
		Addresses []string `json:"addresses"`
	}
	if err := c.BodyParser(&payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload"})
	}

	if err := s.tracker.SetAddresses(payload.Addresses); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	log.Info().Int("count", len(payload.Addresses)).Msg("address list updated via control surface")
	return c.JSON(fiber.Map{"ok": true, "count": len(s.tracker.GetAddresses())})
}

func (s *Server) handleStart(c *fiber.Ctx) error {
	if err := s.tracker.Start(); err != nil {
		code := fiber.StatusBadRequest
		if errors.Is(err, tracker.ErrAlreadyRunning) {
			code = fiber.StatusConflict
		}
		return c.Status(code).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"ok": true, "message": "tracker started"})
}

func (s *Server) handleStop(c *fiber.Ctx) error {
	if err := s.tracker.Stop(); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"ok": true, "message": "tracker stopped"})
}

func (s *Server) handleCancelSession(c *fiber.Ctx) error {
	wallet := c.Params("wallet")
	token := c.Params("token")

	if !s.tracker.CancelSession(wallet, token) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no active session for pair"})
	}

	log.Info().Str("wallet", wallet).Str("token", token).Msg("session cancel requested via control surface")
	return c.JSON(fiber.Map{"ok": true, "message": "session cancelled"})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	log.Info().Str("addr", addr).Msg("starting control server")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
