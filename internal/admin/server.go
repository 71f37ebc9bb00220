package admin

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"venue-coordinator/internal/chain"
	"venue-coordinator/internal/executor"
	"venue-coordinator/internal/health"
	"venue-coordinator/internal/storage"
	"venue-coordinator/internal/venues"
)

// Server exposes the operator API: manual trade entry points, market
// sync, nonce diagnostics, health and metrics.
type Server struct {
	app      *fiber.App
	exec     *executor.Executor
	adapters map[storage.Venue]venues.Adapter
	checker  *health.Checker
	nonces   *chain.NonceSerializer
	client   *chain.Client
	execAddr common.Address
}

func NewServer(exec *executor.Executor, adapters map[storage.Venue]venues.Adapter,
	checker *health.Checker, nonces *chain.NonceSerializer, client *chain.Client,
	execAddr common.Address) *Server {

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          30 * time.Second,
	})

	s := &Server{
		app:      app,
		exec:     exec,
		adapters: adapters,
		checker:  checker,
		nonces:   nonces,
		client:   client,
		execAddr: execAddr,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", s.handleHealth)
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	s.app.Post("/admin/execute-trade", s.handleExecuteTrade)
	s.app.Post("/admin/close-position", s.handleClosePosition)
	s.app.Post("/admin/sync-venue-markets", s.handleSyncMarkets)
	s.app.Get("/admin/test-nonce", s.handleTestNonce)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	statuses := s.checker.GetStatuses()
	code := fiber.StatusOK
	if !s.checker.AllHealthy() {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{
		"status":     statusWord(code == fiber.StatusOK),
		"components": statuses,
		"time":       time.Now().Unix(),
	})
}

func statusWord(ok bool) string {
	if ok {
		return "ok"
	}
	return "degraded"
}

func (s *Server) handleExecuteTrade(c *fiber.Ctx) error {
	var payload struct {
		SignalID     string `json:"signalId"`
		DeploymentID string `json:"deploymentId"`
	}
	if err := c.BodyParser(&payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload"})
	}
	if payload.SignalID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "signalId is required"})
	}

	var results []*executor.ExecutionResult
	if payload.DeploymentID != "" {
		results = []*executor.ExecutionResult{
			s.exec.ExecuteForDeployment(c.Context(), payload.SignalID, payload.DeploymentID),
		}
	} else {
		results = s.exec.Execute(c.Context(), payload.SignalID)
	}

	anySuccess := false
	for _, r := range results {
		if r.Success {
			anySuccess = true
			break
		}
	}
	code := fiber.StatusOK
	if !anySuccess {
		code = fiber.StatusBadRequest
	}
	return c.Status(code).JSON(fiber.Map{"results": results})
}

func (s *Server) handleClosePosition(c *fiber.Ctx) error {
	var payload struct {
		PositionID string `json:"positionId"`
	}
	if err := c.BodyParser(&payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload"})
	}
	if payload.PositionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "positionId is required"})
	}

	res := s.exec.ClosePosition(c.Context(), payload.PositionID)
	if !res.Success {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":  res.Error,
			"reason": res.Reason,
		})
	}
	return c.JSON(res)
}

func (s *Server) handleSyncMarkets(c *fiber.Ctx) error {
	var payload struct {
		Venue string `json:"venue"`
	}
	if err := c.BodyParser(&payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid payload"})
	}

	target := strings.ToUpper(payload.Venue)
	if target == "" || target == "ALL" {
		counts := venues.SyncAll(c.Context(), s.adapters)
		return c.JSON(fiber.Map{"synced": counts})
	}

	adapter, ok := s.adapters[storage.Venue(target)]
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown venue " + target})
	}
	syncer, ok := adapter.(venues.MarketSyncer)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": target + " does not support market sync"})
	}
	n, err := syncer.SyncMarkets(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"synced": fiber.Map{target: n}})
}

// handleTestNonce compares the chain's view of the executor nonce against
// the serializer cache, then force-refreshes the cache.
func (s *Server) handleTestNonce(c *fiber.Ctx) error {
	if s.client == nil || s.nonces == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "no chain client configured"})
	}

	network, err := s.client.LatestNonce(c.Context(), s.execAddr)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	pending, err := s.client.PendingNonce(c.Context(), s.execAddr)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	cached, held := s.nonces.Cached(s.execAddr)

	refreshed, err := s.nonces.ForceRefresh(c.Context(), s.execAddr)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	return c.JSON(fiber.Map{
		"address":   s.execAddr.Hex(),
		"network":   network,
		"pending":   pending,
		"cached":    cached,
		"cacheHeld": held,
		"refreshed": refreshed,
		"resyncs":   s.nonces.Resyncs(),
	})
}

// Start serves until Shutdown is called.
func (s *Server) Start(addr string) error {
	log.Info().Str("addr", addr).Msg("admin server listening")
	return s.app.Listen(addr)
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}
