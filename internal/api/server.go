// Package api is the Control API (spec.md §4.J), generalized from the
// teacher's relay/internal/api.Server: the same gofiber/fiber/v2 app with
// recover/logger/cors middleware, widened from authenticated market-data
// read endpoints into unauthenticated (authentication is an explicit
// non-goal) Account CRUD and gateway start/stop/restart control, backed by
// internal/store and internal/supervisor instead of relay's cache/upstream
// pair. Responses use json-iterator/go via fiber's configurable JSON
// encoder, mirroring the Broadcaster's choice of codec.
package api

import (
	"context"
	"errors"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"mdhub/internal/apperr"
	"mdhub/internal/supervisor"
	"mdhub/pkg/types"
)

// AccountStore is the subset of internal/store.Store the Control API needs.
type AccountStore interface {
	Create(ctx context.Context, acc types.Account) (*types.Account, error)
	Get(ctx context.Context, id string) (*types.Account, error)
	List(ctx context.Context) ([]*types.Account, error)
	Update(ctx context.Context, id string, patch types.AccountPatch) (*types.Account, error)
	Delete(ctx context.Context, id string) error
}

// GatewayController is the subset of internal/supervisor.Supervisor the
// Control API needs to drive session lifecycle, submitted through the same
// command channel the Recovery Controller uses.
type GatewayController interface {
	Submit(ctx context.Context, cmd supervisor.Command) error
	Sessions() []types.GatewaySession
	Session(accountID string) (types.GatewaySession, bool)
}

// HealthSource resolves an account's committed health for status reporting.
type HealthSource interface {
	Status(accountID string) (types.HealthStatus, bool)
}

// BindingSource resolves the Aggregator's current per-symbol election state
// for the aggregated /health view.
type BindingSource interface {
	Bindings() []types.ContractBinding
}

// Config tunes the Control API server.
type Config struct {
	CanaryDefaults map[types.GatewayType]string
}

// Server is the Control API HTTP server.
type Server struct {
	app       *fiber.App
	cfg       Config
	store     AccountStore
	gw        GatewayController
	health    HealthSource
	bindings  BindingSource
	startedAt time.Time
	log       *zap.Logger
}

// New creates a Control API server with routes registered.
func New(cfg Config, store AccountStore, gw GatewayController, health HealthSource, bindings BindingSource, log *zap.Logger) *Server {
	app := fiber.New(fiber.Config{
		AppName:      "mdhub control API",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		JSONEncoder:  jsoniter.ConfigCompatibleWithStandardLibrary.Marshal,
		JSONDecoder:  jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal,
	})

	s := &Server{app: app, cfg: cfg, store: store, gw: gw, health: health, bindings: bindings, startedAt: time.Now(), log: log}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// App exposes the underlying Fiber app, e.g. for Listen or tests.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) setupMiddleware() {
	s.app.Use(recover.New())
	s.app.Use(logger.New())
	s.app.Use(cors.New())
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", s.handleHealth)

	v1 := s.app.Group("/v1")
	accounts := v1.Group("/accounts")
	accounts.Post("/", s.handleCreateAccount)
	accounts.Get("/", s.handleListAccounts)
	accounts.Get("/:id", s.handleGetAccount)
	accounts.Put("/:id", s.handleUpdateAccount)
	accounts.Delete("/:id", s.handleDeleteAccount)

	accounts.Post("/:id/start", s.handleStartAccount)
	accounts.Post("/:id/stop", s.handleStopAccount)
	accounts.Post("/:id/restart", s.handleRestartAccount)

	v1.Get("/sessions", s.handleListSessions)
	v1.Get("/sessions/:id", s.handleGetSession)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	sessions := s.gw.Sessions()

	sessionViews := make([]fiber.Map, 0, len(sessions))
	healthViews := make([]fiber.Map, 0, len(sessions))
	recoveryViews := make([]fiber.Map, 0, len(sessions))
	for _, sess := range sessions {
		sessionViews = append(sessionViews, s.sessionView(sess))

		if s.health != nil {
			if status, ok := s.health.Status(sess.AccountID); ok {
				healthViews = append(healthViews, fiber.Map{
					"account_id":          status.AccountID,
					"status":              status.Status.String(),
					"last_transition_at":  status.LastTransitionAt,
					"consecutive_failures": status.ConsecutiveFailures,
					"last_reason":         status.LastReason,
				})
			}
		}

		recoveryViews = append(recoveryViews, fiber.Map{
			"account_id":              sess.AccountID,
			"restart_attempts":        sess.RestartAttempts,
			"next_allowed_restart_at": sess.NextAllowedRestartAt,
		})
	}

	var bindingViews []fiber.Map
	if s.bindings != nil {
		for _, b := range s.bindings.Bindings() {
			bindingViews = append(bindingViews, fiber.Map{
				"symbol":           b.Symbol,
				"gateway_type":     b.GatewayType,
				"current_source":   b.CurrentSource,
				"pending_migration": b.PendingMigration,
			})
		}
	}

	return c.JSON(fiber.Map{
		"sessions":  sessionViews,
		"health":    healthViews,
		"bindings":  bindingViews,
		"recovery":  recoveryViews,
		"uptime":    time.Since(s.startedAt).Seconds(),
	})
}

func (s *Server) handleCreateAccount(c *fiber.Ctx) error {
	var acc types.Account
	if err := c.BodyParser(&acc); err != nil {
		return writeAppErr(c, apperr.Wrap(apperr.Validation, err, "invalid request body"))
	}
	created, err := s.store.Create(c.Context(), acc)
	if err != nil {
		return writeAppErr(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(created)
}

func (s *Server) handleListAccounts(c *fiber.Ctx) error {
	list, err := s.store.List(c.Context())
	if err != nil {
		return writeAppErr(c, err)
	}
	return c.JSON(fiber.Map{"accounts": list})
}

func (s *Server) handleGetAccount(c *fiber.Ctx) error {
	acc, err := s.store.Get(c.Context(), c.Params("id"))
	if err != nil {
		return writeAppErr(c, err)
	}
	return c.JSON(acc)
}

func (s *Server) handleUpdateAccount(c *fiber.Ctx) error {
	var patch types.AccountPatch
	if err := c.BodyParser(&patch); err != nil {
		return writeAppErr(c, apperr.Wrap(apperr.Validation, err, "invalid request body"))
	}
	updated, err := s.store.Update(c.Context(), c.Params("id"), patch)
	if err != nil {
		return writeAppErr(c, err)
	}
	return c.JSON(updated)
}

func (s *Server) handleDeleteAccount(c *fiber.Ctx) error {
	if err := s.store.Delete(c.Context(), c.Params("id")); err != nil {
		return writeAppErr(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleStartAccount(c *fiber.Ctx) error {
	return s.submitAccountCommand(c, supervisor.CommandStart)
}

func (s *Server) handleStopAccount(c *fiber.Ctx) error {
	return s.submitAccountCommand(c, supervisor.CommandStop)
}

func (s *Server) handleRestartAccount(c *fiber.Ctx) error {
	return s.submitAccountCommand(c, supervisor.CommandRestart)
}

func (s *Server) submitAccountCommand(c *fiber.Ctx, kind supervisor.CommandKind) error {
	acc, err := s.store.Get(c.Context(), c.Params("id"))
	if err != nil {
		return writeAppErr(c, err)
	}
	cmd := supervisor.Command{Kind: kind, Account: *acc, CanaryDefaults: s.cfg.CanaryDefaults}
	if err := s.gw.Submit(c.Context(), cmd); err != nil {
		return writeAppErr(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"account_id": acc.ID, "command": string(kind)})
}

func (s *Server) handleListSessions(c *fiber.Ctx) error {
	sessions := s.gw.Sessions()
	out := make([]fiber.Map, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, s.sessionView(sess))
	}
	return c.JSON(fiber.Map{"sessions": out})
}

func (s *Server) handleGetSession(c *fiber.Ctx) error {
	sess, ok := s.gw.Session(c.Params("id"))
	if !ok {
		return writeAppErr(c, apperr.New(apperr.NotFound, "session not found"))
	}
	return c.JSON(s.sessionView(sess))
}

func (s *Server) sessionView(sess types.GatewaySession) fiber.Map {
	view := fiber.Map{
		"account_id":          sess.AccountID,
		"gateway_type":        sess.GatewayType,
		"state":               sess.State.String(),
		"connect_time":        sess.ConnectTime,
		"last_tick_time":      sess.LastTickTime,
		"restart_attempts":    sess.RestartAttempts,
		"canary_symbol":       sess.CanarySymbol,
		"subscribed_symbols":  len(sess.SubscribedSymbols),
	}
	if s.health != nil {
		if status, ok := s.health.Status(sess.AccountID); ok {
			view["health"] = status.Status.String()
		}
	}
	return view
}

func writeAppErr(c *fiber.Ctx, err error) error {
	kind := apperr.KindOf(err)
	status := fiber.StatusInternalServerError
	switch kind {
	case apperr.Validation:
		status = fiber.StatusBadRequest
	case apperr.NotFound:
		status = fiber.StatusNotFound
	case apperr.Duplicate:
		status = fiber.StatusConflict
	case apperr.DependencyUnavailable, apperr.Transient:
		status = fiber.StatusServiceUnavailable
	case apperr.Permanent, apperr.InvariantViolation:
		status = fiber.StatusInternalServerError
	}
	body := fiber.Map{"kind": string(kind), "message": err.Error()}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		body["message"] = appErr.Message
		if len(appErr.Details) > 0 {
			body["details"] = appErr.Details
		}
	}
	return c.Status(status).JSON(fiber.Map{"error": body})
}

// Listen binds and serves until the listener is closed or the process exits.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
