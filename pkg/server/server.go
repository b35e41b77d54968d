// Package server is the HTTP surface of the gateway: the OpenAI-compatible
// chat-completions endpoint wrapped by the admission pipeline, plus the
// legacy scan endpoint and the stats/admin surfaces.
package server

import (
	"log"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/ecoshield-ai/ecoshield/pkg/chat"
	"github.com/ecoshield-ai/ecoshield/pkg/config"
	"github.com/ecoshield-ai/ecoshield/pkg/httputil"
	"github.com/ecoshield-ai/ecoshield/pkg/identity"
	"github.com/ecoshield-ai/ecoshield/pkg/llm"
	"github.com/ecoshield-ai/ecoshield/pkg/patterns"
	"github.com/ecoshield-ai/ecoshield/pkg/shield"
)

const Version = "0.1.0"

// Server owns the fiber app and its route handlers.
type Server struct {
	app      *fiber.App
	cfg      *config.Config
	pipeline *shield.Pipeline
	registry *patterns.Registry
	limiter  *fingerprintLimiter
	sem      *httputil.Semaphore
}

type chatCompletionRequest struct {
	Model       string         `json:"model"`
	Messages    []chat.Message `json:"messages"`
	Temperature float64        `json:"temperature"`
	MaxTokens   int            `json:"max_tokens"`
	TopP        float64        `json:"top_p"`
}

// New builds the server and registers all routes.
func New(cfg *config.Config, pipeline *shield.Pipeline, registry *patterns.Registry) *Server {
	if registry == nil {
		registry = patterns.Get()
	}
	s := &Server{
		app: fiber.New(fiber.Config{
			AppName: "EcoShield Gateway",
		}),
		cfg:      cfg,
		pipeline: pipeline,
		registry: registry,
		limiter:  newFingerprintLimiter(cfg.RateLimitRPS, cfg.RateBurst),
		sem:      httputil.NewSemaphore(cfg.MaxConcurrent),
	}

	s.app.Get("/", s.handleRoot)
	s.app.Get("/health", s.handleHealth)
	s.app.Post("/v1/chat/completions", s.handleChatCompletions)
	s.app.Post("/shield", s.handleShield)
	s.app.Get("/v1/stats", s.handleStats)
	s.app.Post("/v1/admin/unflag", s.handleUnflag)

	return s
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App { return s.app }

// Listen blocks serving the configured address.
func (s *Server) Listen() error {
	log.Printf("[STARTUP] EcoShield Gateway v%s listening on %s", Version, s.cfg.ListenAddr)
	return s.app.Listen(s.cfg.ListenAddr)
}

// Shutdown stops the app gracefully.
func (s *Server) Shutdown() error { return s.app.Shutdown() }

func (s *Server) handleRoot(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"service": "EcoShield Gateway",
		"version": Version,
		"status":  "running",
	})
}

func (s *Server) handleHealth(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":   "ok",
		"version":  Version,
		"patterns": s.registry.TotalPatterns(),
		"flagged":  s.pipeline.Engine().FlaggedCount(),
		"in_use":   s.sem.InUse(),
	})
}

func (s *Server) handleChatCompletions(c fiber.Ctx) error {
	fp := identity.Resolve(
		c.Get(identity.UserIDHeader),
		c.Get(identity.ForwardedForHeader),
		c.IP(),
	)

	if !s.limiter.Allow(fp) {
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error": fiber.Map{"message": "rate limit exceeded", "type": "rate_limit"},
		})
	}
	if !s.sem.TryAcquire() {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": fiber.Map{"message": "server at capacity", "type": "overloaded"},
		})
	}
	defer s.sem.Release()

	var req chatCompletionRequest
	if err := c.Bind().Body(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": fiber.Map{"message": "invalid request body", "type": "invalid_request"},
		})
	}

	v, err := s.pipeline.Handle(c.Context(), fp, req.Messages, llm.Params{
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
	})
	if err != nil {
		// Only malformed input reaches here; everything else is a verdict.
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": fiber.Map{"message": err.Error(), "type": "invalid_request"},
		})
	}

	switch {
	case v.Blocked:
		return c.Status(blockStatus(v.BlockReason)).JSON(fiber.Map{
			"id": v.ID,
			"error": fiber.Map{
				"message": "request blocked by admission policy",
				"type":    "policy_violation",
				"code":    v.BlockReason,
			},
			"eco_shield": ecoShieldBlock(v),
		})

	case v.UpstreamErr != nil:
		return c.Status(v.UpstreamErrKind.HTTPStatus()).JSON(fiber.Map{
			"id": v.ID,
			"error": fiber.Map{
				"message": v.UpstreamErr.Error(),
				"type":    string(v.UpstreamErrKind),
			},
			"eco_shield": ecoShieldBlock(v),
		})

	default:
		return c.JSON(fiber.Map{
			"id":      v.ID,
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   v.Response.Model,
			"choices": []fiber.Map{{
				"index": 0,
				"message": fiber.Map{
					"role":    chat.RoleAssistant,
					"content": v.Response.Text,
				},
				"finish_reason": "stop",
			}},
			"usage":      v.Response.Usage,
			"eco_shield": ecoShieldBlock(v),
		})
	}
}

// handleShield is the legacy single-prompt scan endpoint kept for callers
// that predate the chat-completions surface.
func (s *Server) handleShield(c fiber.Ctx) error {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := c.Bind().Body(&req); err != nil || req.Prompt == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "prompt field is required"})
	}

	verdict := s.registry.Scan(req.Prompt)
	if verdict.Malicious {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"blocked": true,
			"threat":  string(verdict.Threat),
			"pattern": verdict.Pattern,
		})
	}
	return c.JSON(fiber.Map{
		"blocked": false,
		"note":    "no signature match; use /v1/chat/completions for full screening",
	})
}

func (s *Server) handleStats(c fiber.Ctx) error {
	fp := c.Query("fingerprint")
	if fp == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "fingerprint query parameter is required"})
	}
	return c.JSON(s.pipeline.Engine().Stats(identity.Fingerprint(fp)))
}

func (s *Server) handleUnflag(c fiber.Ctx) error {
	if s.cfg.AdminToken != "" && c.Get("X-Admin-Token") != s.cfg.AdminToken {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid admin token"})
	}

	var req struct {
		Fingerprint string `json:"fingerprint"`
	}
	if err := c.Bind().Body(&req); err != nil || req.Fingerprint == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "fingerprint field is required"})
	}

	s.pipeline.Engine().Unflag(identity.Fingerprint(req.Fingerprint))
	log.Printf("[ADMIN] unflagged fingerprint=%s", req.Fingerprint)
	return c.JSON(fiber.Map{"unflagged": req.Fingerprint})
}

// blockStatus maps a block reason to its HTTP status: signature matches are
// forbidden outright, everything else is a rejected-request response.
func blockStatus(reason string) int {
	switch reason {
	case string(patterns.ThreatRoleHijacking), string(patterns.ThreatInstructionOverride):
		return fiber.StatusForbidden
	default:
		return fiber.StatusBadRequest
	}
}

// ecoShieldBlock is the diagnostic block attached to every response.
func ecoShieldBlock(v *shield.Verdict) fiber.Map {
	mitigation := "compression"
	if v.Blocked {
		mitigation = "blocked"
	}
	m := fiber.Map{
		"mitigation":           mitigation,
		"threat_level":         string(v.Tier),
		"entropy_score":        v.Entropy,
		"attack_probability":   v.AttackProbability,
		"tokens_saved":         v.SavedTokens,
		"savings_ratio":        v.SavingsRatio(),
		"savings_pct":          v.SavingsPct,
		"compression_level":    v.CompressionLevel,
		"user_penalty_applied": v.PenaltyApplied,
	}
	if v.BlockReason != "" {
		m["reason"] = v.BlockReason
	}
	if v.Judge != nil {
		m["evaluator_score"] = v.Judge.Score
	}
	return m
}
