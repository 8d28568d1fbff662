// Package agent orchestrates one conversational invocation: ensure the
// session exists, run the reasoning backend with its tools on a bounded
// worker pool, and return the terminal user-directed text.
//
// Invoke never fails toward its caller. Every internal fault is logged in
// full and collapsed to one fixed apology, so the messaging boundary cannot
// crash or leak detail regardless of what breaks underneath.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"transitbot/internal/llm"
)

// RunnerConfig bounds the orchestrator.
type RunnerConfig struct {
	// MaxWorkers caps concurrent reasoning calls across all identities.
	MaxWorkers int64
	// MaxToolRounds caps model/tool iterations within one invocation.
	MaxToolRounds int
}

// Runner drives reasoning-backend invocations.
type Runner struct {
	client   llm.Client
	sessions SessionService
	tools    *Registry
	logger   *zap.Logger
	workers  *semaphore.Weighted
	rounds   int
}

// NewRunner creates an orchestrator over the given backend and tools.
func NewRunner(client llm.Client, sessions SessionService, tools *Registry, logger *zap.Logger, cfg RunnerConfig) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 8
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 6
	}
	return &Runner{
		client:   client,
		sessions: sessions,
		tools:    tools,
		logger:   logger,
		workers:  semaphore.NewWeighted(cfg.MaxWorkers),
		rounds:   cfg.MaxToolRounds,
	}
}

// Invoke processes one user message and returns the final answer text.
// On any failure it returns the apology; the cause only reaches the logs.
func (r *Runner) Invoke(ctx context.Context, identity, text string) (answer string) {
	started := time.Now()
	log := r.logger.With(
		zap.String("invocation_id", uuid.NewString()),
		zap.String("identity", identity))

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("agent invocation panicked", zap.Any("panic", rec))
			answer = Apology
		}
	}()

	if err := r.ensureSession(ctx, identity); err != nil {
		log.Error("session creation failed", zap.Error(err))
		return Apology
	}

	if err := r.workers.Acquire(ctx, 1); err != nil {
		log.Error("worker acquisition aborted", zap.Error(err))
		return Apology
	}
	defer r.workers.Release(1)

	answer, err := r.run(ctx, identity, text)
	if err != nil {
		log.Error("agent invocation failed",
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err))
		return Apology
	}

	log.Info("agent invocation completed",
		zap.Duration("elapsed", time.Since(started)),
		zap.Int("answer_len", len(answer)))
	return answer
}

// ensureSession creates the session if needed, retrying once on transient
// failure. An "already exists" response is success, not an error.
func (r *Runner) ensureSession(ctx context.Context, identity string) error {
	err := r.sessions.EnsureSession(ctx, identity)
	if err == nil || errors.Is(err, ErrSessionExists) {
		return nil
	}
	r.logger.Warn("session creation failed, retrying",
		zap.String("identity", identity), zap.Error(err))

	err = r.sessions.EnsureSession(ctx, identity)
	if err == nil || errors.Is(err, ErrSessionExists) {
		return nil
	}
	return fmt.Errorf("session backend unavailable: %w", err)
}

// run executes the model/tool loop and extracts the terminal text event.
// Intermediate tool turns are consumed here and never surface to callers.
func (r *Runner) run(ctx context.Context, identity, text string) (string, error) {
	history := r.sessions.History(identity)
	history = append(history, llm.Message{Role: llm.RoleUser, Text: text})

	var defs []llm.ToolDefinition
	if r.tools != nil {
		defs = r.tools.Definitions()
	}

	for round := 0; round < r.rounds; round++ {
		resp, err := r.client.CompleteWithTools(ctx, AgentInstruction, history, defs)
		if err != nil {
			return "", err
		}

		history = append(history, llm.Message{
			Role:  llm.RoleModel,
			Text:  resp.Text,
			Calls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			final := strings.TrimSpace(resp.Text)
			if final == "" {
				return "", fmt.Errorf("agent did not return a final response")
			}
			r.sessions.SetHistory(identity, history)
			return final, nil
		}

		results := make([]llm.ToolResult, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			results = append(results, r.tools.Execute(ctx, identity, call))
		}
		history = append(history, llm.Message{Role: llm.RoleFunction, Results: results})
	}

	return "", fmt.Errorf("agent exceeded %d tool rounds without a final response", r.rounds)
}
