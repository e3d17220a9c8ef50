package rating

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os/exec"
	"time"

	"github.com/rendis/runway/pkg/schema"
)

// Default provider call bounds.
const (
	DefaultCallTimeout       = 60 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
)

// Input is the payload handed to a rating provider: the plan artifact
// content plus run identification.
type Input struct {
	RunID    string `json:"run_id"`
	PlanID   string `json:"plan_id"`
	PlanPath string `json:"plan_path"`
	Content  string `json:"content"`
}

// Provider rates a plan. Implementations are external black boxes; a call
// either returns a response within the timeout or fails. A failing provider
// is excluded from aggregation, never retried within the same rating
// attempt.
type Provider interface {
	Name() string
	Call(ctx context.Context, input Input, timeout time.Duration) (schema.RatingResponse, error)
}

// invoke runs one provider call with a hard timeout, logging a heartbeat
// line on a fixed interval while waiting so long-running raters remain
// visible in the logs.
func invoke(ctx context.Context, p Provider, input Input, timeout, heartbeat time.Duration, logger *slog.Logger) (schema.RatingResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		resp schema.RatingResponse
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := p.Call(callCtx, input, timeout)
		done <- outcome{resp, err}
	}()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	started := time.Now()
	for {
		select {
		case out := <-done:
			return out.resp, out.err
		case <-ticker.C:
			if logger != nil {
				logger.Info("waiting on rating provider",
					slog.String("provider", p.Name()),
					slog.Duration("elapsed", time.Since(started).Round(time.Second)))
			}
		case <-callCtx.Done():
			if ctx.Err() != nil {
				return schema.RatingResponse{}, schema.NewErrorf(schema.ErrCodeCancelled,
					"rating cancelled while waiting on %s", p.Name()).WithCause(ctx.Err())
			}
			return schema.RatingResponse{}, schema.NewErrorf(schema.ErrCodeTimeout,
				"provider %s timed out after %s", p.Name(), timeout)
		}
	}
}

// CommandProvider rates plans by invoking an external executable: the input
// is written as JSON to stdin and the response is read as JSON from stdout.
type CommandProvider struct {
	ProviderName string
	Command      string
	Args         []string
}

func (c *CommandProvider) Name() string { return c.ProviderName }

func (c *CommandProvider) Call(ctx context.Context, input Input, _ time.Duration) (schema.RatingResponse, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return schema.RatingResponse{}, schema.NewError(schema.ErrCodeInternal,
			"encode provider input").WithCause(err)
	}

	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return schema.RatingResponse{}, schema.NewErrorf(schema.ErrCodeTimeout,
				"provider %s killed by timeout", c.ProviderName).WithCause(ctx.Err())
		}
		return schema.RatingResponse{}, schema.NewErrorf(schema.ErrCodeRating,
			"provider %s failed: %s", c.ProviderName, err.Error()).WithCause(err)
	}

	var resp schema.RatingResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return schema.RatingResponse{}, schema.NewErrorf(schema.ErrCodeRating,
			"provider %s returned malformed output: %s", c.ProviderName, err.Error()).WithCause(err)
	}
	if len(resp.Scores) == 0 {
		return schema.RatingResponse{}, schema.NewErrorf(schema.ErrCodeRating,
			"provider %s returned no scores", c.ProviderName)
	}
	resp.Provider = c.ProviderName
	return resp, nil
}
