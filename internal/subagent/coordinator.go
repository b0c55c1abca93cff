// Package subagent runs named, delegated units of work alongside the
// parent session, reporting their lifecycle on the session's stream bus:
// one subagent_start, progress at coordinator-defined checkpoints, and
// exactly one subagent_end. A subagent failure never fails the parent —
// it is carried in the subagent_end payload and the stream continues.
package subagent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/stream"
)

// progressChunkInterval is how many model chunks pass between streaming
// progress checkpoints.
const progressChunkInterval = 16

// Result is the outcome of one delegated run.
type Result struct {
	Content      string
	Model        string
	OutputTokens int
}

// Coordinator delegates tasks to subagent profiles.
type Coordinator struct {
	client   model.Client
	profiles map[string]*Profile
	store    *RunStore
	ops      *events.Bus
	logger   *slog.Logger
}

// New creates a Coordinator. store and ops may be nil.
func New(client model.Client, store *RunStore, ops *events.Bus, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		client:   client,
		profiles: builtinProfiles(),
		store:    store,
		ops:      ops,
		logger:   logger,
	}
}

// ProfileNames returns the names of all registered profiles.
func (c *Coordinator) ProfileNames() []string {
	names := make([]string, 0, len(c.profiles))
	for name := range c.profiles {
		names = append(names, name)
	}
	return names
}

// Delegate runs the named subagent to completion, streaming lifecycle
// events onto bus. It never returns an error to the parent: failures are
// reported in the subagent_end event. Blocking — run it in its own
// goroutine.
func (c *Coordinator) Delegate(ctx context.Context, bus *stream.Bus, conversationID, name, task string) {
	runID, _ := uuid.NewV7()
	started := time.Now()

	profile := c.profiles[name]
	if profile == nil {
		profile = c.profiles["general"]
	}

	c.logger.Info("subagent started",
		"run_id", runID.String(),
		"subagent", name,
		"profile", profile.Name,
		"task", truncate(task, 200),
	)
	c.ops.Publish(events.Event{
		Timestamp: started,
		Source:    events.SourceSubagent,
		Kind:      events.KindSpawn,
		Data: map[string]any{
			"run_id":   runID.String(),
			"name":     name,
			"task_len": len(task),
		},
	})

	if err := bus.Publish(ctx, stream.SubagentStart{Name: name, Task: task}); err != nil {
		c.logger.Debug("subagent_start publish failed", "run_id", runID.String(), "error", err)
		return
	}

	result, checkpoints, runErr := c.run(ctx, bus, profile, name, task)

	end := stream.SubagentEnd{Name: name}
	if runErr != nil {
		end.Error = runErr.Error()
	} else {
		end.Result = result.Content
	}
	if err := bus.Publish(ctx, end); err != nil {
		c.logger.Debug("subagent_end publish failed", "run_id", runID.String(), "error", err)
	}

	elapsed := time.Since(started)
	c.logger.Info("subagent completed",
		"run_id", runID.String(),
		"subagent", name,
		"ok", runErr == nil,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	c.ops.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceSubagent,
		Kind:      events.KindComplete,
		Data: map[string]any{
			"run_id":      runID.String(),
			"name":        name,
			"ok":          runErr == nil,
			"duration_ms": elapsed.Milliseconds(),
		},
	})

	if c.store != nil {
		rec := &RunRecord{
			ID:             runID.String(),
			ConversationID: conversationID,
			Name:           name,
			Profile:        profile.Name,
			Task:           task,
			Checkpoints:    checkpoints,
			StartedAt:      started,
			CompletedAt:    time.Now(),
			DurationMs:     elapsed.Milliseconds(),
		}
		if runErr != nil {
			rec.Error = runErr.Error()
		} else {
			rec.Result = result.Content
			rec.Model = result.Model
		}
		if err := c.store.Record(rec); err != nil {
			c.logger.Warn("failed to persist subagent run",
				"run_id", runID.String(), "error", err)
		}
	}
}

// run drives the model and emits progress checkpoints: one when the
// prompt is prepared, one every progressChunkInterval streamed chunks
// (climbing toward but never reaching 100), and the terminal percent is
// implied by subagent_end.
func (c *Coordinator) run(ctx context.Context, bus *stream.Bus, profile *Profile, name, task string) (*Result, int, error) {
	if task == "" {
		return nil, 0, fmt.Errorf("task is required")
	}

	checkpoints := 1
	if err := bus.Publish(ctx, stream.SubagentProgress{Name: name, Percent: 10}); err != nil {
		return nil, 0, err
	}

	req := model.Request{
		Messages: []model.Message{
			{Role: "system", Content: profile.SystemPrompt},
			{Role: "user", Content: task},
		},
	}

	chunks := 0
	percent := 10
	resp, err := c.client.Stream(ctx, req, func(chunk model.Chunk) error {
		chunks++
		if chunks%progressChunkInterval == 0 && percent < 90 {
			percent += 10
			checkpoints++
			return bus.Publish(ctx, stream.SubagentProgress{Name: name, Percent: percent})
		}
		return nil
	})
	if err != nil {
		return nil, checkpoints, fmt.Errorf("subagent model stream: %w", err)
	}

	return &Result{
		Content:      resp.Content,
		Model:        resp.Model,
		OutputTokens: resp.OutputTokens,
	}, checkpoints, nil
}

// truncate shortens a string to maxLen characters, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
