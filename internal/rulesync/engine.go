// Package rulesync computes incremental rule updates for agents from the
// versioned change log, and pushes mutations to connected agents as they
// happen. Pull-based sync stays the source of truth for agents that were
// offline.
package rulesync

import (
	"context"
	"fmt"
	"log/slog"

	"fleetwatch/internal/model"
	"fleetwatch/internal/store"
)

// Broadcaster pushes a rule change to the global rules channel. The push is
// best effort; a lost message is repaired by the next pull sync.
type Broadcaster interface {
	BroadcastRuleChange(change *model.RuleChange) error
}

// Result is the outcome of one sync call. When FullResync is set the agent
// must discard its local rule set and install Rules wholesale; Changes is
// empty in that case.
type Result struct {
	Changes    []*model.RuleChange `json:"changes"`
	Rules      []*model.Rule       `json:"rules,omitempty"`
	Watermark  int64               `json:"watermark"`
	FullResync bool                `json:"full_resync"`
}

// Engine serves incremental sync and owns the mutation path so every rule
// change both lands in the log and goes out on the push channel.
type Engine struct {
	rules       store.RuleStore
	broadcaster Broadcaster
	logger      *slog.Logger
}

func NewEngine(rules store.RuleStore, broadcaster Broadcaster, logger *slog.Logger) *Engine {
	return &Engine{rules: rules, broadcaster: broadcaster, logger: logger}
}

// Sync returns the ordered changes after watermark and the new watermark to
// persist client-side. watermark 0 means "from the beginning". A watermark
// that predates the retained change history yields the full current rule
// set with FullResync set, never a silently-truncated diff.
func (e *Engine) Sync(ctx context.Context, watermark int64) (*Result, error) {
	if watermark > 0 {
		oldest, err := e.rules.OldestRetainedVersion(ctx)
		if err != nil {
			return nil, fmt.Errorf("read retained history: %w", err)
		}
		if oldest > watermark+1 {
			return e.fullResync(ctx)
		}
	}

	changes, head, err := e.rules.ChangesSince(ctx, watermark)
	if err != nil {
		return nil, fmt.Errorf("read change log: %w", err)
	}
	if head < watermark {
		// The client claims a version we have never issued; its state is
		// untrustworthy, so start it over.
		return e.fullResync(ctx)
	}
	return &Result{Changes: changes, Watermark: head}, nil
}

func (e *Engine) fullResync(ctx context.Context) (*Result, error) {
	rules, err := e.rules.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("read rule set: %w", err)
	}
	_, head, err := e.rules.ChangesSince(ctx, int64(^uint64(0)>>1))
	if err != nil {
		return nil, fmt.Errorf("read version head: %w", err)
	}
	return &Result{Rules: rules, Watermark: head, FullResync: true}, nil
}

func (e *Engine) publish(change *model.RuleChange) {
	if e.broadcaster == nil {
		return
	}
	if err := e.broadcaster.BroadcastRuleChange(change); err != nil {
		e.logger.Warn("rule change broadcast failed", "version", change.Version, "error", err)
	}
}

// CreateRule appends a created entry to the change log and pushes it.
func (e *Engine) CreateRule(ctx context.Context, r *model.Rule) (*model.RuleChange, error) {
	change, err := e.rules.CreateRule(ctx, r)
	if err != nil {
		return nil, err
	}
	e.publish(change)
	return change, nil
}

// UpdateRule appends an updated entry to the change log and pushes it.
func (e *Engine) UpdateRule(ctx context.Context, r *model.Rule) (*model.RuleChange, error) {
	change, err := e.rules.UpdateRule(ctx, r)
	if err != nil {
		return nil, err
	}
	e.publish(change)
	return change, nil
}

// ToggleRule flips the enabled flag and pushes the change.
func (e *Engine) ToggleRule(ctx context.Context, id string, enabled bool) (*model.RuleChange, error) {
	change, err := e.rules.ToggleRule(ctx, id, enabled)
	if err != nil {
		return nil, err
	}
	e.publish(change)
	return change, nil
}

// DeleteRule removes the rule and pushes a deletion entry.
func (e *Engine) DeleteRule(ctx context.Context, id string) (*model.RuleChange, error) {
	change, err := e.rules.DeleteRule(ctx, id)
	if err != nil {
		return nil, err
	}
	e.publish(change)
	return change, nil
}
