// Package injector assembles the token-budgeted context bundle handed
// back from session start : it queries the memory engine with
// the user's opening prompt, then greedily fills the bundle by
// descending retrieval rank while staying under the configured
// token budget B, never truncating mid-sentence.
package injector

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/simplemem/simplemem/internal/planner"
	"github.com/simplemem/simplemem/internal/retriever"
)

// DefaultBudget is the token budget B used when none is configured.
const DefaultBudget = 2000

// defaultEncoding gives a model-agnostic approximate token count
// (cl100k_base covers every chat-completion-family model SimpleMem
// targets).
const defaultEncoding = "cl100k_base"

// summaryBudgetFraction caps how much of the total token budget the
// session summary block may consume, leaving the remainder for
// retrieved units.
const summaryBudgetFraction = 0.2

// SessionSummarySource supplies a tenant's most recent session summary,
// implemented by internal/session.Manager. Wiring this in is deferred
// past construction (via SetSummarySource) because Manager itself holds
// an Injector as its ContextInjector dependency, and the two packages
// must not import each other.
type SessionSummarySource interface {
	LatestSummary(tenantID string) string
}

// Injector builds context bundles over the planner+retriever pair.
type Injector struct {
	planner *planner.Planner
	retriever *retriever.Retriever
	summaries SessionSummarySource
	budget int
	enc *tiktoken.Tiktoken
	logger *zap.Logger
}

// New returns an Injector. budget <= 0 selects DefaultBudget.
func New(p *planner.Planner, r *retriever.Retriever, budget int, logger *zap.Logger) (*Injector, error) {
	if budget <= 0 {
		budget = DefaultBudget
	}
	enc, err := tiktoken.GetEncoding(defaultEncoding)
	if err != nil {
		return nil, fmt.Errorf("injector: loading token encoding: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Injector{planner: p, retriever: r, budget: budget, enc: enc, logger: logger}, nil
}

// SetSummarySource attaches the session manager as the source of the
// compact session summary block prepended to every bundle. Called once
// during startup wiring, after the session manager that depends on
// this Injector has itself been constructed.
func (inj *Injector) SetSummarySource(src SessionSummarySource) {
	inj.summaries = src
}

// Bundle implements session.ContextInjector.
func (inj *Injector) Bundle(ctx context.Context, tenantID, userPrompt string) (string, error) {
	var sb strings.Builder
	used := 0

	if summary := inj.summaryBlock(tenantID); summary != "" {
		n := len(inj.enc.Encode(summary, nil, nil))
		sb.WriteString(summary)
		used += n
	}

	if userPrompt == "" {
		return strings.TrimRight(sb.String(), "\n"), nil
	}

	plan, err := inj.planner.Plan(ctx, userPrompt, nil)
	if err != nil {
		inj.logger.Warn("injector: planning failed, bundle carries summary only", zap.Error(err))
		return strings.TrimRight(sb.String(), "\n"), nil
	}

	results, err := inj.retriever.Retrieve(ctx, tenantID, plan)
	if err != nil {
		inj.logger.Warn("injector: retrieval failed, bundle carries summary only", zap.Error(err))
		return strings.TrimRight(sb.String(), "\n"), nil
	}
	if len(results) == 0 {
		return strings.TrimRight(sb.String(), "\n"), nil
	}

	header := "## Prior session context\n\n"
	used += len(inj.enc.Encode(header, nil, nil))
	sb.WriteString(header)

	for _, r := range results {
		line := fmt.Sprintf("- %s\n", r.Unit.Text)
		n := len(inj.enc.Encode(line, nil, nil))
		if used+n > inj.budget {
			continue // skip units that would overflow; never truncate mid-sentence
		}
		sb.WriteString(line)
		used += n
	}

	return strings.TrimRight(sb.String(), "\n"), nil
}

// summaryBlock renders the compact summary of the tenant's most
// recently stopped session, truncated to stay within its share of the
// token budget. Returns "" when no summary source is wired or the
// tenant has no prior session summary.
func (inj *Injector) summaryBlock(tenantID string) string {
	if inj.summaries == nil {
		return ""
	}
	summary := strings.TrimSpace(inj.summaries.LatestSummary(tenantID))
	if summary == "" {
		return ""
	}

	summaryBudget := int(float64(inj.budget) * summaryBudgetFraction)
	tokens := inj.enc.Encode(summary, nil, nil)
	if len(tokens) > summaryBudget {
		summary = inj.enc.Decode(tokens[:summaryBudget])
	}

	return fmt.Sprintf("## Recent session summary\n\n%s\n\n", summary)
}
