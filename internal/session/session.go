// Package session implements the session lifecycle FSM, mandatory
// event redaction, and heuristic-plus-LLM observation extraction
// : `(none) --start--> active --record*--> active --stop-->
// stopped --end--> ended`.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/simplemem/simplemem/internal/compressor"
	"github.com/simplemem/simplemem/internal/memory"
	"github.com/simplemem/simplemem/internal/provider"
	"github.com/simplemem/simplemem/internal/redact"
	"github.com/simplemem/simplemem/internal/synthesizer"
	"github.com/simplemem/simplemem/internal/tenant"
)

// topicGap is the time gap between events beyond which a new topical
// run starts during observation extraction.
const topicGap = 5 * time.Minute

// StartReport is returned by Start.
type StartReport struct {
	MemorySessionID string
	Context string
}

// StopReport is returned by Stop.
type StopReport struct {
	EntriesStored int
	Observations int
	Summary string
}

type observationVerdict struct {
	Category string `json:"category"`
	Text string `json:"text"`
}

type observationResult struct {
	Observations []observationVerdict `json:"observations"`
}

var observationSchema = json.RawMessage(`{"type":"object","properties":{"observations":{"type":"array"}},"required":["observations"]}`)

var summarySchema = json.RawMessage(`{"type":"object","properties":{"summary":{"type":"string"}},"required":["summary"]}`)

type summaryVerdict struct {
	Summary string `json:"summary"`
}

// ContextInjector builds the context bundle returned from Start,
// implemented by internal/injector.
type ContextInjector interface {
	Bundle(ctx context.Context, tenantID, userPrompt string) (string, error)
}

// Manager owns every session for one tenant's worth of process memory
// (sessions are lightweight metadata rows, not vector-indexed; they
// are kept in-memory and rebuilt from the event/observation log handed
// to the compressor at stop, mirroring internal/checkpoint's
// interface-based service + mutex-guarded in-memory map pattern).
type Manager struct {
	gateway provider.Gateway
	redactor *redact.Redactor
	compressor *compressor.Compressor
	synthesizer *synthesizer.Synthesizer
	injector ContextInjector
	logger *zap.Logger

	mu sync.RWMutex
	sessions map[string]*memory.Session
	events map[string][]memory.Event
	stopReports map[string]StopReport
}

// New returns a Manager.
func New(gateway provider.Gateway, redactor *redact.Redactor, comp *compressor.Compressor, synth *synthesizer.Synthesizer, injector ContextInjector, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		gateway: gateway, redactor: redactor, compressor: comp, synthesizer: synth, injector: injector, logger: logger,
		sessions: make(map[string]*memory.Session),
		events: make(map[string][]memory.Event),
		stopReports: make(map[string]StopReport),
	}
}

// Start allocates a new session, persists it as active, and returns a
// context bundle for userPrompt (start).
func (m *Manager) Start(ctx context.Context, tenantID, contentSessionID, project, userPrompt string) (StartReport, error) {
	id := uuid.NewString()
	sess := &memory.Session{
		MemorySessionID: id,
		TenantID: tenantID,
		ContentSessionID: contentSessionID,
		Project: project,
		StartedAt: time.Now().UTC(),
		Status: memory.SessionActive,
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.events[id] = nil
	m.mu.Unlock()

	var bundle string
	if m.injector != nil {
		var err error
		bundle, err = m.injector.Bundle(ctx, tenantID, userPrompt)
		if err != nil {
			m.logger.Warn("session: context bundle failed, starting with empty context", zap.Error(err))
		}
	}

	return StartReport{MemorySessionID: id, Context: bundle}, nil
}

// RecordEvent appends a redacted event to an active session owned by
// tenantID (record_*).
func (m *Manager) RecordEvent(ctx context.Context, tenantID, sessionID string, kind memory.EventKind, payload string) (memory.Event, error) {
	sess, err := m.requireActive(tenantID, sessionID)
	if err != nil {
		return memory.Event{}, err
	}

	scrubbed, _ := m.redactor.Redact(payload)

	ev := memory.Event{
		EventID: uuid.NewString(),
		MemorySessionID: sess.MemorySessionID,
		Kind: kind,
		Payload: scrubbed,
		Timestamp: time.Now().UTC(),
	}

	m.mu.Lock()
	m.events[sessionID] = append(m.events[sessionID], ev)
	m.mu.Unlock()

	return ev, nil
}

// Stop freezes events, extracts observations, hands them to the
// compressor, and computes a summary (stop). Stop is idempotent:
// calling it again on an already-stopped session returns the same
// report without re-running extraction or inserting anything new.
func (m *Manager) Stop(ctx context.Context, tenantID, sessionID string) (StopReport, error) {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return StopReport{}, memory.ErrSessionNotFound
	}
	if owner := (&tenant.Info{UserID: sess.TenantID}); !owner.Matches(tenantID) {
		return StopReport{}, memory.New(memory.KindTenantMismatch, fmt.Errorf("session %s does not belong to this tenant", sessionID))
	}
	if sess.Status == memory.SessionStopped {
		m.mu.RLock()
		report := m.stopReports[sessionID]
		m.mu.RUnlock()
		return report, nil
	}
	if sess.Status != memory.SessionActive {
		return StopReport{}, memory.New(memory.KindSessionState, fmt.Errorf("session %s is not active", sessionID))
	}

	m.mu.Lock()
	events := append([]memory.Event(nil), m.events[sessionID]...)
	sess.Status = memory.SessionStopped
	m.mu.Unlock()

	observations := m.extractObservations(ctx, sessionID, events)

	entriesStored := 0
	if len(observations) > 0 {
		window := make([]compressor.Turn, 0, len(observations))
		for _, o := range observations {
			window = append(window, compressor.Turn{Speaker: string(o.Category), Text: o.Text, Timestamp: time.Now().UTC()})
		}
		units, err := m.compressor.Compress(ctx, window, time.Now().UTC())
		if err != nil {
			m.logger.Warn("session: compressing observations at stop failed, session still stops with zero entries stored", zap.Error(err))
		} else {
			for _, u := range units {
				u.Metadata.SourceSessionID = sessionID
				if _, err := m.synthesizer.Process(ctx, tenantID, u); err != nil {
					m.logger.Warn("session: synthesizing observation unit failed", zap.Error(err))
					continue
				}
				entriesStored++
			}
		}
	}

	summary := m.summarize(ctx, events)

	report := StopReport{EntriesStored: entriesStored, Observations: len(observations), Summary: summary}

	m.mu.Lock()
	sess.Summary = summary
	m.stopReports[sessionID] = report
	m.mu.Unlock()

	return report, nil
}

// End releases in-memory resources for a stopped session owned by
// tenantID and marks it immutable (end).
func (m *Manager) End(ctx context.Context, tenantID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return memory.ErrSessionNotFound
	}
	if owner := (&tenant.Info{UserID: sess.TenantID}); !owner.Matches(tenantID) {
		return memory.New(memory.KindTenantMismatch, fmt.Errorf("session %s does not belong to this tenant", sessionID))
	}
	if sess.Status != memory.SessionStopped {
		return memory.New(memory.KindSessionState, fmt.Errorf("session %s must be stopped (and not already ended) before it can end", sessionID))
	}
	now := time.Now().UTC()
	sess.Status = memory.SessionEnded
	sess.EndedAt = &now
	delete(m.events, sessionID) // release in-memory event buffer; session row remains, immutable
	return nil
}

// LatestSummary implements injector.SessionSummarySource, returning the
// summary of tenantID's most recently stopped session, or "" if it has
// none yet.
func (m *Manager) LatestSummary(tenantID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *memory.Session
	for _, sess := range m.sessions {
		if sess.TenantID != tenantID || sess.Summary == "" {
			continue
		}
		if latest == nil || sess.StartedAt.After(latest.StartedAt) {
			latest = sess
		}
	}
	if latest == nil {
		return ""
	}
	return latest.Summary
}

func (m *Manager) requireActive(tenantID, sessionID string) (*memory.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, memory.ErrSessionNotFound
	}
	if owner := (&tenant.Info{UserID: sess.TenantID}); !owner.Matches(tenantID) {
		return nil, memory.New(memory.KindTenantMismatch, fmt.Errorf("session %s does not belong to this tenant", sessionID))
	}
	if sess.Status != memory.SessionActive {
		return nil, memory.New(memory.KindSessionState, fmt.Errorf("session %s is not active", sessionID))
	}
	return sess, nil
}

// extractObservations segments events into topical runs by time gap,
// then prompts the gateway for categorized observations per run,
// carrying back-references to the supplying events.
func (m *Manager) extractObservations(ctx context.Context, sessionID string, events []memory.Event) []memory.Observation {
	if len(events) == 0 {
		return nil
	}

	runs := segmentByGap(events)
	var observations []memory.Observation

	for _, run := range runs {
		var sb strings.Builder
		for _, e := range run {
			fmt.Fprintf(&sb, "[%s] %s: %s\n", e.Timestamp.Format(time.RFC3339), e.Kind, e.Payload)
		}
		prompt := "Extract categorized observations (decision, discovery, learning, other) from this run of " +
			"session events. Respond as JSON {\"observations\":[{\"category\":...,\"text\":...}]}.\n\n" + sb.String()

		resp, err := m.gateway.Chat(ctx, "You extract durable observations from agent session events.", []string{prompt}, observationSchema)
		if err != nil {
			m.logger.Warn("session: observation extraction failed for a run, skipping", zap.Error(err))
			continue
		}
		var result observationResult
		if err := json.Unmarshal(resp.Structured, &result); err != nil {
			m.logger.Warn("session: parsing observation result failed, skipping run", zap.Error(err))
			continue
		}

		evidence := make([]string, 0, len(run))
		for _, e := range run {
			evidence = append(evidence, e.EventID)
		}
		for _, v := range result.Observations {
			observations = append(observations, memory.Observation{
				ObservationID: uuid.NewString(),
				MemorySessionID: sessionID,
				Category: memory.ObservationCategory(v.Category),
				Text: v.Text,
				EvidenceEventIDs: evidence,
			})
		}
	}
	return observations
}

func segmentByGap(events []memory.Event) [][]memory.Event {
	var runs [][]memory.Event
	var current []memory.Event
	for i, e := range events {
		if i > 0 && e.Timestamp.Sub(events[i-1].Timestamp) > topicGap {
			runs = append(runs, current)
			current = nil
		}
		current = append(current, e)
	}
	if len(current) > 0 {
		runs = append(runs, current)
	}
	return runs
}

func (m *Manager) summarize(ctx context.Context, events []memory.Event) string {
	if len(events) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, e := range events {
		fmt.Fprintf(&sb, "%s: %s\n", e.Kind, e.Payload)
	}
	resp, err := m.gateway.Chat(ctx, "You write a short summary of an agent session.",
		[]string{"Summarize this session in 2-3 sentences. Respond as JSON {\"summary\":...}.\n\n" + sb.String()}, summarySchema)
	if err != nil {
		m.logger.Warn("session: summary generation failed, session stop proceeds without one", zap.Error(err))
		return ""
	}
	var verdict summaryVerdict
	if err := json.Unmarshal(resp.Structured, &verdict); err != nil {
		return ""
	}
	return verdict.Summary
}
