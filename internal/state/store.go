// Package state persists the per-run audit log, metrics document and
// checkpoint store that make a run resumable and observable. Audit
// events are append-only JSONL; checkpoints are overwritable JSON
// documents keyed by (run-id, stage); metrics are rewritten in full
// on every mutation.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scrubber removes credential-shaped strings before persistence.
type Scrubber interface {
	Scrub(content string) string
}

// Event is one audit log line.
type Event struct {
	TS      string          `json:"ts"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Store owns one run's state namespace. An explicit handle rather
// than ambient state: the orchestrator creates it and passes it to
// every component that emits events.
type Store struct {
	root     string
	runID    string
	scrubber Scrubber
	logger   *zap.Logger

	logPath       string
	metricsPath   string
	checkpointDir string
	artifactDir   string

	mu      sync.Mutex
	metrics Metrics
}

// New creates a state store for a run. An empty runID derives one
// from the current UTC time. The scrubber may be nil.
func New(root, runID string, scrubber Scrubber, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if runID == "" {
		runID = time.Now().UTC().Format("20060102T150405")
	}

	s := &Store{
		root:          root,
		runID:         runID,
		scrubber:      scrubber,
		logger:        logger.Named("state"),
		logPath:       filepath.Join(root, "audit", "run-"+runID+".jsonl"),
		metricsPath:   filepath.Join(root, "metrics", "run-"+runID+".json"),
		checkpointDir: filepath.Join(root, "checkpoints", runID),
		artifactDir:   filepath.Join(root, "audit"),
		metrics:       newMetrics(),
	}

	for _, dir := range []string{
		filepath.Dir(s.logPath),
		filepath.Dir(s.metricsPath),
		s.checkpointDir,
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
		}
	}

	// A restarted run continues accumulating into its existing
	// metrics document.
	if raw, err := os.ReadFile(s.metricsPath); err == nil {
		var m Metrics
		if err := json.Unmarshal(raw, &m); err == nil {
			if m.Tools == nil {
				m.Tools = make(map[string]*ToolMetric)
			}
			if m.Tokens == nil {
				m.Tokens = make(map[string]*TokenMetric)
			}
			if m.Errors == nil {
				m.Errors = make(map[string]int)
			}
			s.metrics = m
		}
	}

	return s, nil
}

// RunID returns the run identifier this store is bound to.
func (s *Store) RunID() string {
	return s.runID
}

// Root returns the state directory root.
func (s *Store) Root() string {
	return s.root
}

// AppendEvent appends one timestamped line to the run's audit log and
// persists the bumped event counter. A disk write failure is returned
// to the caller; audit events are never silently dropped.
func (s *Store) AppendEvent(kind string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal audit payload for %s: %w", kind, err)
	}
	if s.scrubber != nil {
		scrubbed := s.scrubber.Scrub(string(raw))
		if !json.Valid([]byte(scrubbed)) {
			// Redaction broke the JSON structure (a secret spanned
			// syntax); fall back to quoting the whole scrubbed text.
			quoted, _ := json.Marshal(scrubbed)
			scrubbed = string(quoted)
		}
		raw = []byte(scrubbed)
	}

	record := Event{
		TS:      time.Now().UTC().Format(time.RFC3339Nano),
		Kind:    kind,
		Payload: raw,
	}
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event %s: %w", kind, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append audit event %s: %w", kind, err)
	}

	s.metrics.Events++
	return s.persistMetricsLocked()
}

// RecordToolMetric accumulates one tool invocation outcome.
func (s *Store) RecordToolMetric(tool string, latency time.Duration, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metric, ok := s.metrics.Tools[tool]
	if !ok {
		metric = &ToolMetric{}
		s.metrics.Tools[tool] = metric
	}
	metric.Calls++
	metric.TotalLatency += latency.Seconds()
	if !success {
		metric.Errors++
	}
	return s.persistMetricsLocked()
}

// RecordTokens accumulates prompt/completion token usage for an actor.
func (s *Store) RecordTokens(actor string, prompt, completion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metric, ok := s.metrics.Tokens[actor]
	if !ok {
		metric = &TokenMetric{}
		s.metrics.Tokens[actor] = metric
	}
	metric.Prompt += prompt
	metric.Completion += completion
	return s.persistMetricsLocked()
}

// RecordError bumps the counter for an error kind.
func (s *Store) RecordError(kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.Errors[kind]++
	return s.persistMetricsLocked()
}

// MetricsSnapshot returns a copy of the current metrics.
func (s *Store) MetricsSnapshot() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics.clone()
}

// persistMetricsLocked rewrites the metrics document in full via a
// temp file rename so readers never observe a torn write.
func (s *Store) persistMetricsLocked() error {
	raw, err := json.MarshalIndent(s.metrics, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}
	tmp := s.metricsPath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	if err := os.Rename(tmp, s.metricsPath); err != nil {
		return fmt.Errorf("failed to replace metrics: %w", err)
	}
	return nil
}

// SaveCheckpoint writes the JSON document for a named stage,
// overwriting any previous content for that stage.
func (s *Store) SaveCheckpoint(stage string, data any) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint %s: %w", stage, err)
	}
	path := filepath.Join(s.checkpointDir, stage+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint %s: %w", stage, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace checkpoint %s: %w", stage, err)
	}
	return nil
}

// LoadCheckpoint reads a stage into out. A missing stage returns
// (false, nil) rather than an error.
func (s *Store) LoadCheckpoint(stage string, out any) (bool, error) {
	raw, err := os.ReadFile(filepath.Join(s.checkpointDir, stage+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read checkpoint %s: %w", stage, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("failed to decode checkpoint %s: %w", stage, err)
	}
	return true, nil
}

// WriteArtifact persists a named JSON artifact under the audit
// directory, overwriting previous content. Used for fixed-key records
// like the latest review.
func (s *Store) WriteArtifact(name string, data any) (string, error) {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal artifact %s: %w", name, err)
	}
	if s.scrubber != nil {
		scrubbed := s.scrubber.Scrub(string(raw))
		if json.Valid([]byte(scrubbed)) {
			raw = []byte(scrubbed)
		}
	}
	path := filepath.Join(s.artifactDir, name+".json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("failed to write artifact %s: %w", name, err)
	}
	return path, nil
}

// ReadArtifact loads a named artifact. Missing artifacts return
// (false, nil).
func (s *Store) ReadArtifact(name string, out any) (bool, error) {
	raw, err := os.ReadFile(filepath.Join(s.artifactDir, name+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

// ListRuns enumerates run ids found under root's checkpoint
// directory, sorted. Used by operator tooling, not the core loop.
func ListRuns(root string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(root, "checkpoints"))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	runs := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			runs = append(runs, entry.Name())
		}
	}
	sort.Strings(runs)
	return runs, nil
}

// ReadEvents returns up to limit trailing events from a run's audit
// log. Partial or malformed lines (a mid-write crash) are skipped.
func ReadEvents(root, runID string, limit int) ([]Event, error) {
	raw, err := os.ReadFile(filepath.Join(root, "audit", "run-"+runID+".jsonl"))
	if err != nil {
		return nil, err
	}
	lines := strings.Split(string(raw), "\n")
	events := make([]Event, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// ReadRunMetrics loads another run's metrics document; absent runs
// yield empty metrics.
func ReadRunMetrics(root, runID string) (Metrics, error) {
	raw, err := os.ReadFile(filepath.Join(root, "metrics", "run-"+runID+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return newMetrics(), nil
		}
		return Metrics{}, err
	}
	var m Metrics
	if err := json.Unmarshal(raw, &m); err != nil {
		return Metrics{}, err
	}
	return m, nil
}

// ReadCheckpoints loads every stage saved for a run as raw JSON.
func ReadCheckpoints(root, runID string) (map[string]json.RawMessage, error) {
	dir := filepath.Join(root, "checkpoints", runID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil || !json.Valid(raw) {
			continue
		}
		out[strings.TrimSuffix(name, ".json")] = json.RawMessage(raw)
	}
	return out, nil
}
