package correlation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/agentguard/internal/rules"
)

// Store is the event store contract the engine evaluates against. Reads must
// be non-blocking with respect to concurrent writes; snapshot-at-read
// semantics are sufficient.
type Store interface {
	Append(ctx context.Context, event *LayerEvent) error
	Window(ctx context.Context, from, to time.Time) ([]*LayerEvent, error)
}

// Notifier receives emitted correlation events.
type Notifier func(ctx context.Context, event *CorrelationEvent)

// IngestEvent is the payload accepted from a detection layer.
type IngestEvent struct {
	EventType string                 `json:"event_type"`
	Severity  rules.Severity         `json:"severity,omitempty"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Timestamp time.Time              `json:"timestamp,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Stats counts engine activity.
type Stats struct {
	Ingested uint64 `json:"ingested"`
	Emitted  uint64 `json:"emitted"`
	Degraded uint64 `json:"degraded_rule_cycles"`
}

// Engine evaluates the loaded correlation rules against the event store on
// every ingestion. It holds no persistent state beyond the rule set and the
// already-emitted dedup index.
type Engine struct {
	store  Store
	log    *zap.Logger
	notify Notifier

	ruleMu  sync.RWMutex
	ruleSet []*Rule

	// emitMu serializes the emitted check-and-insert so a (rule, matched
	// event set) pair is emitted exactly once under concurrent ingestion.
	emitMu         sync.Mutex
	emitted        map[string]time.Time
	dedupRetention time.Duration
	retentionFloor time.Duration
	lastPrune      time.Time

	statMu sync.Mutex
	stats  Stats
}

// NewEngine constructs an engine over a validated rule set. notify may be
// nil; emitted events are always returned from Ingest as well.
func NewEngine(store Store, ruleSet []*Rule, dedupRetention time.Duration, notify Notifier, log *zap.Logger) (*Engine, error) {
	if err := ValidateRules(ruleSet); err != nil {
		return nil, err
	}
	if dedupRetention <= 0 {
		dedupRetention = 2 * time.Hour
	}
	return &Engine{
		store:          store,
		log:            log,
		notify:         notify,
		ruleSet:        ruleSet,
		emitted:        make(map[string]time.Time),
		dedupRetention: dedupRetention,
		retentionFloor: 2 * maxRuleWindow(ruleSet),
		lastPrune:      time.Now(),
	}, nil
}

// SetRules hot-swaps the rule set. In-flight evaluations keep the snapshot
// they started with.
func (e *Engine) SetRules(ruleSet []*Rule) error {
	if err := ValidateRules(ruleSet); err != nil {
		return err
	}
	e.ruleMu.Lock()
	e.ruleSet = ruleSet
	e.ruleMu.Unlock()
	e.emitMu.Lock()
	e.retentionFloor = 2 * maxRuleWindow(ruleSet)
	e.emitMu.Unlock()
	e.log.Info("correlation rules reloaded", zap.Int("rules", len(ruleSet)))
	return nil
}

// maxRuleWindow returns the longest time window in the set. Dedup entries
// must outlive every event they reference, so the prune retention is floored
// at twice this value.
func maxRuleWindow(set []*Rule) time.Duration {
	var max time.Duration
	for _, r := range set {
		if r.TimeWindow > max {
			max = r.TimeWindow
		}
	}
	return max
}

// Rules returns the active rule set snapshot.
func (e *Engine) Rules() []*Rule {
	e.ruleMu.RLock()
	defer e.ruleMu.RUnlock()
	return e.ruleSet
}

// Stats returns a copy of the engine counters.
func (e *Engine) Stats() Stats {
	e.statMu.Lock()
	defer e.statMu.Unlock()
	return e.stats
}

// Ingest accepts one event from a detection layer, appends it to the store,
// and re-evaluates every rule against the store's recent window. Unknown
// layer names are rejected. Emitted correlation events are returned and, if
// configured, forwarded to the notifier.
func (e *Engine) Ingest(ctx context.Context, layerName string, in IngestEvent) ([]*CorrelationEvent, error) {
	layer, err := ParseLayer(layerName)
	if err != nil {
		return nil, err
	}
	if in.EventType == "" {
		return nil, fmt.Errorf("event_type is required")
	}

	ts := in.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	sev := in.Severity
	if sev == "" {
		sev = rules.SeverityLow
	} else if !sev.IsValid() {
		return nil, fmt.Errorf("invalid severity %q", in.Severity)
	}

	event := &LayerEvent{
		ID:        uuid.NewString(),
		Layer:     layer,
		Timestamp: ts,
		EventType: in.EventType,
		Severity:  sev,
		AgentID:   in.AgentID,
		Data:      in.Data,
	}

	if err := e.store.Append(ctx, event); err != nil {
		return nil, fmt.Errorf("appending event: %w", err)
	}

	e.statMu.Lock()
	e.stats.Ingested++
	e.statMu.Unlock()

	return e.evaluate(ctx, ts), nil
}

// evaluate runs every rule against its own window ending at now. A failure
// in one rule degrades that rule for this cycle only.
func (e *Engine) evaluate(ctx context.Context, now time.Time) []*CorrelationEvent {
	ruleSet := e.Rules()

	var emitted []*CorrelationEvent
	for _, rule := range ruleSet {
		events, err := e.store.Window(ctx, now.Add(-rule.TimeWindow), now)
		if err != nil {
			e.degrade(rule, err)
			continue
		}

		matched, satisfied := matchRule(rule, events)
		if satisfied < rule.minMatching() {
			continue
		}

		ce := e.emit(ctx, rule, matched, satisfied, now)
		if ce != nil {
			emitted = append(emitted, ce)
		}
	}
	return emitted
}

func (e *Engine) degrade(rule *Rule, err error) {
	e.statMu.Lock()
	e.stats.Degraded++
	e.statMu.Unlock()
	e.log.Warn("rule degraded for this cycle",
		zap.String("rule", rule.Name), zap.Error(err))
}

// emit performs the exactly-once check-and-insert and builds the correlation
// event referencing exactly the matched events.
func (e *Engine) emit(ctx context.Context, rule *Rule, matched []*LayerEvent, satisfied int, now time.Time) *CorrelationEvent {
	key := dedupKey(rule.Name, matched)

	e.emitMu.Lock()
	if _, done := e.emitted[key]; done {
		e.emitMu.Unlock()
		return nil
	}
	e.emitted[key] = now
	e.pruneEmittedLocked(now)
	e.emitMu.Unlock()

	ce := &CorrelationEvent{
		ID:                uuid.NewString(),
		Timestamp:         now,
		AgentID:           dominantAgent(matched),
		RuleName:          rule.Name,
		MatchedEvents:     matched,
		Confidence:        confidence(rule, matched, satisfied),
		RecommendedAction: rule.Action,
		Priority:          rule.Priority,
	}

	e.statMu.Lock()
	e.stats.Emitted++
	e.statMu.Unlock()

	e.log.Info("correlation event emitted",
		zap.String("rule", rule.Name),
		zap.Float64("confidence", ce.Confidence),
		zap.Int("matched_events", len(matched)))

	if e.notify != nil {
		e.notify(ctx, ce)
	}
	return ce
}

// pruneEmittedLocked drops dedup entries old enough that their events have
// aged out of every rule window. The configured retention only adds margin
// on top of the rule-window floor. Called with emitMu held.
func (e *Engine) pruneEmittedLocked(now time.Time) {
	retention := e.dedupRetention
	if e.retentionFloor > retention {
		retention = e.retentionFloor
	}
	if now.Sub(e.lastPrune) < retention/4 {
		return
	}
	cutoff := now.Add(-retention)
	for k, t := range e.emitted {
		if t.Before(cutoff) {
			delete(e.emitted, k)
		}
	}
	e.lastPrune = now
}

// dedupKey identifies a (rule, matched event set) pair independent of event
// order. Events are keyed by observable content, not store-assigned IDs: a
// re-ingested duplicate that displaces the original in the witness set still
// maps to the same key.
func dedupKey(ruleName string, matched []*LayerEvent) string {
	fps := make([]string, len(matched))
	for i, ev := range matched {
		fps[i] = fingerprint(ev)
	}
	sort.Strings(fps)
	sum := sha256.Sum256([]byte(ruleName + "|" + strings.Join(fps, ",")))
	return hex.EncodeToString(sum[:16])
}

// fingerprint derives the content identity of an event: layer, type,
// timestamp, agent, and the payload with keys in canonical order.
func fingerprint(ev *LayerEvent) string {
	var b strings.Builder
	b.WriteString(string(ev.Layer))
	b.WriteByte('|')
	b.WriteString(ev.EventType)
	b.WriteByte('|')
	b.WriteString(ev.Timestamp.UTC().Format(time.RFC3339Nano))
	b.WriteByte('|')
	b.WriteString(ev.AgentID)
	if len(ev.Data) > 0 {
		keys := make([]string, 0, len(ev.Data))
		for k := range ev.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "|%s=%v", k, ev.Data[k])
		}
	}
	return b.String()
}

// dominantAgent picks the agent ID shared by the most matched events.
func dominantAgent(matched []*LayerEvent) string {
	counts := make(map[string]int)
	for _, ev := range matched {
		if ev.AgentID != "" {
			counts[ev.AgentID]++
		}
	}
	best, n := "", 0
	for id, c := range counts {
		if c > n || (c == n && id < best) {
			best, n = id, c
		}
	}
	return best
}

// matchRule evaluates each condition against the window and returns the
// union of events that satisfied conditions matched, plus the satisfied
// count.
func matchRule(rule *Rule, events []*LayerEvent) ([]*LayerEvent, int) {
	var matched []*LayerEvent
	seen := make(map[string]bool)
	satisfied := 0

	for i := range rule.Conditions {
		cond := &rule.Conditions[i]
		hits := matchCondition(cond, events)
		if hits == nil {
			continue
		}
		satisfied++
		for _, ev := range hits {
			if !seen[ev.ID] {
				seen[ev.ID] = true
				matched = append(matched, ev)
			}
		}
	}
	return matched, satisfied
}

// matchCondition returns the qualifying events if the condition is
// satisfied, nil otherwise.
func matchCondition(cond *Condition, events []*LayerEvent) []*LayerEvent {
	threshold := cond.CountThreshold
	if threshold <= 0 {
		threshold = 1
	}

	var qualifying []*LayerEvent
	for _, ev := range events {
		if string(ev.Layer) != cond.Layer {
			continue
		}
		if cond.EventType != "" && ev.EventType != cond.EventType {
			continue
		}
		if !keywordsMatch(cond.Keywords, ev) {
			continue
		}
		if cond.re != nil && !patternMatch(cond.re, ev) {
			continue
		}
		qualifying = append(qualifying, ev)
	}

	if cond.CorrelationKey == "" {
		return witness(qualifying, threshold, 0)
	}

	// Group by the correlation key; the condition is satisfied by the best
	// group meeting both the count threshold and the distinct-agent floor.
	groups := make(map[string][]*LayerEvent)
	for _, ev := range qualifying {
		if key := ev.Field(cond.CorrelationKey); key != "" {
			groups[key] = append(groups[key], ev)
		}
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if hit := witness(groups[k], threshold, cond.MinAgents); hit != nil {
			return hit
		}
	}
	return nil
}

// witness returns the minimal deterministic event set satisfying the
// condition: the earliest `threshold` qualifying events, extended in time
// order until the distinct-agent floor is met. A stable minimal set keeps
// emission dedup effective when later duplicates enter the window.
func witness(qualifying []*LayerEvent, threshold, minAgents int) []*LayerEvent {
	if len(qualifying) < threshold {
		return nil
	}
	sorted := make([]*LayerEvent, len(qualifying))
	copy(sorted, qualifying)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		}
		return sorted[i].ID < sorted[j].ID
	})

	out := sorted[:threshold]
	if minAgents > 0 {
		for i := threshold; distinctAgents(out) < minAgents; i++ {
			if i >= len(sorted) {
				return nil
			}
			out = sorted[:i+1]
		}
	}
	return out
}

func distinctAgents(events []*LayerEvent) int {
	agents := make(map[string]bool)
	for _, ev := range events {
		if ev.AgentID != "" {
			agents[ev.AgentID] = true
		}
	}
	return len(agents)
}

func keywordsMatch(keywords []string, ev *LayerEvent) bool {
	if len(keywords) == 0 {
		return true
	}
	haystack := strings.ToLower(ev.EventType + " " + flattenData(ev.Data))
	for _, kw := range keywords {
		if strings.Contains(haystack, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func patternMatch(re *regexp.Regexp, ev *LayerEvent) bool {
	if re.MatchString(ev.EventType) {
		return true
	}
	return re.MatchString(flattenData(ev.Data))
}

func flattenData(data map[string]interface{}) string {
	if len(data) == 0 {
		return ""
	}
	var b strings.Builder
	for k, v := range data {
		fmt.Fprintf(&b, "%s=%v ", k, v)
	}
	return b.String()
}

// confidence scores a match in [0,1]: the fraction of conditions satisfied,
// scaled by how tightly the matched events cluster inside the allowed
// window, scaled again by agent coverage when a distinct-agent floor is in
// play. Monotonic in all three dimensions.
func confidence(rule *Rule, matched []*LayerEvent, satisfied int) float64 {
	condFrac := float64(satisfied) / float64(len(rule.Conditions))

	recency := 1.0
	if len(matched) > 1 && rule.TimeWindow > 0 {
		earliest, latest := matched[0].Timestamp, matched[0].Timestamp
		for _, ev := range matched[1:] {
			if ev.Timestamp.Before(earliest) {
				earliest = ev.Timestamp
			}
			if ev.Timestamp.After(latest) {
				latest = ev.Timestamp
			}
		}
		span := latest.Sub(earliest)
		recency = 1 - float64(span)/float64(rule.TimeWindow)
		if recency < 0 {
			recency = 0
		}
	}

	agentFrac := 1.0
	for i := range rule.Conditions {
		cond := &rule.Conditions[i]
		if cond.MinAgents > 0 {
			frac := float64(distinctAgents(matched)) / float64(cond.MinAgents)
			if frac > 1 {
				frac = 1
			}
			if frac < agentFrac {
				agentFrac = frac
			}
		}
	}

	c := condFrac * (0.6 + 0.4*recency) * agentFrac
	if c > 1 {
		c = 1
	}
	if c < 0 {
		c = 0
	}
	return c
}
