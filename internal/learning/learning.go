package learning

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentwarden/soc-sentry/internal/detect"
	"github.com/agentwarden/soc-sentry/internal/detectrules"
	"github.com/agentwarden/soc-sentry/internal/memory"
	"github.com/oklog/ulid/v2"
)

// stopwords are excluded from keyword extraction; short and high-frequency
// enough that they carry no signal on their own.
var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "to": {}, "of": {}, "and": {}, "is": {},
	"it": {}, "you": {}, "your": {}, "this": {}, "that": {}, "for": {},
	"in": {}, "on": {}, "with": {}, "be": {}, "are": {}, "i": {}, "me": {},
}

// LearningSystem implements report_missed_attack and its processing
// pipeline: generate variations, admit confident ones as patterns, and
// keep a running effectiveness snapshot. The orchestration follows a
// load-context, analyze, generate, admit pipeline shape.
type LearningSystem struct {
	store       memory.Store
	semantic    *detect.SemanticDetector
	rules       *detectrules.Catalogue
	paraphraser *paraphraser

	cfg Config

	mu          sync.Mutex
	processed   map[string]struct{} // attack_id -> already processed, idempotency guard
	totalMissed int                 // running count for this process's lifetime; missed_attacks has no COUNT(*) accessor on Store

	logger *slog.Logger
}

// Config controls LearningSystem's generation and admission behavior.
type Config struct {
	Enabled         bool
	Model           string
	VariationBudget time.Duration // wall-clock cap on a processing pass, default 5s
	MinVariations   int           // target K, default 10
	AdmitConfidence float64       // admission threshold, default 0.7
}

// New creates a LearningSystem. semantic and rules are the live detector
// components new patterns are admitted into; store persists every missed
// attack, variation, and metrics snapshot.
func New(store memory.Store, semantic *detect.SemanticDetector, rules *detectrules.Catalogue, cfg Config, logger *slog.Logger) *LearningSystem {
	if cfg.VariationBudget <= 0 {
		cfg.VariationBudget = 5 * time.Second
	}
	if cfg.MinVariations <= 0 {
		cfg.MinVariations = 10
	}
	if cfg.AdmitConfidence <= 0 {
		cfg.AdmitConfidence = 0.7
	}
	if logger == nil {
		logger = slog.Default()
	}
	var p *paraphraser
	if cfg.Enabled {
		p = newParaphraser(cfg.Model, cfg.VariationBudget)
	}
	return &LearningSystem{
		store:       store,
		semantic:    semantic,
		rules:       rules,
		paraphraser: p,
		cfg:         cfg,
		processed:   make(map[string]struct{}),
		logger:      logger.With("component", "learning.LearningSystem"),
	}
}

// ReportMissedAttack persists a MissedAttack row and, when autoUpdate is
// set, immediately runs Process on it. Returns the generated attack_id.
func (l *LearningSystem) ReportMissedAttack(ctx context.Context, in ReportInput) (string, error) {
	id := ulid.Make().String()
	m := &memory.MissedAttack{
		ID:         id,
		Message:    in.Message,
		ThreatType: in.ActualThreatType,
		ReportedBy: in.Reporter,
		ReportedAt: time.Now().UTC(),
	}
	if err := l.store.ReportMissedAttack(m); err != nil {
		return "", err
	}
	l.logger.Info("missed attack reported", "attack_id", id, "severity", in.Severity, "metadata", in.Metadata)
	l.mu.Lock()
	l.totalMissed++
	l.mu.Unlock()
	if in.AutoUpdate {
		if _, err := l.Process(ctx, id); err != nil {
			l.logger.Error("auto-process of reported attack failed", "attack_id", id, "error", err)
			return id, err
		}
	}
	return id, nil
}

// Process runs the full variation-generation-and-admission pipeline for one
// missed attack. Idempotent on attackID: a second call for the same id is a
// no-op that returns the last result's shape with zero counts.
func (l *LearningSystem) Process(ctx context.Context, attackID string) (*ProcessResult, error) {
	l.mu.Lock()
	if _, done := l.processed[attackID]; done {
		l.mu.Unlock()
		return &ProcessResult{AttackID: attackID, ByMethod: map[VariationMethod]int{}}, nil
	}
	l.processed[attackID] = struct{}{}
	l.mu.Unlock()

	misses, err := l.store.ListUnprocessedMisses()
	if err != nil {
		return nil, err
	}
	var target *memory.MissedAttack
	for _, m := range misses {
		if m.ID == attackID {
			target = m
			break
		}
	}
	if target == nil {
		return &ProcessResult{AttackID: attackID, ByMethod: map[VariationMethod]int{}}, nil
	}

	deadline := budgetDeadline(l.cfg.VariationBudget)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	candidates := l.generateAll(ctx, target.Message)

	result := &ProcessResult{AttackID: attackID, ByMethod: map[VariationMethod]int{}}
	for _, c := range candidates {
		result.VariationsGenerated++
		result.ByMethod[c.method]++

		v := &memory.PatternVariation{
			ID:             ulid.Make().String(),
			SourceAttackID: attackID,
			Method:         string(c.method),
			Text:           c.text,
			Confidence:     c.confidence,
			CreatedAt:      time.Now().UTC(),
		}
		if err := l.store.StorePatternVariation(v); err != nil {
			l.logger.Error("failed to store variation", "attack_id", attackID, "error", err)
			continue
		}
		if c.confidence < l.cfg.AdmitConfidence {
			continue
		}
		l.admit(v, target.ThreatType)
		result.PatternsAdmitted++
	}

	if err := l.store.MarkMissProcessed(attackID); err != nil {
		l.logger.Error("failed to mark miss processed", "attack_id", attackID, "error", err)
	}

	metrics, err := l.updateMetrics()
	if err != nil {
		l.logger.Error("failed to update learning metrics", "error", err)
	} else {
		result.Metrics = *metrics
	}

	l.logger.Info("processed missed attack",
		"attack_id", attackID,
		"variations_generated", result.VariationsGenerated,
		"patterns_admitted", result.PatternsAdmitted,
	)
	return result, nil
}

// generateAll runs the five variation methods. AI generation alone respects
// the context deadline; the rule-based methods are cheap enough to always
// finish within budget.
func (l *LearningSystem) generateAll(ctx context.Context, message string) []candidate {
	var all []candidate
	all = append(all, generateObfuscation(message)...)
	all = append(all, generateSynonym(message)...)
	all = append(all, generateEncoding(message)...)
	all = append(all, generateMultiStep(message)...)

	remaining := l.cfg.MinVariations - len(all)
	if remaining > 0 && l.paraphraser != nil {
		select {
		case <-ctx.Done():
		default:
			all = append(all, generateAI(ctx, l.paraphraser, message, remaining)...)
		}
	}
	return all
}

// admit extracts keywords from a variation, calls SemanticDetector.Learn,
// adds a rule-based catalogue entry, and flags the variation admitted.
func (l *LearningSystem) admit(v *memory.PatternVariation, threatType string) {
	keywords := extractKeywords(v.Text)

	var patternID string
	if l.semantic != nil {
		patternID = l.semantic.Learn(v.Text, threatType)
	}
	if l.rules != nil && len(keywords) > 0 {
		if rule := detectrules.CompileRule(detectrules.RawRule{
			ID:         "LEARNED_" + v.ID,
			ThreatType: threatType,
			Severity:   detect.SeverityMedium,
			Patterns:   keywords,
			MinHits:    1,
		}, l.logger); rule != nil {
			l.rules.AddRule(rule)
		}
	}

	v.PatternID = patternID
	v.Admitted = true
	if err := l.store.AdmitVariation(v.ID); err != nil {
		l.logger.Error("failed to mark variation admitted", "variation_id", v.ID, "error", err)
	}
}

// updateMetrics recomputes LearningMetrics from the full variation/miss
// history and persists the snapshot.
func (l *LearningSystem) updateMetrics() (*memory.LearningMetrics, error) {
	l.mu.Lock()
	totalMissed := l.totalMissed
	l.mu.Unlock()

	variations, err := l.store.ListVariations("")
	if err != nil {
		return nil, err
	}
	patternsLearned := 0
	for _, v := range variations {
		if v.Admitted {
			patternsLearned++
		}
	}
	variationsGenerated := len(variations)

	denom := totalMissed
	if denom < 1 {
		denom = 1
	}
	m := &memory.LearningMetrics{
		TotalMissed:          totalMissed,
		PatternsLearned:      patternsLearned,
		VariationsGenerated:  variationsGenerated,
		DetectionImprovement: float64(patternsLearned) / float64(denom),
		FalseNegativeRate:    float64(totalMissed-patternsLearned) / float64(denom),
		ComputedAt:           time.Now().UTC(),
	}
	if err := l.store.StoreLearningMetrics(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Export returns every admitted variation for human review, as a plain JSON
// dump of all active variations. Callers marshal the result themselves;
// this stays a plain Go value so opsapi can wrap it in whatever envelope
// its JSON responses use.
func (l *LearningSystem) Export() ([]*memory.PatternVariation, error) {
	all, err := l.store.ListVariations("")
	if err != nil {
		return nil, err
	}
	out := make([]*memory.PatternVariation, 0, len(all))
	for _, v := range all {
		if v.Admitted {
			out = append(out, v)
		}
	}
	return out, nil
}

// extractKeywords pulls bigrams and unigrams over high-signal (non-stopword)
// tokens, returned as regexp-safe literal patterns for detectrules.RawRule.
func extractKeywords(text string) []string {
	words := strings.Fields(strings.ToLower(text))
	var signal []string
	for _, w := range words {
		w = strings.Trim(w, ".,!?:;\"'()[]{}")
		if w == "" {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		if len(w) < 3 {
			continue
		}
		signal = append(signal, w)
	}
	if len(signal) == 0 {
		return nil
	}

	seen := make(map[string]struct{})
	var patterns []string
	add := func(key, pattern string) {
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		patterns = append(patterns, pattern)
	}
	for i, w := range signal {
		add(w, regexQuote(w))
		if i+1 < len(signal) {
			bigram := w + " " + signal[i+1]
			add(bigram, regexQuote(w)+`\s+`+regexQuote(signal[i+1]))
		}
	}
	if len(patterns) > 12 {
		patterns = patterns[:12]
	}
	return patterns
}

// regexQuote escapes regex metacharacters in a literal keyword so it can be
// safely compiled as a detectrules pattern; word boundaries around spaces
// are intentionally left as \s+ by the caller, not escaped here.
func regexQuote(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '.', '+', '*', '?', '(', ')', '[', ']', '{', '}', '^', '$', '|', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
