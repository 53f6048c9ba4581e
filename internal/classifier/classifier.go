package classifier

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/brutev/fd-agent/internal/config"
	"github.com/brutev/fd-agent/internal/errors"
	"github.com/brutev/fd-agent/internal/models"
	"github.com/brutev/fd-agent/internal/semantic"
)

// LabelPattern is the index label carrying a prior change request's pattern
const LabelPattern = "pattern"

// NoHistoryBlend scales the keyword score by the keyword weight when a
// pattern has no prior change requests
const NoHistoryBlend = "blend"

// HistorySearcher finds prior change requests similar to a text
type HistorySearcher interface {
	Query(ctx context.Context, collection, text string, k int) ([]semantic.Hit, error)
}

// Classification is the outcome of scoring a change request against every
// registered pattern
type Classification struct {
	Text       string                `json:"text"`
	Pattern    string                `json:"pattern"`
	Confidence float64               `json:"confidence"`
	Candidates []models.PatternScore `json:"candidates"`
	Scores     []models.PatternScore `json:"scores"`
	Ambiguous  bool                  `json:"ambiguous"`
	Degraded   bool                  `json:"degraded"`
}

// Known reports whether any pattern accepted the request
func (c *Classification) Known() bool {
	return c.Pattern != models.PatternUnknown
}

// CandidateNames returns the accepted pattern names in score order
func (c *Classification) CandidateNames() []string {
	names := make([]string, len(c.Candidates))
	for i, s := range c.Candidates {
		names[i] = s.Pattern
	}
	return names
}

// Err returns an informational Ambiguous error when several patterns
// accepted the request, nil otherwise
func (c *Classification) Err() error {
	if !c.Ambiguous {
		return nil
	}
	return errors.Ambiguous(c.CandidateNames())
}

// Classifier scores change request text against the pattern registry.
//
// Each keyword w weighs len(w) * (1 + ln(P/df(w))) where P is the number
// of patterns and df(w) the number of patterns listing w, so long and
// rare keywords count more. The keyword score is the matched weight over
// the total weight of a pattern's keywords.
type Classifier struct {
	registry *Registry
	history  HistorySearcher
	config   config.ClassifierConfig
	df       map[string]int
	logger   *slog.Logger
}

// New creates a classifier. history may be nil, in which case every
// pattern is scored without history.
func New(registry *Registry, history HistorySearcher, cfg config.ClassifierConfig) *Classifier {
	return &Classifier{
		registry: registry,
		history:  history,
		config:   cfg,
		df:       registry.documentFrequency(),
		logger:   slog.Default().With("component", "classifier"),
	}
}

// Registry returns the pattern registry
func (c *Classifier) Registry() *Registry {
	return c.registry
}

// Classify scores text. It fails only with Unclassifiable, for empty or
// blank text. Text no keyword can match classifies as unknown.
func (c *Classifier) Classify(ctx context.Context, text string) (*Classification, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.Unclassifiable("change request text is empty")
	}

	terms := newTermSet(text)
	history, degraded := c.priorScores(ctx, text)

	result := &Classification{
		Text:     text,
		Pattern:  models.PatternUnknown,
		Degraded: degraded,
	}
	for _, p := range c.registry.patterns {
		result.Scores = append(result.Scores, c.score(p, terms, history))
	}
	sortScores(result.Scores)

	for _, s := range result.Scores {
		if s.Confidence > 0 && s.Confidence >= s.Threshold {
			result.Candidates = append(result.Candidates, s)
		}
	}
	if len(result.Scores) > 0 {
		result.Confidence = result.Scores[0].Confidence
	}
	if len(result.Candidates) > 0 {
		result.Pattern = result.Candidates[0].Pattern
		result.Confidence = result.Candidates[0].Confidence
	}
	result.Ambiguous = len(result.Candidates) > 1
	if result.Candidates == nil {
		result.Candidates = []models.PatternScore{}
	}

	c.logger.Debug("change request classified",
		"pattern", result.Pattern,
		"confidence", result.Confidence,
		"candidates", len(result.Candidates),
		"degraded", degraded)
	return result, nil
}

// ClassifyAs scores text and then forces the named pattern, keeping its
// own score as the confidence
func (c *Classifier) ClassifyAs(ctx context.Context, text, pattern string) (*Classification, error) {
	if _, ok := c.registry.Get(pattern); !ok {
		return nil, errors.ValidationErrorf("unknown pattern %q", pattern)
	}
	result, err := c.Classify(ctx, text)
	if err != nil {
		return nil, err
	}

	for _, s := range result.Scores {
		if s.Pattern == pattern {
			result.Pattern = pattern
			result.Confidence = s.Confidence
			result.Candidates = []models.PatternScore{s}
			result.Ambiguous = false
			break
		}
	}
	return result, nil
}

// priorScores returns, per pattern, the best similarity between text and
// a prior change request of that pattern. An unreachable index yields no
// history and marks the result degraded.
func (c *Classifier) priorScores(ctx context.Context, text string) (map[string]float64, bool) {
	if c.history == nil {
		return nil, false
	}

	hits, err := c.history.Query(ctx, semantic.CollectionChangeRequests, text, 0)
	if err != nil {
		c.logger.Warn("change request history unavailable, using keyword scores only", "error", err)
		return nil, true
	}

	scores := make(map[string]float64)
	for _, h := range hits {
		p := h.Labels[LabelPattern]
		if p == "" || p == models.PatternUnknown {
			continue
		}
		sim := clamp(h.Score)
		if cur, ok := scores[p]; !ok || sim > cur {
			scores[p] = sim
		}
	}
	return scores, false
}

func (c *Classifier) score(p Pattern, terms *termSet, history map[string]float64) models.PatternScore {
	total, matched := 0.0, 0.0
	var hits []string
	seen := make(map[string]bool)
	for _, kw := range p.Keywords {
		key := keywordKey(kw)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		w := c.weight(kw, key)
		total += w
		if terms.matches(key) {
			matched += w
			hits = append(hits, kw)
		}
	}

	kw := 0.0
	if total > 0 {
		kw = clamp(matched / total)
	}

	s := models.PatternScore{
		Pattern:      p.Name,
		KeywordScore: kw,
		Threshold:    c.config.Threshold(p.Name, p.Threshold),
		Matched:      hits,
	}
	if sem, ok := history[p.Name]; ok {
		s.HasHistory = true
		s.Semantic = sem
		s.Confidence = clamp(c.config.KeywordWeight*kw + c.config.SemanticWeight*sem)
	} else if c.config.NoHistory == NoHistoryBlend {
		s.Confidence = clamp(c.config.KeywordWeight * kw)
	} else {
		s.Confidence = kw
	}
	return s
}

// weight is len(w) * (1 + ln(P/df(w)))
func (c *Classifier) weight(raw, key string) float64 {
	df := c.df[key]
	if df == 0 {
		df = 1
	}
	n := float64(c.registry.Len())
	length := float64(len(strings.Join(strings.Fields(raw), "")))
	return length * (1 + math.Log(n/float64(df)))
}

// termSet holds the stemmed words of a text and its phrase haystacks.
// Words are read both with and without identifier splitting so that
// "AutoPay" counts as "autopay" as well as "auto" and "pay".
type termSet struct {
	stems   map[string]bool
	phrases []string
}

func newTermSet(text string) *termSet {
	lower := strings.ToLower(text)
	t := &termSet{stems: semantic.Keywords(text)}
	for k := range semantic.Keywords(lower) {
		t.stems[k] = true
	}
	t.phrases = []string{
		" " + strings.Join(semantic.Tokenize(text), " ") + " ",
		" " + strings.Join(semantic.Tokenize(lower), " ") + " ",
	}
	return t
}

func (t *termSet) matches(key string) bool {
	if !strings.Contains(key, " ") {
		return t.stems[key]
	}
	for _, h := range t.phrases {
		if strings.Contains(h, " "+key+" ") {
			return true
		}
	}
	return false
}

func sortScores(scores []models.PatternScore) {
	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Confidence != scores[j].Confidence {
			return scores[i].Confidence > scores[j].Confidence
		}
		return scores[i].Pattern < scores[j].Pattern
	})
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
