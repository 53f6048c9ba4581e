package classifier

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brutev/fd-agent/internal/config"
	"github.com/brutev/fd-agent/internal/errors"
	"github.com/brutev/fd-agent/internal/models"
	"github.com/brutev/fd-agent/internal/semantic"
)

const upiRequest = "Add UPI AutoPay mandate feature for recurring payments"

type fakeHistory struct {
	hits []semantic.Hit
	err  error
}

func (f *fakeHistory) Query(ctx context.Context, collection, text string, k int) ([]semantic.Hit, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.hits, nil
}

func defaultClassifier(t *testing.T, history HistorySearcher, mutate func(*config.ClassifierConfig)) *Classifier {
	t.Helper()
	registry, err := LoadRegistry("")
	require.NoError(t, err)
	cfg := config.Default().Classifier
	if mutate != nil {
		mutate(&cfg)
	}
	return New(registry, history, cfg)
}

func scoreOf(t *testing.T, c *Classification, pattern string) models.PatternScore {
	t.Helper()
	for _, s := range c.Scores {
		if s.Pattern == pattern {
			return s
		}
	}
	t.Fatalf("no score for %s", pattern)
	return models.PatternScore{}
}

func TestUPIAutopayExample(t *testing.T) {
	c := defaultClassifier(t, nil, nil)

	result, err := c.Classify(context.Background(), upiRequest)
	require.NoError(t, err)

	assert.Equal(t, "upi_autopay", result.Pattern)
	assert.False(t, result.Ambiguous)
	assert.False(t, result.Degraded)

	s := scoreOf(t, result, "upi_autopay")
	assert.ElementsMatch(t, []string{"upi", "autopay", "mandate", "recurring", "payments"}, s.Matched)
	// every upi keyword is unique to the pattern, so weights reduce to length
	assert.InDelta(t, 34.0/42.0, s.KeywordScore, 1e-9)
	assert.Greater(t, s.KeywordScore, 0.7)
	assert.False(t, s.HasHistory)
	assert.Equal(t, s.KeywordScore, result.Confidence)
	assert.Equal(t, 0.6, s.Threshold)
	assert.Equal(t, []string{"upi_autopay"}, result.CandidateNames())
	assert.NoError(t, result.Err())
}

func TestUnknownWhenNothingMatches(t *testing.T) {
	c := defaultClassifier(t, nil, nil)

	result, err := c.Classify(context.Background(), "Refresh the onboarding carousel colours")
	require.NoError(t, err)
	assert.Equal(t, models.PatternUnknown, result.Pattern)
	assert.False(t, result.Known())
	assert.Zero(t, result.Confidence)
	assert.Empty(t, result.Candidates)
	assert.Len(t, result.Scores, 5)
}

func TestConfidenceAlwaysInRange(t *testing.T) {
	history := &fakeHistory{hits: []semantic.Hit{
		{ID: "cr-1", Score: 1.7, Labels: map[string]string{LabelPattern: "tax_statement"}},
		{ID: "cr-2", Score: -0.4, Labels: map[string]string{LabelPattern: "kyc_enhancement"}},
	}}
	c := defaultClassifier(t, history, nil)

	texts := []string{
		upiRequest,
		"tax statement itr tds annual tax",
		"xml",
		"KYC verification for aadhaar offline xml",
		"something entirely different",
	}
	for _, text := range texts {
		t.Run(text, func(t *testing.T) {
			result, err := c.Classify(context.Background(), text)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, result.Confidence, 0.0)
			assert.LessOrEqual(t, result.Confidence, 1.0)
			for _, s := range result.Scores {
				assert.GreaterOrEqual(t, s.Confidence, 0.0)
				assert.LessOrEqual(t, s.Confidence, 1.0)
				assert.GreaterOrEqual(t, s.Semantic, 0.0)
				assert.LessOrEqual(t, s.Semantic, 1.0)
			}
		})
	}
}

func TestUnclassifiable(t *testing.T) {
	c := defaultClassifier(t, nil, nil)
	for _, text := range []string{"", "   \n\t"} {
		_, err := c.Classify(context.Background(), text)
		assert.True(t, errors.IsUnclassifiable(err), "text %q", text)
	}
}

func TestWordlessTextIsUnknown(t *testing.T) {
	c := defaultClassifier(t, nil, nil)
	texts := []string{
		"Add new",
		"Add all new",
		"42",
		"!!! 42 ???",
		"?!",
		"Добавить автоплатёж",
	}
	for _, text := range texts {
		t.Run(text, func(t *testing.T) {
			result, err := c.Classify(context.Background(), text)
			require.NoError(t, err)
			require.NotNil(t, result)
			assert.Equal(t, models.PatternUnknown, result.Pattern)
			assert.Zero(t, result.Confidence)
			assert.Empty(t, result.Candidates)
			assert.Len(t, result.Scores, 5)
		})
	}
}

func TestHistoryBlend(t *testing.T) {
	history := &fakeHistory{hits: []semantic.Hit{
		{ID: "cr-1", Score: 0.9, Labels: map[string]string{LabelPattern: "upi_autopay"}},
		{ID: "cr-2", Score: 0.5, Labels: map[string]string{LabelPattern: "upi_autopay"}},
		{ID: "cr-3", Score: 0.95, Labels: map[string]string{LabelPattern: models.PatternUnknown}},
	}}
	c := defaultClassifier(t, history, nil)

	result, err := c.Classify(context.Background(), upiRequest)
	require.NoError(t, err)

	s := scoreOf(t, result, "upi_autopay")
	assert.True(t, s.HasHistory)
	assert.Equal(t, 0.9, s.Semantic)
	assert.InDelta(t, 0.6*34.0/42.0+0.4*0.9, s.Confidence, 1e-9)
	assert.Equal(t, "upi_autopay", result.Pattern)

	assert.False(t, scoreOf(t, result, "tax_statement").HasHistory)
}

func TestDegradedWhenIndexUnavailable(t *testing.T) {
	history := &fakeHistory{err: errors.IndexUnavailable(stderrors.New("connection refused"), "embedding backend unavailable")}
	c := defaultClassifier(t, history, nil)

	result, err := c.Classify(context.Background(), upiRequest)
	require.NoError(t, err)
	assert.True(t, result.Degraded)
	assert.Equal(t, "upi_autopay", result.Pattern)
	assert.InDelta(t, 34.0/42.0, result.Confidence, 1e-9)
}

func TestAmbiguousReportsEveryCandidate(t *testing.T) {
	c := defaultClassifier(t, nil, nil)

	result, err := c.Classify(context.Background(), "Daily transaction limit based on KYC verification for offline aadhaar")
	require.NoError(t, err)

	assert.True(t, result.Ambiguous)
	assert.Equal(t, []string{"kyc_enhancement", "transaction_limits"}, result.CandidateNames())
	assert.Equal(t, "kyc_enhancement", result.Pattern)
	assert.GreaterOrEqual(t, result.Candidates[0].Confidence, result.Candidates[1].Confidence)
	assert.True(t, errors.IsType(result.Err(), errors.ErrorTypeAmbiguous))
}

func TestThresholdFromConfig(t *testing.T) {
	c := defaultClassifier(t, nil, func(cfg *config.ClassifierConfig) {
		cfg.Thresholds = map[string]float64{"upi_autopay": 0.9}
	})

	result, err := c.Classify(context.Background(), upiRequest)
	require.NoError(t, err)
	assert.Equal(t, models.PatternUnknown, result.Pattern)
	assert.InDelta(t, 34.0/42.0, result.Confidence, 1e-9)
}

func TestNoHistoryBlendScalesKeywordScore(t *testing.T) {
	c := defaultClassifier(t, nil, func(cfg *config.ClassifierConfig) {
		cfg.NoHistory = NoHistoryBlend
	})

	result, err := c.Classify(context.Background(), upiRequest)
	require.NoError(t, err)
	assert.Equal(t, models.PatternUnknown, result.Pattern)
	assert.InDelta(t, 0.6*34.0/42.0, result.Confidence, 1e-9)
}

func TestClassifyAs(t *testing.T) {
	c := defaultClassifier(t, nil, nil)

	result, err := c.ClassifyAs(context.Background(), upiRequest, "tax_statement")
	require.NoError(t, err)
	assert.Equal(t, "tax_statement", result.Pattern)
	assert.Zero(t, result.Confidence)
	assert.Equal(t, []string{"tax_statement"}, result.CandidateNames())

	_, err = c.ClassifyAs(context.Background(), upiRequest, "crypto_wallet")
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestLoadRegistryFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
patterns:
  - name: face_login
    keywords: [face id, login]
    threshold: 0.5
    template:
      endpoints: ["POST /auth/face"]
  - name: statements
    keywords: [statement, pdf]
`), 0644))

	registry, err := LoadRegistry(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"face_login", "statements"}, registry.Names())

	p, ok := registry.Get("face_login")
	require.True(t, ok)
	assert.Equal(t, []string{"POST /auth/face"}, p.Template.Endpoints)

	c := New(registry, nil, config.Default().Classifier)
	result, err := c.Classify(context.Background(), "Enable Face ID for login")
	require.NoError(t, err)
	assert.Equal(t, "face_login", result.Pattern)
	assert.Equal(t, 1.0, result.Confidence)
	assert.Equal(t, 0.5, result.Candidates[0].Threshold)
}

func TestRegistryValidation(t *testing.T) {
	_, err := NewRegistry(nil)
	assert.Error(t, err)

	_, err = NewRegistry([]Pattern{{Name: "a", Keywords: []string{"x"}}, {Name: "a", Keywords: []string{"y"}}})
	assert.Error(t, err)

	_, err = NewRegistry([]Pattern{{Name: "a"}})
	assert.Error(t, err)

	_, err = NewRegistry([]Pattern{{Name: "a", Keywords: []string{"x"}, Threshold: 1.5}})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = LoadRegistry(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.IsType(err, errors.ErrorTypeFileSystem))
}
