package extract

import (
	"context"
	"testing"

	"github.com/brutev/fd-agent/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubExtractor struct {
	lang string
	exts []string
}

func (s stubExtractor) Language() string     { return s.lang }
func (s stubExtractor) Extensions() []string { return s.exts }
func (s stubExtractor) Extract(ctx context.Context, file SourceFile) (*FileResult, error) {
	return NewFileResult(file, s.lang), nil
}

func TestRegistryDispatch(t *testing.T) {
	reg, err := NewRegistry(
		stubExtractor{lang: "dart", exts: []string{".dart"}},
		stubExtractor{lang: "python", exts: []string{".py", ".pyi"}},
	)
	require.NoError(t, err)

	ex, ok := reg.ForFile("lib/screens/KYC.DART")
	require.True(t, ok)
	assert.Equal(t, "dart", ex.Language())

	_, ok = reg.ForFile("README.md")
	assert.False(t, ok)
	assert.Equal(t, []string{"dart", "python"}, reg.Languages())
}

func TestRegistryRejectsDuplicateExtension(t *testing.T) {
	_, err := NewRegistry(
		stubExtractor{lang: "python", exts: []string{".py"}},
		stubExtractor{lang: "cython", exts: []string{".py"}},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ".py")
}

func TestFileResultStableIDs(t *testing.T) {
	file := SourceFile{Path: "api/routes/kyc.py"}
	first := NewFileResult(file, "python")
	second := NewFileResult(file, "python")

	spec := EntitySpec{
		Kind:       models.KindEndpoint,
		Name:       "verify_aadhaar",
		StartLine:  54,
		EndLine:    60,
		Confidence: 1,
		Attributes: map[string]string{"method": "POST", "path": "/kyc/aadhaar/verify"},
	}
	a := first.Add(spec)
	b := second.Add(spec)

	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, a.ContentHash, b.ContentHash)

	spec.Attributes = map[string]string{"method": "PUT", "path": "/kyc/aadhaar/verify"}
	c := NewFileResult(file, "python").Add(spec)
	assert.Equal(t, a.ID, c.ID, "id depends on file and symbol only")
	assert.NotEqual(t, a.ContentHash, c.ContentHash)
}

func TestFileResultDedupesSymbolAndClampsConfidence(t *testing.T) {
	r := NewFileResult(SourceFile{Path: "lib/a.dart"}, "dart")
	r.Add(EntitySpec{Kind: models.KindWidget, Name: "Home", Confidence: 1.4})
	r.Add(EntitySpec{Kind: models.KindWidget, Name: "Home", Confidence: 0.2})

	require.Len(t, r.Entities, 1)
	assert.Equal(t, 1.0, r.Entities[0].Confidence)
}

func TestRelateDefaultsLanguage(t *testing.T) {
	r := NewFileResult(SourceFile{Path: "lib/a.dart"}, "dart")
	w := r.Add(EntitySpec{Kind: models.KindWidget, Name: "Home", Confidence: 1})
	r.Relate(Ref(w), ByName(models.KindStateComponent, "HomeBloc"), models.RelUses, 0.9)

	require.Len(t, r.Relationships, 1)
	rel := r.Relationships[0]
	assert.Equal(t, "dart", rel.Target.Language)
	assert.Equal(t, "lib/a.dart", rel.File)
	assert.Equal(t, "state_component:HomeBloc", rel.Target.String())
}

func TestConfidenceOverrides(t *testing.T) {
	c := Confidence{"dart.dio_call": 0.75, "dart.bad": 3}
	assert.Equal(t, 0.75, c.Get("dart.dio_call", 0.9))
	assert.Equal(t, 0.6, c.Get("dart.bad", 0.6))
	assert.Equal(t, 0.5, Confidence(nil).Get("missing", 0.5))
}
