package semantic

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/brutev/fd-agent/internal/models"
)

// attributes that describe what an entity is, as opposed to where it is
var canonicalAttributes = map[string]bool{
	models.AttrMethod:        true,
	models.AttrPath:          true,
	models.AttrFields:        true,
	models.AttrEvents:        true,
	models.AttrStates:        true,
	models.AttrWidget:        true,
	models.AttrBase:          true,
	models.AttrTable:         true,
	models.AttrHandler:       true,
	models.AttrResponseModel: true,
	models.AttrValidators:    true,
	models.AttrFormFields:    true,
	models.AttrField:         true,
}

// CanonicalText renders the embedding input of an entity: kind, name and
// language followed by its descriptive attributes in key order. Line
// numbers are left out so moving code does not trigger re-embedding.
func CanonicalText(e models.Entity) string {
	var sb strings.Builder
	sb.WriteString(string(e.Kind))
	sb.WriteString(" ")
	sb.WriteString(e.Name)
	sb.WriteString(" (")
	sb.WriteString(e.Language)
	sb.WriteString(")")

	keys := make([]string, 0, len(e.Attributes))
	for k := range e.Attributes {
		if canonicalAttributes[k] && e.Attributes[k] != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString("\n")
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(e.Attributes[k])
	}
	return sb.String()
}

// TextHash is the sha256 of text, hex encoded
func TextHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// EntityDocument builds the index document of an entity
func EntityDocument(e models.Entity) Document {
	return Document{
		ID:   e.ID,
		Text: CanonicalText(e),
		Labels: map[string]string{
			"kind":     string(e.Kind),
			"language": e.Language,
		},
	}
}

// RequirementDocument builds the index document of a requirement from its
// title, description and acceptance criteria
func RequirementDocument(r models.Requirement) Document {
	parts := append([]string{r.Title, r.Description}, r.AcceptanceCriteria...)
	return Document{
		ID:   r.ID,
		Text: strings.Join(parts, "\n"),
		Labels: map[string]string{
			"feature_area": r.FeatureArea,
			"priority":     r.Priority,
		},
	}
}
