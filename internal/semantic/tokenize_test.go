package semantic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"stop words ignored", "the bug is in the code", []string{"bug", "code"}},
		{"case insensitive", "Fix Mobile Bug", []string{"fix", "mobile", "bug"}},
		{"camel case split", "KycScreen uses UPIMandateBloc", []string{"kyc", "screen", "uses", "upi", "mandate", "bloc"}},
		{"snake and paths", "POST /upi/mandate_create", []string{"post", "upi", "mandate", "create"}},
		{"numbers dropped", "limit 5000 per v2 day", []string{"limit", "per", "v2", "day"}},
		{"urls removed", "see https://example.com/docs please", []string{"see", "please"}},
		{"punctuation only", "!!! ... ???", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Tokenize(tt.text))
		})
	}
}

func TestStem(t *testing.T) {
	pairs := [][2]string{
		{"mandates", "mandate"},
		{"payments", "payment"},
		{"verified", "verify"},
		{"limits", "limit"},
		{"creating", "create"},
		{"created", "create"},
		{"statements", "statement"},
		{"passes", "pass"},
	}
	for _, p := range pairs {
		assert.Equal(t, Stem(p[1]), Stem(p[0]), "%s vs %s", p[0], p[1])
	}
	assert.Equal(t, "status", Stem("status"))
	assert.Equal(t, "upi", Stem("upi"))
}

func TestOverlap(t *testing.T) {
	q := Keywords("mandate payments")
	d := Keywords("UpiMandate payment screen")
	assert.Equal(t, 1.0, Overlap(q, d))
	assert.Equal(t, 0.0, Overlap(map[string]bool{}, d))
}
