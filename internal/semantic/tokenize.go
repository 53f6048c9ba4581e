package semantic

import (
	"regexp"
	"strings"
)

// Common English stop words that don't contribute to semantic meaning
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "if": true, "in": true,
	"into": true, "is": true, "it": true, "no": true, "not": true, "of": true,
	"on": true, "or": true, "such": true, "that": true, "the": true, "their": true,
	"then": true, "there": true, "these": true, "they": true, "this": true, "to": true,
	"was": true, "will": true, "with": true, "we": true, "our": true, "should": true,
	"can": true, "from": true, "new": true, "add": true, "all": true,
}

var (
	urlRe       = regexp.MustCompile(`https?://[^\s]+`)
	camelLower  = regexp.MustCompile(`([a-z0-9])([A-Z])`)
	camelAcronm = regexp.MustCompile(`([A-Z]+)([A-Z][a-z])`)
	wordRe      = regexp.MustCompile(`[a-z0-9]+`)
	versionRe   = regexp.MustCompile(`^v?\d+$`)
)

// Tokenize splits text into lowercase word tokens. Identifiers are split
// at camelCase and snake_case boundaries, so "KycScreen" yields "kyc" and
// "screen". Stop words, one-letter words and bare numbers are dropped.
func Tokenize(text string) []string {
	text = urlRe.ReplaceAllString(text, " ")
	text = camelAcronm.ReplaceAllString(text, "$1 $2")
	text = camelLower.ReplaceAllString(text, "$1 $2")
	text = strings.ToLower(text)

	var tokens []string
	for _, word := range wordRe.FindAllString(text, -1) {
		if len(word) < 2 || stopWords[word] {
			continue
		}
		if isNumeric(word) {
			continue
		}
		tokens = append(tokens, word)
	}
	return tokens
}

// StemTokens tokenizes text and stems every token
func StemTokens(text string) []string {
	tokens := Tokenize(text)
	for i, t := range tokens {
		tokens[i] = Stem(t)
	}
	return tokens
}

// Keywords returns the set of stemmed tokens of text
func Keywords(text string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range StemTokens(text) {
		set[t] = true
	}
	return set
}

// Stem strips common English inflections so that "mandates", "verified"
// and "limits" meet "mandate", "verify" and "limit". It is not a Porter
// stemmer.
func Stem(word string) string {
	n := len(word)
	switch {
	case n > 4 && strings.HasSuffix(word, "ies"):
		word = word[:n-3] + "y"
	case n > 4 && strings.HasSuffix(word, "ied"):
		word = word[:n-3] + "y"
	case n > 5 && strings.HasSuffix(word, "ing"):
		word = word[:n-3]
	case n > 4 && strings.HasSuffix(word, "sses"):
		word = word[:n-2]
	case n > 4 && (strings.HasSuffix(word, "xes") || strings.HasSuffix(word, "ches") || strings.HasSuffix(word, "shes")):
		word = word[:n-2]
	case n > 4 && strings.HasSuffix(word, "eed"):
	case n > 4 && strings.HasSuffix(word, "ed"):
		word = word[:n-2]
	case n > 3 && strings.HasSuffix(word, "s") &&
		!strings.HasSuffix(word, "ss") && !strings.HasSuffix(word, "us") && !strings.HasSuffix(word, "is"):
		word = word[:n-1]
	case n > 5 && strings.HasSuffix(word, "ly"):
		word = word[:n-2]
	}
	// "create", "created" and "creating" all end up as "creat"
	if len(word) > 4 && strings.HasSuffix(word, "e") && !strings.HasSuffix(word, "ee") {
		word = word[:len(word)-1]
	}
	return word
}

// Overlap is the fraction of query keywords present in doc
func Overlap(query, doc map[string]bool) float64 {
	if len(query) == 0 {
		return 0
	}
	hit := 0
	for k := range query {
		if doc[k] {
			hit++
		}
	}
	return float64(hit) / float64(len(query))
}

// isNumeric checks if a string is purely numeric
func isNumeric(s string) bool {
	return versionRe.MatchString(s) && !strings.HasPrefix(s, "v")
}
