// Package requirements reads business requirement documents into
// requirement records, one per heading section.
package requirements

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/brutev/fd-agent/internal/errors"
	"github.com/brutev/fd-agent/internal/models"
)

const (
	// DefaultPriority applies when a document declares none
	DefaultPriority = "P2"
	// DefaultArea applies when the caller names no feature area
	DefaultArea = "unspecified"

	maxDescription = 4000
)

var (
	headingRe = regexp.MustCompile(`^\s*(#+|\d+[.)])\s+(.*)$`)
	// Text documents only; DOCX and PDF need converting first
	extensions = map[string]bool{".txt": true, ".md": true, ".markdown": true}
	priorities = map[string]bool{"P0": true, "P1": true, "P2": true, "P3": true}
)

// Options tags every requirement read from one document
type Options struct {
	Priority    string
	FeatureArea string
}

// Load reads the requirement document at path
func Load(path string, opts Options) ([]models.Requirement, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !extensions[ext] {
		return nil, errors.ValidationErrorf("unsupported requirement document %s: use .txt or .md", filepath.Base(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.FileSystemErrorf(err, "read requirements %s", path)
	}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	reqs := Parse(stem, string(data), opts)
	for i := range reqs {
		reqs[i].Source = path
	}
	return reqs, nil
}

// Parse splits text at Markdown or numbered headings. Ids are name when
// the document has one section and name-N otherwise. Lines starting with
// "AC:" and "Risk:" become acceptance criteria and risks.
func Parse(name, text string, opts Options) []models.Requirement {
	secs := splitSections(text)
	if len(secs) == 0 {
		return nil
	}

	priority := NormalizePriority(opts.Priority)
	area := strings.TrimSpace(opts.FeatureArea)
	if area == "" {
		area = DefaultArea
	}

	out := make([]models.Requirement, 0, len(secs))
	for i, sec := range secs {
		id := name
		if len(secs) > 1 {
			id = fmt.Sprintf("%s-%d", name, i+1)
		}
		title := sec.title
		if title == "" {
			title = "Requirement " + id
		}
		acc, risks := markedLines(sec.body)
		req := models.Requirement{
			ID:                 id,
			Title:              title,
			Description:        truncate(strings.TrimSpace(sec.body), maxDescription),
			Priority:           priority,
			FeatureArea:        area,
			AcceptanceCriteria: acc,
			Risks:              risks,
			RawRefs:            []string{},
		}
		if sec.title != "" {
			req.RawRefs = append(req.RawRefs, sec.title)
		}
		out = append(out, req)
	}
	return out
}

// NormalizePriority upper-cases p and falls back to P2 for anything
// outside P0 to P3
func NormalizePriority(p string) string {
	p = strings.ToUpper(strings.TrimSpace(p))
	if priorities[p] {
		return p
	}
	return DefaultPriority
}

type section struct {
	title string
	body  string
}

func splitSections(text string) []section {
	var (
		out     []section
		title   string
		body    []string
		started bool
	)
	push := func() {
		if !started && len(body) == 0 {
			return
		}
		b := strings.TrimSpace(strings.Join(body, "\n"))
		if b != "" || title != "" {
			out = append(out, section{title: title, body: b})
		}
	}
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		if m := headingRe.FindStringSubmatch(line); m != nil {
			push()
			title = strings.TrimSpace(m[2])
			body = nil
			started = true
			continue
		}
		body = append(body, line)
	}
	push()
	return out
}

func markedLines(body string) (acc, risks []string) {
	acc, risks = []string{}, []string{}
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "ac:"):
			acc = append(acc, strings.TrimSpace(line[3:]))
		case strings.HasPrefix(lower, "risk:"):
			risks = append(risks, strings.TrimSpace(line[5:]))
		}
	}
	return acc, risks
}

// truncate cuts s to at most n bytes without splitting a rune
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
