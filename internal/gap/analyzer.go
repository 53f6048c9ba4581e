package gap

import (
	"log/slog"
	"sort"

	"github.com/brutev/fd-agent/internal/config"
	"github.com/brutev/fd-agent/internal/models"
)

// Entry is one gap report line
type Entry = models.GapEntry

// Report is the outcome of one gap analysis
type Report struct {
	Entries []Entry                `json:"entries"`
	Counts  map[models.GapKind]int `json:"counts"`
}

// ByKind returns the entries of one kind
func (r *Report) ByKind(kind models.GapKind) []Entry {
	var out []Entry
	for _, e := range r.Entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Analyzer compares declared contracts, implemented endpoints and client
// calls by normalized METHOD path key
type Analyzer struct {
	normalizer  *Normalizer
	maxDistance int
	logger      *slog.Logger
}

// NewAnalyzer creates an analyzer from gap configuration
func NewAnalyzer(cfg config.GapConfig) *Analyzer {
	return &Analyzer{
		normalizer:  NewNormalizer(cfg.StripPrefixes),
		maxDistance: cfg.MismatchMaxDistance,
		logger:      slog.Default().With("component", "gap"),
	}
}

// Normalizer exposes the path normalizer used for keys
func (a *Analyzer) Normalizer() *Normalizer {
	return a.normalizer
}

// side groups the refs that share one key
type side struct {
	method string
	path   string
	refs   []string
}

func (s *side) add(ref string) { s.refs = append(s.refs, ref) }

func (s *side) sorted() []string {
	refs := append([]string(nil), s.refs...)
	sort.Strings(refs)
	return refs
}

type endpointRef struct {
	id     string
	method string
	path   string
}

// Analyze reports every mismatch. Client calls from test code are left
// out entirely.
func (a *Analyzer) Analyze(contracts []models.Contract, endpoints, calls []models.Entity) *Report {
	endpointKeys := make(map[string][]endpointRef)
	var allEndpoints []endpointRef
	for _, e := range endpoints {
		method := NormalizeMethod(e.Attr(models.AttrMethod))
		path := a.normalizer.Path(e.Attr(models.AttrPath))
		ref := endpointRef{id: e.ID, method: method, path: path}
		key := method + " " + path
		endpointKeys[key] = append(endpointKeys[key], ref)
		allEndpoints = append(allEndpoints, ref)
	}
	sort.Slice(allEndpoints, func(i, j int) bool {
		if allEndpoints[i].path != allEndpoints[j].path {
			return allEndpoints[i].path < allEndpoints[j].path
		}
		return allEndpoints[i].id < allEndpoints[j].id
	})

	callKeys := make(map[string]*side)
	for _, c := range calls {
		if c.Attr(models.AttrOrigin) == models.OriginTest {
			continue
		}
		key := a.group(callKeys, c.Attr(models.AttrMethod), c.Attr(models.AttrPath))
		callKeys[key].add(c.ID)
	}

	contractKeys := make(map[string]*side)
	for _, c := range contracts {
		key := a.group(contractKeys, c.Method, c.Path)
		contractKeys[key].add(c.ID)
	}

	var entries []Entry
	unmatched := func(kind models.GapKind, groups map[string]*side) {
		for key, s := range groups {
			if _, ok := endpointKeys[key]; ok {
				continue
			}
			refs := s.sorted()
			entries = append(entries, Entry{
				Kind:        kind,
				Method:      s.method,
				Path:        s.path,
				ContractRef: refs[0],
				Refs:        refs,
			})
			entries = append(entries, a.nearMisses(s, refs, allEndpoints)...)
		}
	}
	unmatched(models.GapMissingBackend, contractKeys)
	unmatched(models.GapMissingEndpoint, callKeys)

	// Contracts do not count as callers
	for key, refs := range endpointKeys {
		if callKeys[key] != nil {
			continue
		}
		for _, ep := range refs {
			entries = append(entries, Entry{
				Kind:        models.GapUnusedEndpoint,
				Method:      ep.method,
				Path:        ep.path,
				ContractRef: ep.id,
			})
		}
	}

	sortEntries(entries)
	report := &Report{Entries: entries, Counts: make(map[models.GapKind]int)}
	for _, e := range entries {
		report.Counts[e.Kind]++
	}
	if entries == nil {
		report.Entries = []Entry{}
	}

	a.logger.Debug("gap analysis complete",
		"contracts", len(contracts),
		"endpoints", len(endpoints),
		"calls", len(calls),
		"entries", len(entries))
	return report
}

// group registers method/path in groups and returns its key
func (a *Analyzer) group(groups map[string]*side, method, path string) string {
	m := NormalizeMethod(method)
	p := a.normalizer.Path(path)
	key := m + " " + p
	if groups[key] == nil {
		groups[key] = &side{method: m, path: p}
	}
	return key
}

// nearMisses lists endpoints with the same method whose path is within
// the configured edit distance of s
func (a *Analyzer) nearMisses(s *side, refs []string, endpoints []endpointRef) []Entry {
	if a.maxDistance <= 0 {
		return nil
	}
	var out []Entry
	for _, ep := range endpoints {
		if ep.method != s.method {
			continue
		}
		d := Levenshtein(s.path, ep.path)
		if d == 0 || d > a.maxDistance {
			continue
		}
		maxLen := max(len(s.path), len(ep.path))
		similarity := 1 - float64(d)/float64(maxLen)
		out = append(out, Entry{
			Kind:         models.GapPossibleMismatch,
			Method:       s.method,
			Path:         s.path,
			ContractRef:  refs[0],
			CandidateRef: ep.id,
			Similarity:   &similarity,
			Refs:         refs,
		})
	}
	return out
}

var kindOrder = map[models.GapKind]int{
	models.GapMissingBackend:   0,
	models.GapMissingEndpoint:  1,
	models.GapUnusedEndpoint:   2,
	models.GapPossibleMismatch: 3,
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Kind != b.Kind {
			return kindOrder[a.Kind] < kindOrder[b.Kind]
		}
		if a.Method != b.Method {
			return a.Method < b.Method
		}
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		if a.ContractRef != b.ContractRef {
			return a.ContractRef < b.ContractRef
		}
		return a.CandidateRef < b.CandidateRef
	})
}
