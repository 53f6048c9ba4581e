package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/brutev/fd-agent/internal/classifier"
	"github.com/brutev/fd-agent/internal/config"
	"github.com/brutev/fd-agent/internal/gap"
	"github.com/brutev/fd-agent/internal/memory"
	"github.com/brutev/fd-agent/internal/models"
	"github.com/brutev/fd-agent/internal/semantic"
	"github.com/brutev/fd-agent/internal/storage"
)

// Task sources
const (
	SourceTemplate   = "template"
	SourceEntity     = "entity"
	SourceGap        = "gap"
	SourceCompliance = "compliance"
)

// Input is everything a plan is computed from. Snapshot is optional and
// only consulted for test coverage edges. Requirements contribute their
// acceptance criteria as test scenarios.
type Input struct {
	Text           string
	Classification *classifier.Classification
	Patterns       []classifier.Pattern
	Bundle         *memory.Bundle
	Snapshot       *storage.Snapshot
	Gaps           []models.GapEntry
	Requirements   []models.Requirement
	Config         config.PlannerConfig
}

// Plan turns a classified change request and its context into tasks, an
// effort estimate, test scenarios and compliance tags. It is a pure
// function of its input.
func Plan(in Input) models.Plan {
	var entities []models.Entity
	if in.Bundle != nil {
		entities = dedupeEntities(in.Bundle.Entities())
	}

	relevant := RelevantGaps(in.Gaps, entities, matchedKeywords(in.Classification))
	tags := complianceTags(in, entities)

	tasks := &taskList{index: make(map[string]int)}
	for _, p := range in.Patterns {
		templateTasks(tasks, p.Template)
	}
	for _, e := range entities {
		area, title := entityTask(e)
		tasks.add(area, title, SourceEntity, e.ID)
	}
	for _, g := range relevant {
		area, title := gapTask(g)
		tasks.add(area, title, SourceGap, gapIDs(g)...)
	}
	for _, tag := range tags {
		tasks.add(models.AreaCompliance, "Review compliance: "+tag, SourceCompliance)
	}

	plan := models.Plan{
		Tasks:           tasks.items,
		EstimatedEffort: Estimate(in.Config.Effort, effortPatterns(in), len(entities)),
		Tests:           testScenarios(in, entities),
		ComplianceTags:  tags,
		Gaps:            relevant,
	}
	if plan.Tasks == nil {
		plan.Tasks = []models.Task{}
	}
	if plan.Gaps == nil {
		plan.Gaps = []models.GapEntry{}
	}
	return plan
}

// Estimate looks up the effort row for count affected entities. With
// several patterns the largest estimate wins; unknown patterns use the
// default table.
func Estimate(tables map[string][]config.EffortRow, patterns []string, count int) models.Effort {
	if len(patterns) == 0 {
		patterns = []string{config.DefaultPattern}
	}

	var best models.Effort
	found := false
	for _, p := range patterns {
		rows, ok := tables[p]
		if !ok {
			rows, ok = tables[config.DefaultPattern]
		}
		if !ok {
			rows = config.DefaultEffortTable()[config.DefaultPattern]
		}
		row, ok := lookup(rows, count)
		if !ok {
			continue
		}
		e := models.Effort{
			Complexity:   row.Complexity,
			FrontendDays: row.FrontendDays,
			BackendDays:  row.BackendDays,
			TotalDays:    row.FrontendDays + row.BackendDays,
		}
		if !found || e.TotalDays > best.TotalDays {
			best = e
			found = true
		}
	}
	return best
}

// lookup returns the first row covering count. MaxEntities 0 covers any
// count.
func lookup(rows []config.EffortRow, count int) (config.EffortRow, bool) {
	for _, r := range rows {
		if r.MaxEntities == 0 || count <= r.MaxEntities {
			return r, true
		}
	}
	if len(rows) > 0 {
		return rows[len(rows)-1], true
	}
	return config.EffortRow{}, false
}

// RelevantGaps keeps the gap entries whose refs touch an affected entity
// or whose path contains a matched keyword
func RelevantGaps(gaps []models.GapEntry, entities []models.Entity, keywords []string) []models.GapEntry {
	ids := make(map[string]bool, len(entities))
	for _, e := range entities {
		ids[e.ID] = true
	}

	var out []models.GapEntry
	for _, g := range gaps {
		if touches(g, ids) || pathMentions(g.Path, keywords) {
			out = append(out, g)
		}
	}
	return out
}

func touches(g models.GapEntry, ids map[string]bool) bool {
	if ids[g.ContractRef] || ids[g.CandidateRef] {
		return true
	}
	for _, r := range g.Refs {
		if ids[r] {
			return true
		}
	}
	return false
}

func pathMentions(path string, keywords []string) bool {
	p := strings.ToLower(path)
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(p, kw) {
			return true
		}
	}
	return false
}

func gapIDs(g models.GapEntry) []string {
	ids := append([]string(nil), g.Refs...)
	if len(ids) == 0 && g.ContractRef != "" {
		ids = append(ids, g.ContractRef)
	}
	if g.CandidateRef != "" {
		ids = append(ids, g.CandidateRef)
	}
	return ids
}

func gapTask(g models.GapEntry) (models.TaskArea, string) {
	key := g.Method + " " + g.Path
	switch g.Kind {
	case models.GapMissingEndpoint:
		return models.AreaBackend, "Implement missing endpoint " + key
	case models.GapMissingBackend:
		return models.AreaBackend, "Implement contract " + g.ContractRef + " (" + key + ")"
	case models.GapUnusedEndpoint:
		return models.AreaFrontend, "Wire or retire unused endpoint " + key
	case models.GapPossibleMismatch:
		return models.AreaFrontend, fmt.Sprintf("Reconcile %s with endpoint %s", key, g.CandidateRef)
	}
	return models.AreaBackend, "Resolve " + string(g.Kind) + " " + key
}

func templateTasks(tasks *taskList, t classifier.Template) {
	for _, s := range t.Screens {
		tasks.add(models.AreaFrontend, "Create screen "+s, SourceTemplate)
	}
	for _, s := range t.ModifiedScreens {
		tasks.add(models.AreaFrontend, "Update screen "+s, SourceTemplate)
	}
	for _, w := range t.Widgets {
		tasks.add(models.AreaFrontend, "Create widget "+w, SourceTemplate)
	}
	for _, s := range t.StateComponents {
		tasks.add(models.AreaFrontend, "Extend state component "+s, SourceTemplate)
	}
	for _, ep := range t.Endpoints {
		tasks.add(models.AreaBackend, "Implement endpoint "+ep, SourceTemplate)
	}
	for _, m := range t.Models {
		tasks.add(models.AreaBackend, "Create model "+m, SourceTemplate)
	}
	for _, s := range t.Services {
		tasks.add(models.AreaBackend, "Create service "+s, SourceTemplate)
	}
	for _, tbl := range t.Tables {
		tasks.add(models.AreaBackend, "Migrate table "+tbl, SourceTemplate)
	}
	for _, task := range t.Tasks {
		tasks.add(models.AreaBackend, task, SourceTemplate)
	}
}

func entityTask(e models.Entity) (models.TaskArea, string) {
	name := e.Name
	if name == "" {
		name = e.ID
	}
	label := strings.ReplaceAll(string(e.Kind), "_", " ")

	area := models.AreaBackend
	switch e.Kind {
	case models.KindWidget, models.KindStateComponent, models.KindRoute, models.KindClientCall:
		area = models.AreaFrontend
	case models.KindEndpoint:
		area = models.AreaBackend
	default:
		if e.Language == "dart" {
			area = models.AreaFrontend
		}
	}
	return area, "Update " + label + " " + name
}

// testScenarios lists template scenarios, acceptance criteria of related
// requirements, endpoints without tested_by edges and the common
// scenarios, without repeats
func testScenarios(in Input, entities []models.Entity) []string {
	seen := make(map[string]bool)
	out := []string{}
	add := func(s string) {
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}

	for _, p := range in.Patterns {
		for _, t := range p.Template.Tests {
			add(t)
		}
	}
	for _, r := range in.Requirements {
		for _, ac := range r.AcceptanceCriteria {
			add("Acceptance: " + ac)
		}
	}
	for _, e := range entities {
		if e.Kind != models.KindEndpoint {
			continue
		}
		if in.Snapshot != nil && len(in.Snapshot.Edges(e.ID, models.RelTestedBy, storage.DirectionOut)) > 0 {
			continue
		}
		add("API test for " + endpointLabel(e))
	}
	for _, t := range in.Config.CommonTests {
		add(t)
	}
	return out
}

func endpointLabel(e models.Entity) string {
	method := e.Attr(models.AttrMethod)
	path := e.Attr(models.AttrPath)
	if method == "" && path == "" {
		return e.Name
	}
	return gap.NormalizeMethod(method) + " " + path
}

// complianceTags applies the compliance rules to the change request text
// and the affected entities, then adds the patterns' own requirements
func complianceTags(in Input, entities []models.Entity) []string {
	text := textKeywords(in.Text)
	tags := make(map[string]bool)

	for _, rule := range in.Config.ComplianceRules {
		if ruleFires(rule, text, entities) {
			for _, t := range rule.Tags {
				tags[t] = true
			}
		}
	}
	for _, p := range in.Patterns {
		for _, t := range p.Compliance {
			tags[t] = true
		}
	}

	out := make([]string, 0, len(tags))
	for t := range tags {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func ruleFires(rule config.ComplianceRule, text map[string]bool, entities []models.Entity) bool {
	if len(rule.Match) == 0 {
		return true
	}
	match := make(map[string]bool, len(rule.Match))
	for _, m := range rule.Match {
		match[semantic.Stem(strings.ToLower(strings.TrimSpace(m)))] = true
	}
	if hasAny(text, match) {
		return true
	}

	kinds := make(map[string]bool, len(rule.Kinds))
	for _, k := range rule.Kinds {
		kinds[k] = true
	}
	for _, e := range entities {
		if len(kinds) > 0 && !kinds[string(e.Kind)] {
			continue
		}
		if hasAny(entityKeywords(e), match) {
			return true
		}
	}
	return false
}

func hasAny(set, want map[string]bool) bool {
	for w := range want {
		if set[w] {
			return true
		}
	}
	return false
}

// textKeywords reads text both with and without identifier splitting
func textKeywords(text string) map[string]bool {
	set := semantic.Keywords(text)
	for k := range semantic.Keywords(strings.ToLower(text)) {
		set[k] = true
	}
	return set
}

func entityKeywords(e models.Entity) map[string]bool {
	parts := []string{e.Name}
	keys := make([]string, 0, len(e.Attributes))
	for k := range e.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, e.Attributes[k])
	}
	return semantic.Keywords(strings.Join(parts, " "))
}

func matchedKeywords(c *classifier.Classification) []string {
	if c == nil {
		return nil
	}
	var out []string
	for _, s := range c.Candidates {
		out = append(out, s.Matched...)
	}
	return out
}

func effortPatterns(in Input) []string {
	if in.Classification == nil || !in.Classification.Known() {
		return nil
	}
	names := make([]string, 0, len(in.Patterns))
	for _, p := range in.Patterns {
		names = append(names, p.Name)
	}
	return names
}

func dedupeEntities(entities []models.Entity) []models.Entity {
	seen := make(map[string]bool, len(entities))
	out := make([]models.Entity, 0, len(entities))
	for _, e := range entities {
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		out = append(out, e)
	}
	return out
}

// taskList keeps tasks in insertion order and merges repeats by area and
// title
type taskList struct {
	items []models.Task
	index map[string]int
}

func (l *taskList) add(area models.TaskArea, title, source string, ids ...string) {
	key := string(area) + "|" + title
	if i, ok := l.index[key]; ok {
		l.items[i].EntityIDs = mergeIDs(l.items[i].EntityIDs, ids)
		return
	}
	l.index[key] = len(l.items)
	l.items = append(l.items, models.Task{
		Area:      area,
		Title:     title,
		EntityIDs: mergeIDs(nil, ids),
		Source:    source,
	})
}

func mergeIDs(have, add []string) []string {
	for _, id := range add {
		dup := false
		for _, h := range have {
			if h == id {
				dup = true
				break
			}
		}
		if !dup && id != "" {
			have = append(have, id)
		}
	}
	return have
}
