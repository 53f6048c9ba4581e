package output

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/brutev/fd-agent/internal/engine"
	"github.com/brutev/fd-agent/internal/gap"
	"github.com/brutev/fd-agent/internal/ingestion"
	"github.com/brutev/fd-agent/internal/memory"
	"github.com/brutev/fd-agent/internal/models"
)

const rule = "════════════════════════════════════════"

func writeAnalysis(w io.Writer, fg *engine.FeatureGraph) {
	fmt.Fprintf(w, "🔍 Feature graph\n%s\n", rule)
	if fg.Run != nil {
		fmt.Fprintf(w, "Root: %s\n", fg.Run.Root)
		fmt.Fprintf(w, "Run: #%d (%d files, %d parsed)\n", fg.Run.Seq, fg.Run.Files, fg.FilesParsed)
	}
	fmt.Fprintf(w, "\nEntities:\n")
	fmt.Fprintf(w, "  widgets           %d\n", fg.Widgets)
	fmt.Fprintf(w, "  state components  %d\n", fg.StateComponents)
	fmt.Fprintf(w, "  routes            %d\n", fg.Routes)
	fmt.Fprintf(w, "  client calls      %d\n", fg.ClientCalls)
	fmt.Fprintf(w, "  endpoints         %d\n", fg.Endpoints)
	fmt.Fprintf(w, "  models            %d\n", fg.Models)
	fmt.Fprintf(w, "  validators        %d\n", fg.Validators)
	fmt.Fprintf(w, "  services          %d\n", fg.Services)
	fmt.Fprintf(w, "  total             %d\n", fg.Entities)
	fmt.Fprintf(w, "Relationships: %d\n", fg.Relationships)
	if c := fg.Changes; c != nil {
		fmt.Fprintf(w, "Changes since last run: %d added, %d changed, %d removed\n",
			len(c.Added), len(c.Changed), len(c.Removed))
	}

	switch {
	case fg.IndexDegraded:
		fmt.Fprintf(w, "Semantic index: ⚠️  not synced, keyword search only\n")
	case fg.Index != nil:
		fmt.Fprintf(w, "Semantic index: %d embedded, %d unchanged, %d removed\n",
			fg.Index.Embedded, fg.Index.Skipped, fg.Index.Deleted)
	}
	if fg.Mirror != nil {
		fmt.Fprintf(w, "Neo4j mirror: %d nodes, %d edges\n", fg.Mirror.Nodes, fg.Mirror.Edges)
	}

	if len(fg.Diagnostics) > 0 {
		fmt.Fprintf(w, "\nDiagnostics (%d):\n", len(fg.Diagnostics))
		for _, d := range fg.Diagnostics {
			fmt.Fprintf(w, "  ⚠️  %s [%s] %s\n", d.File, d.Kind, d.Message)
		}
	}
	fmt.Fprintf(w, "\nCompleted in %s\n", fg.Duration.Round(time.Millisecond))
}

func writeFileCount(w io.Writer, stats *ingestion.FileStats) {
	fmt.Fprintf(w, "📁 Files to analyze\n%s\n", rule)
	fmt.Fprintf(w, "Walked: %d\n", stats.Total)
	for _, lang := range stats.Languages() {
		fmt.Fprintf(w, "  %-12s %d\n", lang, stats.ByLanguage[lang])
	}
	if stats.SkippedGenerated > 0 || stats.SkippedFixture > 0 {
		fmt.Fprintf(w, "Skipped: %d generated, %d fixtures\n", stats.SkippedGenerated, stats.SkippedFixture)
	}
}

func writeGaps(w io.Writer, entries []gap.Entry) {
	if len(entries) == 0 {
		fmt.Fprintf(w, "✅ No gaps between contracts, endpoints and client calls\n")
		return
	}
	fmt.Fprintf(w, "🧩 Gap report (%d)\n%s\n", len(entries), rule)
	for i, e := range entries {
		fmt.Fprintf(w, "%d. %s %s %s %s\n", i+1, gapEmoji(e.Kind), e.Kind, e.Method, e.Path)
		fmt.Fprintf(w, "   ref: %s\n", e.ContractRef)
		if e.CandidateRef != "" {
			fmt.Fprintf(w, "   candidate: %s", e.CandidateRef)
			if e.Similarity != nil {
				fmt.Fprintf(w, " (similarity %.2f)", *e.Similarity)
			}
			fmt.Fprintln(w)
		}
	}
}

func gapEmoji(kind models.GapKind) string {
	switch kind {
	case models.GapMissingBackend, models.GapMissingEndpoint:
		return "❌"
	case models.GapPossibleMismatch:
		return "⚠️ "
	default:
		return "ℹ️ "
	}
}

func writeChangeRequest(w io.Writer, rec *models.ChangeRequestRecord) {
	fmt.Fprintf(w, "📋 Change request %s\n%s\n", rec.ID, rule)
	fmt.Fprintf(w, "Request: %s\n", rec.RawText)
	fmt.Fprintf(w, "Pattern: %s (confidence %.2f)\n", rec.DetectedPattern, rec.Confidence)
	if rec.Scope != "" {
		fmt.Fprintf(w, "Scope: %s, priority %s\n", rec.Scope, rec.Priority)
	}
	if rec.Ambiguous {
		names := make([]string, 0, len(rec.Candidates))
		for _, c := range rec.Candidates {
			names = append(names, fmt.Sprintf("%s %.2f", c.Pattern, c.Confidence))
		}
		fmt.Fprintf(w, "⚠️  Ambiguous: %s\n", strings.Join(names, ", "))
	}
	if rec.Degraded {
		fmt.Fprintf(w, "⚠️  Semantic index unavailable, keyword scoring only\n")
	}
	if rec.Supersedes != "" {
		fmt.Fprintf(w, "Supersedes: %s\n", rec.Supersedes)
	}
	fmt.Fprintf(w, "Graph snapshot: #%d, %d matched entities\n", rec.SnapshotSeq, len(rec.MatchedEntityIDs))
	if len(rec.RequirementIDs) > 0 {
		fmt.Fprintf(w, "Requirements: %s\n", strings.Join(rec.RequirementIDs, ", "))
	}

	plan := rec.Plan
	effort := plan.EstimatedEffort
	fmt.Fprintf(w, "\nEffort: %s, %.1f days (frontend %.1f, backend %.1f)\n",
		effort.Complexity, effort.TotalDays, effort.FrontendDays, effort.BackendDays)

	for _, area := range []models.TaskArea{models.AreaFrontend, models.AreaBackend, models.AreaTests, models.AreaCompliance} {
		var titles []string
		for _, t := range plan.Tasks {
			if t.Area == area {
				titles = append(titles, t.Title)
			}
		}
		if len(titles) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n%s tasks:\n", strings.ToUpper(string(area[:1]))+string(area[1:]))
		for _, title := range titles {
			fmt.Fprintf(w, "  - %s\n", title)
		}
	}

	if len(plan.Tests) > 0 {
		fmt.Fprintf(w, "\nTest scenarios:\n")
		for _, t := range plan.Tests {
			fmt.Fprintf(w, "  - %s\n", t)
		}
	}
	if len(plan.ComplianceTags) > 0 {
		fmt.Fprintf(w, "\nCompliance: %s\n", strings.Join(plan.ComplianceTags, ", "))
	}
	if len(plan.Gaps) > 0 {
		fmt.Fprintf(w, "\nRelated gaps:\n")
		for _, g := range plan.Gaps {
			fmt.Fprintf(w, "  %s %s %s %s\n", gapEmoji(g.Kind), g.Kind, g.Method, g.Path)
		}
	}
}

func writeChangeRequests(w io.Writer, recs []*models.ChangeRequestRecord) {
	if len(recs) == 0 {
		fmt.Fprintf(w, "No change requests recorded\n")
		return
	}
	for _, rec := range recs {
		marker := ""
		if rec.Ambiguous {
			marker = " (ambiguous)"
		}
		fmt.Fprintf(w, "%s  %s  %-20s %.1fd%s  %s\n",
			rec.CreatedAt.Format("2006-01-02 15:04"),
			rec.ID[:min(8, len(rec.ID))],
			rec.DetectedPattern,
			rec.Plan.EstimatedEffort.TotalDays,
			marker,
			truncate(rec.RawText, 60))
	}
}

func writeSearch(w io.Writer, items []memory.Item) {
	if len(items) == 0 {
		fmt.Fprintf(w, "No matching entities\n")
		return
	}
	for i, it := range items {
		e := it.Entity
		fmt.Fprintf(w, "%2d. %.3f  %-16s %s\n", i+1, it.Score, e.Kind, e.Name)
		fmt.Fprintf(w, "    %s:%d\n", e.Location.File, e.Location.StartLine)
	}
}

func writeStats(w io.Writer, stats *engine.Stats) {
	fmt.Fprintf(w, "📊 fdagent status\n%s\n", rule)
	s := stats.Store
	if s != nil {
		fmt.Fprintf(w, "\nGraph:\n")
		fmt.Fprintf(w, "  entities       %d\n", s.Entities)
		fmt.Fprintf(w, "  relationships  %d\n", s.Relationships)
		fmt.Fprintf(w, "  contracts      %d\n", s.Contracts)
		fmt.Fprintf(w, "  requirements   %d\n", s.Requirements)
		fmt.Fprintf(w, "  scan runs      %d\n", s.Runs)
		if s.LatestRun != nil {
			fmt.Fprintf(w, "  last scan      #%d %s (%s)\n", s.LatestRun.Seq, s.LatestRun.Root,
				s.LatestRun.FinishedAt.Format("2006-01-02 15:04:05"))
		}
		if len(stats.RecentRuns) > 1 {
			fmt.Fprintf(w, "\nRecent scans:\n")
			for _, r := range stats.RecentRuns {
				fmt.Fprintf(w, "  #%-4d %s  %d files, %d diagnostics\n", r.Seq,
					r.FinishedAt.Format("2006-01-02 15:04:05"), r.Files, r.Diagnostics)
			}
		}
		if len(s.ByKind) > 0 {
			fmt.Fprintf(w, "\nBy kind:\n")
			for _, k := range sortedKeys(s.ByKind) {
				fmt.Fprintf(w, "  %-16s %d\n", k, s.ByKind[k])
			}
		}
		if len(s.ByLanguage) > 0 {
			fmt.Fprintf(w, "\nBy language:\n")
			for _, k := range sortedKeys(s.ByLanguage) {
				fmt.Fprintf(w, "  %-16s %d\n", k, s.ByLanguage[k])
			}
		}
		if len(s.ChangeRequests) > 0 {
			fmt.Fprintf(w, "\nChange requests:\n")
			for _, k := range sortedKeys(s.ChangeRequests) {
				fmt.Fprintf(w, "  %-20s %d\n", k, s.ChangeRequests[k])
			}
		}
	}

	fmt.Fprintf(w, "\nSemantic index:\n")
	if stats.IndexModel == "" {
		fmt.Fprintf(w, "  ❌ unavailable\n")
	} else {
		fmt.Fprintf(w, "  model              %s\n", stats.IndexModel)
		fmt.Fprintf(w, "  entities           %d\n", stats.IndexedEntities)
		fmt.Fprintf(w, "  change requests    %d\n", stats.IndexedCRs)
		fmt.Fprintf(w, "  requirements       %d\n", stats.IndexedReqs)
	}
	fmt.Fprintf(w, "\nPatterns: %s\n", strings.Join(stats.Patterns, ", "))
	if stats.Mirror {
		fmt.Fprintf(w, "Neo4j mirror: enabled\n")
	}
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
