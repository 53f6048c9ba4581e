package planner

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brutev/fd-agent/internal/classifier"
	"github.com/brutev/fd-agent/internal/config"
	"github.com/brutev/fd-agent/internal/memory"
	"github.com/brutev/fd-agent/internal/models"
	"github.com/brutev/fd-agent/internal/storage"
)

func pattern(t *testing.T, name string) classifier.Pattern {
	t.Helper()
	registry, err := classifier.NewRegistry(classifier.DefaultPatterns())
	require.NoError(t, err)
	p, ok := registry.Get(name)
	require.True(t, ok)
	return p
}

func endpoint(id, method, path string) models.Entity {
	return models.Entity{ID: id, Kind: models.KindEndpoint, Name: method + " " + path, Language: "python",
		Attributes: map[string]string{models.AttrMethod: method, models.AttrPath: path}}
}

func bundleOf(entities ...models.Entity) *memory.Bundle {
	b := &memory.Bundle{}
	for i, e := range entities {
		b.Items = append(b.Items, memory.Item{Entity: e, Rank: i})
	}
	return b
}

func hasTask(tasks []models.Task, area models.TaskArea, title string) (models.Task, bool) {
	for _, task := range tasks {
		if task.Area == area && task.Title == title {
			return task, true
		}
	}
	return models.Task{}, false
}

func upiInput(t *testing.T) Input {
	create := endpoint("ep-create", "POST", "/api/v1/upi/mandate/create")
	status := endpoint("ep-status", "GET", "/api/v1/upi/mandate/status")
	screen := models.Entity{ID: "w-mandate", Kind: models.KindWidget, Name: "MandateScreen", Language: "dart"}
	testCall := models.Entity{ID: "tc-create", Kind: models.KindClientCall, Name: "POST /api/v1/upi/mandate/create",
		Language: "python", Attributes: map[string]string{models.AttrOrigin: models.OriginTest}}

	snap := storage.NewSnapshot(3, "run-3",
		[]models.Entity{create, status, screen, testCall},
		[]models.Relationship{{SourceID: "ep-create", TargetID: "tc-create", Kind: models.RelTestedBy, Confidence: 1}})

	return Input{
		Text: "Add UPI AutoPay mandate feature for recurring payments",
		Classification: &classifier.Classification{
			Pattern: "upi_autopay",
			Candidates: []models.PatternScore{
				{Pattern: "upi_autopay", Confidence: 0.81, Matched: []string{"upi", "autopay", "mandate"}},
			},
		},
		Patterns: []classifier.Pattern{pattern(t, "upi_autopay")},
		Bundle:   bundleOf(screen, create, status, screen),
		Snapshot: snap,
		Gaps: []models.GapEntry{
			{Kind: models.GapMissingBackend, Method: "GET", Path: "/tax/statement/{}", ContractRef: "tax.get", Refs: []string{"tax.get"}},
			{Kind: models.GapMissingEndpoint, Method: "POST", Path: "/upi/mandate/cancel", ContractRef: "call-cancel", Refs: []string{"call-cancel"}},
		},
		Config: config.Default().Planner,
	}
}

func TestPlanUPIAutopay(t *testing.T) {
	plan := Plan(upiInput(t))

	// three distinct entities fall in the first upi row
	assert.Equal(t, models.Effort{Complexity: "high", FrontendDays: 8.5, BackendDays: 8, TotalDays: 16.5}, plan.EstimatedEffort)

	require.Len(t, plan.Gaps, 1)
	assert.Equal(t, "call-cancel", plan.Gaps[0].ContractRef)

	task, ok := hasTask(plan.Tasks, models.AreaBackend, "Implement missing endpoint POST /upi/mandate/cancel")
	require.True(t, ok)
	assert.Equal(t, SourceGap, task.Source)
	assert.Equal(t, []string{"call-cancel"}, task.EntityIDs)

	task, ok = hasTask(plan.Tasks, models.AreaFrontend, "Create screen UPIAutopaySetupPage")
	require.True(t, ok)
	assert.Equal(t, SourceTemplate, task.Source)

	task, ok = hasTask(plan.Tasks, models.AreaFrontend, "Update widget MandateScreen")
	require.True(t, ok)
	assert.Equal(t, []string{"w-mandate"}, task.EntityIDs)

	_, ok = hasTask(plan.Tasks, models.AreaBackend, "Update endpoint POST /api/v1/upi/mandate/create")
	assert.True(t, ok)
	_, ok = hasTask(plan.Tasks, models.AreaCompliance, "Review compliance: npci_upi_guidelines")
	assert.True(t, ok)

	assert.Equal(t, "mandate creation with valid parameters", plan.Tests[0])
	assert.Contains(t, plan.Tests, "API test for GET /api/v1/upi/mandate/status")
	assert.NotContains(t, plan.Tests, "API test for POST /api/v1/upi/mandate/create")
	assert.Equal(t, []string{"error_handling", "regression"}, plan.Tests[len(plan.Tests)-2:])

	assert.True(t, sort.StringsAreSorted(plan.ComplianceTags))
	assert.Subset(t, plan.ComplianceTags, []string{"audit_logging", "npci_upi_guidelines", "npci_autopay_guidelines", "pci_dss"})
	assert.NotContains(t, plan.ComplianceTags, "income_tax_act_records")
}

func TestPlanAddsAcceptanceCriteria(t *testing.T) {
	in := upiInput(t)
	in.Requirements = []models.Requirement{
		{ID: "brd-1", AcceptanceCriteria: []string{"User can pause a mandate", "mandate creation with valid parameters"}},
		{ID: "brd-2", AcceptanceCriteria: []string{"User can pause a mandate"}},
	}
	plan := Plan(in)

	assert.Equal(t, 1, countOf(plan.Tests, "Acceptance: User can pause a mandate"))
	assert.Contains(t, plan.Tests, "Acceptance: mandate creation with valid parameters")
	assert.Equal(t, []string{"error_handling", "regression"}, plan.Tests[len(plan.Tests)-2:])
}

func countOf(list []string, s string) int {
	n := 0
	for _, v := range list {
		if v == s {
			n++
		}
	}
	return n
}

func TestPlanIsDeterministic(t *testing.T) {
	assert.Equal(t, Plan(upiInput(t)), Plan(upiInput(t)))
}

func TestPlanUnknownPattern(t *testing.T) {
	var entities []models.Entity
	for i := 0; i < 20; i++ {
		entities = append(entities, models.Entity{ID: fmt.Sprintf("w%02d", i), Kind: models.KindWidget, Name: fmt.Sprintf("Carousel%d", i), Language: "dart"})
	}

	plan := Plan(Input{
		Text:           "Refresh the onboarding carousel colours",
		Classification: &classifier.Classification{Pattern: models.PatternUnknown},
		Bundle:         bundleOf(entities...),
		Config:         config.Default().Planner,
	})

	assert.Equal(t, models.Effort{Complexity: "high", FrontendDays: 8, BackendDays: 8, TotalDays: 16}, plan.EstimatedEffort)
	assert.Equal(t, []string{"error_handling", "regression"}, plan.Tests)
	assert.Equal(t, []string{"audit_logging", "data_privacy_dpdp"}, plan.ComplianceTags)
	assert.Empty(t, plan.Gaps)
	assert.NotNil(t, plan.Gaps)
}

func TestPlanAmbiguousUsesEveryCandidate(t *testing.T) {
	plan := Plan(Input{
		Text: "Daily transaction limit based on KYC verification for offline aadhaar",
		Classification: &classifier.Classification{
			Pattern:   "kyc_enhancement",
			Ambiguous: true,
			Candidates: []models.PatternScore{
				{Pattern: "kyc_enhancement", Matched: []string{"kyc"}},
				{Pattern: "transaction_limits", Matched: []string{"limit"}},
			},
		},
		Patterns: []classifier.Pattern{pattern(t, "kyc_enhancement"), pattern(t, "transaction_limits")},
		Config:   config.Default().Planner,
	})

	_, ok := hasTask(plan.Tasks, models.AreaFrontend, "Create screen OfflineKYCPage")
	assert.True(t, ok)
	_, ok = hasTask(plan.Tasks, models.AreaFrontend, "Create widget LimitDisplayWidget")
	assert.True(t, ok)

	// kyc_enhancement's first row (16 days) beats transaction_limits' (8.5)
	assert.Equal(t, 16.0, plan.EstimatedEffort.TotalDays)
	assert.Contains(t, plan.ComplianceTags, "rbi_kyc_master_direction")
	assert.Contains(t, plan.ComplianceTags, "aml")
}

func TestEstimate(t *testing.T) {
	tables := map[string][]config.EffortRow{
		"p": {
			{MaxEntities: 5, Complexity: "low", FrontendDays: 1, BackendDays: 1},
			{MaxEntities: 10, Complexity: "medium", FrontendDays: 2, BackendDays: 3},
			{Complexity: "high", FrontendDays: 5, BackendDays: 5},
		},
		config.DefaultPattern: {
			{Complexity: "flat", FrontendDays: 1, BackendDays: 0.5},
		},
	}

	tests := []struct {
		name     string
		patterns []string
		count    int
		want     models.Effort
	}{
		{"first row inclusive", []string{"p"}, 5, models.Effort{Complexity: "low", FrontendDays: 1, BackendDays: 1, TotalDays: 2}},
		{"second row", []string{"p"}, 6, models.Effort{Complexity: "medium", FrontendDays: 2, BackendDays: 3, TotalDays: 5}},
		{"unbounded row", []string{"p"}, 500, models.Effort{Complexity: "high", FrontendDays: 5, BackendDays: 5, TotalDays: 10}},
		{"unknown pattern", []string{"nope"}, 3, models.Effort{Complexity: "flat", FrontendDays: 1, BackendDays: 0.5, TotalDays: 1.5}},
		{"no pattern", nil, 3, models.Effort{Complexity: "flat", FrontendDays: 1, BackendDays: 0.5, TotalDays: 1.5}},
		{"largest of several", []string{"nope", "p"}, 7, models.Effort{Complexity: "medium", FrontendDays: 2, BackendDays: 3, TotalDays: 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Estimate(tables, tt.patterns, tt.count))
		})
	}

	builtin := Estimate(nil, nil, 1)
	assert.Equal(t, "low", builtin.Complexity)
	assert.Equal(t, 4.0, builtin.TotalDays)
}

func TestRelevantGaps(t *testing.T) {
	gaps := []models.GapEntry{
		{Kind: models.GapMissingEndpoint, Path: "/kyc/verify", ContractRef: "c1", Refs: []string{"c1", "c2"}},
		{Kind: models.GapPossibleMismatch, Path: "/profile", ContractRef: "c9", CandidateRef: "ep1"},
		{Kind: models.GapMissingBackend, Path: "/upi/mandate/pause", ContractRef: "upi.pause"},
		{Kind: models.GapUnusedEndpoint, Path: "/health", ContractRef: "ep-health"},
	}
	entities := []models.Entity{{ID: "c2"}, {ID: "ep1"}}

	got := RelevantGaps(gaps, entities, []string{"Mandate"})
	require.Len(t, got, 3)
	assert.Equal(t, "c1", got[0].ContractRef)
	assert.Equal(t, "c9", got[1].ContractRef)
	assert.Equal(t, "upi.pause", got[2].ContractRef)

	assert.Empty(t, RelevantGaps(gaps, nil, nil))
}
