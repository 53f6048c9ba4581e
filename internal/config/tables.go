package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// EffortRow is one step of a pattern's effort table. The first row whose
// MaxEntities is >= the affected entity count applies; MaxEntities 0 is
// unbounded and must be last.
type EffortRow struct {
	MaxEntities  int     `mapstructure:"max_entities" yaml:"max_entities"`
	Complexity   string  `mapstructure:"complexity" yaml:"complexity"`
	FrontendDays float64 `mapstructure:"frontend_days" yaml:"frontend_days"`
	BackendDays  float64 `mapstructure:"backend_days" yaml:"backend_days"`
}

// ComplianceRule adds Tags when a change request token or an affected
// entity's name/attribute token is in Match. Kinds narrows which entity
// kinds are inspected. A rule with no Match always fires.
type ComplianceRule struct {
	Name  string   `mapstructure:"name" yaml:"name"`
	Match []string `mapstructure:"match" yaml:"match"`
	Kinds []string `mapstructure:"kinds" yaml:"kinds"`
	Tags  []string `mapstructure:"tags" yaml:"tags"`
}

// DefaultPattern keys the effort table used for unknown and ambiguous requests
const DefaultPattern = "default"

// DefaultEffortTable mirrors the per-pattern screen/endpoint weighting the
// planning templates were sized with: new screen 2d, modified screen 1d,
// widget 0.5d, state component 1.5d, endpoint 1.5d, model 0.5d, service 2d,
// table change 1d.
func DefaultEffortTable() map[string][]EffortRow {
	return map[string][]EffortRow{
		"upi_autopay": {
			{MaxEntities: 5, Complexity: "high", FrontendDays: 8.5, BackendDays: 8},
			{MaxEntities: 15, Complexity: "high", FrontendDays: 12.5, BackendDays: 12},
			{Complexity: "high", FrontendDays: 17, BackendDays: 16},
		},
		"biometric_auth": {
			{MaxEntities: 5, Complexity: "medium", FrontendDays: 6.5, BackendDays: 6.5},
			{MaxEntities: 15, Complexity: "high", FrontendDays: 10, BackendDays: 10},
			{Complexity: "high", FrontendDays: 13, BackendDays: 13},
		},
		"kyc_enhancement": {
			{MaxEntities: 5, Complexity: "high", FrontendDays: 7.5, BackendDays: 8.5},
			{MaxEntities: 15, Complexity: "high", FrontendDays: 11.5, BackendDays: 13},
			{Complexity: "high", FrontendDays: 15, BackendDays: 17},
		},
		"transaction_limits": {
			{MaxEntities: 5, Complexity: "medium", FrontendDays: 4, BackendDays: 4.5},
			{MaxEntities: 15, Complexity: "medium", FrontendDays: 6, BackendDays: 7},
			{Complexity: "high", FrontendDays: 8, BackendDays: 9},
		},
		"tax_statement": {
			{MaxEntities: 5, Complexity: "medium", FrontendDays: 4.5, BackendDays: 5.5},
			{MaxEntities: 15, Complexity: "high", FrontendDays: 7, BackendDays: 8},
			{Complexity: "high", FrontendDays: 9, BackendDays: 11},
		},
		DefaultPattern: {
			{MaxEntities: 5, Complexity: "low", FrontendDays: 2, BackendDays: 2},
			{MaxEntities: 15, Complexity: "medium", FrontendDays: 4, BackendDays: 4},
			{Complexity: "high", FrontendDays: 8, BackendDays: 8},
		},
	}
}

// DefaultComplianceRules returns the regulatory tag rules for banking change requests
func DefaultComplianceRules() []ComplianceRule {
	return []ComplianceRule{
		{
			Name: "baseline",
			Tags: []string{"audit_logging", "data_privacy_dpdp"},
		},
		{
			Name:  "kyc",
			Match: []string{"kyc", "ekyc", "ckyc", "aadhaar", "pan", "uidai"},
			Tags:  []string{"rbi_kyc_master_direction", "uidai_authentication_regulations", "pmla_record_keeping"},
		},
		{
			Name:  "biometric",
			Match: []string{"biometric", "fingerprint", "face", "faceid", "touchid", "liveness"},
			Tags:  []string{"biometric_data_protection", "device_binding"},
		},
		{
			Name:  "payment",
			Match: []string{"payment", "upi", "mandate", "autopay", "transfer", "transaction", "neft", "imps", "rtgs", "card"},
			Kinds: []string{"endpoint", "client_call", "model", "service", "state_component"},
			Tags:  []string{"npci_upi_guidelines", "rbi_payment_security", "pci_dss"},
		},
		{
			Name:  "tax",
			Match: []string{"tax", "tds", "itr", "form16"},
			Tags:  []string{"income_tax_act_records"},
		},
	}
}

// plannerTables is the on-disk shape of planner.tables_file
type plannerTables struct {
	Effort          map[string][]EffortRow `yaml:"effort"`
	ComplianceRules []ComplianceRule       `yaml:"compliance_rules"`
	CommonTests     []string               `yaml:"common_tests"`
}

// LoadTables replaces effort and compliance tables with the ones in path.
// Sections missing from the file keep their current values.
func (p *PlannerConfig) LoadTables(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read planner tables %s: %w", path, err)
	}

	var t plannerTables
	if err := yaml.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("failed to parse planner tables %s: %w", path, err)
	}

	if len(t.Effort) > 0 {
		p.Effort = t.Effort
	}
	if len(t.ComplianceRules) > 0 {
		p.ComplianceRules = t.ComplianceRules
	}
	if len(t.CommonTests) > 0 {
		p.CommonTests = t.CommonTests
	}
	return nil
}

// EffortPatterns returns effort table keys in sorted order
func (p *PlannerConfig) EffortPatterns() []string {
	keys := make([]string, 0, len(p.Effort))
	for k := range p.Effort {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
