package classifier

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/brutev/fd-agent/internal/errors"
	"github.com/brutev/fd-agent/internal/semantic"
)

// Template is the implementation outline of a change request pattern.
// Endpoints are written "METHOD /path".
type Template struct {
	Screens         []string `yaml:"screens" json:"screens,omitempty"`
	ModifiedScreens []string `yaml:"modified_screens" json:"modified_screens,omitempty"`
	Widgets         []string `yaml:"widgets" json:"widgets,omitempty"`
	StateComponents []string `yaml:"state_components" json:"state_components,omitempty"`
	Endpoints       []string `yaml:"endpoints" json:"endpoints,omitempty"`
	Models          []string `yaml:"models" json:"models,omitempty"`
	Services        []string `yaml:"services" json:"services,omitempty"`
	Tables          []string `yaml:"tables" json:"tables,omitempty"`
	Tasks           []string `yaml:"tasks" json:"tasks,omitempty"`
	Tests           []string `yaml:"tests" json:"tests,omitempty"`
}

// Pattern is a known kind of change request
type Pattern struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description,omitempty"`
	Keywords    []string `yaml:"keywords" json:"keywords"`
	Threshold   float64  `yaml:"threshold" json:"threshold,omitempty"`
	Frontend    []string `yaml:"frontend" json:"frontend,omitempty"`
	Backend     []string `yaml:"backend" json:"backend,omitempty"`
	Template    Template `yaml:"template" json:"template"`
	Compliance  []string `yaml:"compliance" json:"compliance,omitempty"`
}

// Hints returns the component hints appended to retrieval queries
func (p Pattern) Hints() string {
	return strings.Join(append(append([]string(nil), p.Frontend...), p.Backend...), " ")
}

// Registry holds the known patterns ordered by name
type Registry struct {
	patterns []Pattern
	byName   map[string]int
}

// NewRegistry validates patterns and indexes them by name
func NewRegistry(patterns []Pattern) (*Registry, error) {
	if len(patterns) == 0 {
		return nil, errors.ConfigError("pattern registry is empty")
	}

	r := &Registry{byName: make(map[string]int, len(patterns))}
	for _, p := range patterns {
		p.Name = strings.TrimSpace(p.Name)
		if p.Name == "" {
			return nil, errors.ConfigError("pattern without a name")
		}
		if _, dup := r.byName[p.Name]; dup {
			return nil, errors.ConfigErrorf("duplicate pattern %q", p.Name)
		}
		if len(p.Keywords) == 0 {
			return nil, errors.ConfigErrorf("pattern %q has no keywords", p.Name)
		}
		if p.Threshold < 0 || p.Threshold > 1 {
			return nil, errors.ConfigErrorf("pattern %q threshold %.2f is outside [0,1]", p.Name, p.Threshold)
		}
		r.byName[p.Name] = -1
		r.patterns = append(r.patterns, p)
	}

	sort.Slice(r.patterns, func(i, j int) bool { return r.patterns[i].Name < r.patterns[j].Name })
	for i, p := range r.patterns {
		r.byName[p.Name] = i
	}
	return r, nil
}

// LoadRegistry reads patterns from a YAML file, or returns the built-in
// patterns when path is empty
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return NewRegistry(DefaultPatterns())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.FileSystemErrorf(err, "read patterns %s", path)
	}

	var file struct {
		Patterns []Pattern `yaml:"patterns"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeConfig, errors.SeverityHigh, "parse patterns %s", path)
	}
	return NewRegistry(file.Patterns)
}

// Get returns the named pattern
func (r *Registry) Get(name string) (Pattern, bool) {
	i, ok := r.byName[name]
	if !ok {
		return Pattern{}, false
	}
	return r.patterns[i], true
}

// Patterns returns every pattern ordered by name
func (r *Registry) Patterns() []Pattern {
	return append([]Pattern(nil), r.patterns...)
}

// Names returns every pattern name in order
func (r *Registry) Names() []string {
	names := make([]string, len(r.patterns))
	for i, p := range r.patterns {
		names[i] = p.Name
	}
	return names
}

// Len returns the number of patterns
func (r *Registry) Len() int {
	return len(r.patterns)
}

// documentFrequency counts the patterns using each normalized keyword
func (r *Registry) documentFrequency() map[string]int {
	df := make(map[string]int)
	for _, p := range r.patterns {
		seen := make(map[string]bool)
		for _, kw := range p.Keywords {
			k := keywordKey(kw)
			if k == "" || seen[k] {
				continue
			}
			seen[k] = true
			df[k]++
		}
	}
	return df
}

// keywordKey is the comparable form of a keyword: the stem of a single
// word, or the lowercased words of a phrase joined by one space
func keywordKey(kw string) string {
	words := strings.Fields(strings.ToLower(kw))
	switch len(words) {
	case 0:
		return ""
	case 1:
		return semantic.Stem(words[0])
	}
	return strings.Join(words, " ")
}

func (p Pattern) String() string {
	return fmt.Sprintf("%s(%d keywords)", p.Name, len(p.Keywords))
}

// DefaultPatterns returns the built-in banking change request patterns
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:        "upi_autopay",
			Description: "UPI AutoPay recurring payment mandates",
			Keywords:    []string{"upi", "autopay", "mandate", "recurring", "payments", "merchant"},
			Frontend:    []string{"upi", "payment", "mandate", "recurring"},
			Backend:     []string{"upi", "mandate", "payment", "recurring"},
			Template: Template{
				Screens:         []string{"UPIAutopaySetupPage", "MandateManagementPage"},
				ModifiedScreens: []string{"UPIPaymentPage"},
				Widgets:         []string{"MandateCard", "AutoPayToggle", "FrequencySelector", "AmountLimitInput"},
				StateComponents: []string{"UPIPaymentBloc"},
				Endpoints: []string{
					"POST /api/v1/upi/mandate/create",
					"GET /api/v1/upi/mandate/{mandate_id}",
					"PUT /api/v1/upi/mandate/{mandate_id}/modify",
					"DELETE /api/v1/upi/mandate/{mandate_id}/cancel",
				},
				Models: []string{"UPIMandateRequest", "UPIMandateResponse"},
				Tables: []string{"upi_mandates"},
				Tasks: []string{
					"Mandate validation against NPCI rules",
					"Automatic debit processing",
					"Failure handling and retry logic",
					"Notifications for mandate events",
				},
				Tests: []string{
					"mandate creation with valid parameters",
					"UPI AutoPay setup page UI",
					"complete mandate setup flow",
					"mandate creation API endpoint",
				},
			},
			Compliance: []string{"npci_autopay_guidelines", "rbi_recurring_payments", "customer_consent"},
		},
		{
			Name:        "biometric_auth",
			Description: "Biometric login and transaction verification",
			Keywords:    []string{"biometric", "fingerprint", "face", "authentication", "login"},
			Frontend:    []string{"biometric", "auth", "fingerprint"},
			Backend:     []string{"auth", "biometric", "verification"},
			Template: Template{
				ModifiedScreens: []string{"LoginPage", "TransactionConfirmationPage"},
				StateComponents: []string{"AuthBloc"},
				Services:        []string{"BiometricAuthService"},
				Endpoints: []string{
					"POST /api/v1/auth/biometric/enable",
					"POST /api/v1/auth/biometric/verify",
				},
				Tables: []string{"users"},
				Tasks: []string{
					"Encrypted biometric key storage",
					"Device binding for biometric auth",
					"Fallback to MPIN",
				},
				Tests: []string{
					"biometric authentication service",
					"biometric login UI",
					"biometric fallback mechanisms",
				},
			},
			Compliance: []string{"biometric_data_protection", "device_security_standards"},
		},
		{
			Name:        "kyc_enhancement",
			Description: "Offline Aadhaar KYC and verification upgrades",
			Keywords:    []string{"kyc", "aadhaar", "offline", "xml", "verification"},
			Frontend:    []string{"kyc", "aadhaar", "document"},
			Backend:     []string{"kyc", "aadhaar", "verification"},
			Template: Template{
				Screens:   []string{"OfflineKYCPage"},
				Services:  []string{"AadhaarXMLParser", "AadhaarXMLValidator", "DigitalSignatureVerifier"},
				Endpoints: []string{"POST /api/v1/kyc/aadhaar/offline"},
				Tasks: []string{
					"XML signature verification",
					"Demographic data extraction",
				},
				Tests: []string{
					"offline KYC XML parsing",
					"signature verification failures",
				},
			},
			Compliance: []string{"uidai_offline_kyc", "kyc_data_storage", "audit_trail"},
		},
		{
			Name:        "transaction_limits",
			Description: "KYC-based transaction limits",
			Keywords:    []string{"limit", "transaction", "kyc", "daily", "threshold"},
			Frontend:    []string{"transaction", "limit", "validation"},
			Backend:     []string{"transaction", "limit", "validation"},
			Template: Template{
				ModifiedScreens: []string{"TransactionPages"},
				Widgets:         []string{"LimitDisplayWidget", "KYCUpgradePrompt"},
				Services:        []string{"TransactionLimitService", "KYCLevelValidator"},
				Tasks: []string{
					"KYC-based limit validation on NEFT, RTGS, IMPS and UPI",
					"Limit tiers per KYC level",
				},
				Tests: []string{
					"limit validation per KYC level",
					"KYC upgrade prompt",
				},
			},
			Compliance: []string{"rbi_kyc_guidelines", "aml", "transaction_monitoring"},
		},
		{
			Name:        "tax_statement",
			Description: "Annual tax statement generation",
			Keywords:    []string{"tax", "statement", "itr", "tds", "annual"},
			Frontend:    []string{"statement", "download", "pdf"},
			Backend:     []string{"statement", "tax", "pdf", "generation"},
			Template: Template{
				Screens:   []string{"TaxStatementPage"},
				Services:  []string{"TaxCalculationService", "Form26ASGenerator", "TDSCalculator"},
				Endpoints: []string{"GET /api/v1/statements/tax/{year}"},
				Tasks:     []string{"PDF statement generation"},
				Tests: []string{
					"tax statement generation per year",
					"TDS calculation accuracy",
				},
			},
			Compliance: []string{"income_tax_act", "data_retention"},
		},
	}
}
