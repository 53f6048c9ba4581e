package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScope(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"Add UPI AutoPay mandates for recurring bills", ScopeFeatureAddition},
		{"Implement biometric login", ScopeFeatureAddition},
		{"Update the KYC flow to ask for PAN", ScopeFeatureModification},
		{"Fixes crash when the mandate list is empty", ScopeBugFix},
		{"Errors on the tax statement page", ScopeBugFix},
		{"RBI regulation on transaction limits", ScopeComplianceUpdate},
		{"Dark theme for the profile screen", ScopeGeneralEnhancement},
		// the first rule wins
		{"Fix the new login error", ScopeFeatureAddition},
		// whole words only
		{"Renew the address book", ScopeGeneralEnhancement},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, Scope(tt.text))
		})
	}
}

func TestPriority(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"URGENT: payments failing", PriorityHigh},
		{"Roll out immediately", PriorityHigh},
		{"Security review of biometric auth", PriorityHigh},
		{"Improve the statement download speed", PriorityMedium},
		{"Optimize mandate polling", PriorityMedium},
		{"Add dark theme", PriorityLow},
		{"", PriorityLow},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, Priority(tt.text))
		})
	}
}
