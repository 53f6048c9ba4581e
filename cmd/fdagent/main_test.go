package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"short", "****"},
		{"sk-1234567890abcd", "sk-1...abcd"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, maskSecret(tt.in))
	}
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"analyze"},
		{"gaps"},
		{"cr"},
		{"cr", "revise"},
		{"cr", "show"},
		{"cr", "list"},
		{"search"},
		{"stats"},
		{"contracts", "ingest"},
		{"requirements", "ingest"},
		{"config", "show"},
		{"config", "init"},
		{"serve"},
	} {
		cmd, _, err := rootCmd.Find(path)
		if assert.NoError(t, err, path) {
			assert.Equal(t, path[len(path)-1], cmd.Name())
		}
	}

	flag := analyzeCmd.Flags().Lookup("rebuild")
	if assert.NotNil(t, flag) {
		assert.Equal(t, "false", flag.DefValue)
	}
	assert.NotNil(t, crReviseCmd.Flags().Lookup("pattern"))
	if flag := analyzeCmd.Flags().Lookup("dry-run"); assert.NotNil(t, flag) {
		assert.Equal(t, "false", flag.DefValue)
	}
	if flag := requirementsIngestCmd.Flags().Lookup("priority"); assert.NotNil(t, flag) {
		assert.Equal(t, "P2", flag.DefValue)
	}
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("json"))
}
