package contracts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brutev/fd-agent/internal/errors"
)

const upiYAML = `
service: payments
version: v1
owner: upi-team
contracts:
  - id: upi.mandate.create
    method: post
    path: /api/v1/upi/mandate/create
    auth: bearer
    request: MandateCreate
    response: MandateOut
    errors: [INVALID_VPA, LIMIT_EXCEEDED]
  - method: POST
    path: /api/v1/upi/mandate/cancel
    owner: mandates
paths:
  /api/v1/upi/mandates/{id}:
    get:
      operationId: upi.mandate.get
      response: MandateOut
    parameters:
      request: ignored
`

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upi.yaml")
	require.NoError(t, os.WriteFile(path, []byte(upiYAML), 0644))

	got, err := Load(path)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "POST /api/v1/upi/mandate/cancel", got[0].ID)
	assert.Equal(t, "mandates", got[0].Owner)
	assert.Equal(t, "payments", got[0].Service)

	assert.Equal(t, "upi.mandate.create", got[1].ID)
	assert.Equal(t, "POST", got[1].Method)
	assert.Equal(t, "bearer", got[1].Auth)
	assert.Equal(t, []string{"INVALID_VPA", "LIMIT_EXCEEDED"}, got[1].Errors)
	assert.Equal(t, "upi-team", got[1].Owner)
	assert.Equal(t, "v1", got[1].Version)
	assert.Equal(t, path, got[1].Source)

	assert.Equal(t, "upi.mandate.get", got[2].ID)
	assert.Equal(t, "GET", got[2].Method)
	assert.Equal(t, "/api/v1/upi/mandates/{id}", got[2].Path)
}

func TestParseJSONList(t *testing.T) {
	got, err := Parse([]byte(`[{"id": "kyc.verify", "method": "POST", "path": "/kyc/verify", "auth": "otp"}]`))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "kyc.verify", got[0].ID)
	assert.Equal(t, "otp", got[0].Auth)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte(`[{"method": "POST"}]`))
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	_, err = Parse([]byte("- {method: GET, path: /a}\n- {method: get, path: /a}\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("contracts: [unclosed"))
	assert.Error(t, err)

	got, err := Parse([]byte("  \n"))
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.IsType(err, errors.ErrorTypeFileSystem))
}
