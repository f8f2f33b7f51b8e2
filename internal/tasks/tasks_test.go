package tasks

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTypedPayloads(t *testing.T) {
	p, err := Decode(TypeSecurityScan, map[string]any{"target": "https://example.com", "depth": 2})
	require.NoError(t, err)
	scan, ok := p.(SecurityScan)
	require.True(t, ok)
	assert.Equal(t, 2, scan.Depth)

	p, err = Decode(TypeAgentDeploy, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, TypeAgentDeploy, p.TaskType())

	p, err = Decode(TypeBuildRefactor, map[string]any{"target": "svc", "approvedFromTaskId": "t1", "requiresApproval": true})
	require.NoError(t, err)
	assert.Equal(t, Gate{RequiresApproval: true, ApprovedFromTaskID: "t1"}, p.Approval())

	p, err = Decode(TypeDemandSummary, nil)
	require.NoError(t, err)
	assert.Equal(t, 24, p.(DemandSummary).Hours())
}

func TestDecodeValidationErrors(t *testing.T) {
	cases := []struct {
		name    string
		typ     string
		payload map[string]any
		field   string
	}{
		{"missing path", TypeDocParse, map[string]any{}, "path"},
		{"bad url", TypeSecurityScan, map[string]any{"target": "not a url"}, "target"},
		{"wrong type", TypeContentGenerate, map[string]any{"topic": "x", "maxWords": "many"}, "maxWords"},
		{"bad environment", TypeAgentDeploy, map[string]any{"environment": "moon"}, "environment"},
		{"milestone title", TypeMilestone, map[string]any{"kind": "deploy"}, "title"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.typ, tc.payload)
			var ve ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode("launch-rockets", nil)
	assert.True(t, errors.Is(err, ErrUnknownType))
	assert.False(t, Known("launch-rockets"))
	assert.True(t, Known(TypeHeartbeat))
}
