// ABOUTME: Tests for manifest parsing, default-filling, and validation.
// ABOUTME: Covers round-trip idempotence, unknown-key preservation, and rejects.

package manifest

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalDoc = `{
	"identity": {"id": "8f14e45f-ceea-467f-a12d-0d6b2f0c3b77", "name": "a1"},
	"controlPlane": {"url": "ws://localhost:18790", "token": "T"},
	"resources": {"provider": "docker-local"},
	"financialControls": {"maxPerDay": 10}
}`

func TestParse_MinimalFillsDefaults(t *testing.T) {
	m, err := Parse([]byte(minimalDoc))
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, m.SchemaVersion)
	assert.Equal(t, "8f14e45f-ceea-467f-a12d-0d6b2f0c3b77", m.Identity.ID)
	assert.Equal(t, "a1", m.Identity.Name)
	assert.Equal(t, "anthropic", m.AgentConfig.ModelProvider)
	assert.Equal(t, 0.7, m.AgentConfig.Temperature)
	assert.Equal(t, 8192, m.AgentConfig.MaxTokens)
	assert.Equal(t, "cpx11", m.Resources.ServerType)
	assert.Equal(t, "docker-local", m.Resources.Provider)
	assert.Equal(t, 30, m.ControlPlane.HeartbeatIntervalSec)
	assert.Equal(t, 300, m.ControlPlane.StatusReportIntervalSec)
	assert.Equal(t, 30, m.Retention.ActionLogDays)
	assert.Equal(t, 10.0, m.FinancialControls.MaxPerDay)
}

func TestParse_EmptyDocumentGetsIdentity(t *testing.T) {
	m, err := Parse([]byte(`{}`))
	require.NoError(t, err)

	_, err = uuid.Parse(m.Identity.ID)
	require.NoError(t, err, "generated identity.id must be a UUID")
	assert.Equal(t, "agent-"+m.Identity.ID[:8], m.Identity.Name)
}

func TestParse_RoundTripIdempotent(t *testing.T) {
	m, err := Parse([]byte(minimalDoc))
	require.NoError(t, err)

	data, err := m.JSON()
	require.NoError(t, err)

	m2, err := Parse(data)
	require.NoError(t, err)

	data2, err := m2.JSON()
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(data2))
}

func TestParse_UnknownKeysPreservedInMetadata(t *testing.T) {
	doc := `{
		"identity": {"id": "8f14e45f-ceea-467f-a12d-0d6b2f0c3b77"},
		"experimental": {"flag": true},
		"notes": "keep me"
	}`
	m, err := Parse([]byte(doc))
	require.NoError(t, err)

	require.Contains(t, m.Metadata, "experimental")
	assert.Equal(t, "keep me", m.Metadata["notes"])
}

func TestParse_YAMLInput(t *testing.T) {
	doc := `
identity:
  id: 8f14e45f-ceea-467f-a12d-0d6b2f0c3b77
  name: yamlagent
goals:
  - description: ship it
    priority: 2
`
	m, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "yamlagent", m.Identity.Name)
	require.Len(t, m.Goals, 1)
	assert.Equal(t, 2, m.Goals[0].Priority)
	assert.NotEmpty(t, m.Goals[0].ID)
}

func TestParse_Rejections(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		path string
	}{
		{
			name: "non-uuid identity",
			doc:  `{"identity": {"id": "not-a-uuid"}}`,
			path: "identity.id",
		},
		{
			name: "priority out of range",
			doc:  `{"goals": [{"description": "x", "priority": 9}]}`,
			path: "goals[0].priority",
		},
		{
			name: "negative spend cap",
			doc:  `{"financialControls": {"maxPerDay": -1}}`,
			path: "financialControls.maxPerDay",
		},
		{
			name: "bad control plane URL",
			doc:  `{"controlPlane": {"url": "not a url"}}`,
			path: "controlPlane.url",
		},
		{
			name: "bad knowledge URL",
			doc:  `{"knowledge": {"urls": ["nope"]}}`,
			path: "knowledge.urls[0]",
		},
		{
			name: "http scheme on control plane",
			doc:  `{"controlPlane": {"url": "http://example.com"}}`,
			path: "controlPlane.url",
		},
		{
			name: "unsupported schema version",
			doc:  `{"schemaVersion": "99"}`,
			path: "schemaVersion",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)

			verr, ok := err.(*ValidationError)
			require.True(t, ok, "expected *ValidationError, got %T", err)

			found := false
			for _, issue := range verr.Issues {
				if issue.Path == tt.path {
					found = true
				}
			}
			assert.True(t, found, "expected an issue at %s, got %v", tt.path, verr.Issues)
		})
	}
}

func TestSafeParse(t *testing.T) {
	ok := SafeParse([]byte(minimalDoc))
	require.True(t, ok.OK)
	require.NotNil(t, ok.Manifest)
	assert.Empty(t, ok.Issues)

	bad := SafeParse([]byte(`{"identity": {"id": "nope"}}`))
	require.False(t, bad.OK)
	assert.Nil(t, bad.Manifest)
	assert.NotEmpty(t, bad.Issues)
}

func TestSafeParse_Garbage(t *testing.T) {
	res := SafeParse([]byte(`{{{`))
	require.False(t, res.OK)
	require.NotEmpty(t, res.Issues)
	assert.Equal(t, "$", res.Issues[0].Path)
}

func TestClone_Independent(t *testing.T) {
	m, err := Parse([]byte(minimalDoc))
	require.NoError(t, err)

	c, err := m.Clone()
	require.NoError(t, err)

	c.Identity.Name = "mutated"
	assert.Equal(t, "a1", m.Identity.Name)
}

func TestManifest_SerializesChannelCredentials(t *testing.T) {
	doc := `{
		"identity": {"id": "8f14e45f-ceea-467f-a12d-0d6b2f0c3b77"},
		"channels": [{"type": "slack", "enabled": true, "credentials": {"botToken": "xoxb-1"}}]
	}`
	m, err := Parse([]byte(doc))
	require.NoError(t, err)

	data, err := m.JSON()
	require.NoError(t, err)

	var round map[string]any
	require.NoError(t, json.Unmarshal(data, &round))
	channels := round["channels"].([]any)
	require.Len(t, channels, 1)
	creds, ok := channels[0].(map[string]any)["credentials"].(map[string]any)
	require.True(t, ok, "channel credentials are serialized")
	assert.Contains(t, creds, "botToken")
}
