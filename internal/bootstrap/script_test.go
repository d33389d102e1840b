// ABOUTME: Tests for the bootstrap-script generator.
// ABOUTME: Covers conditional stacks, quoting, determinism, and URL rewriting.

package bootstrap

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudycelekli/moltbot/internal/manifest"
)

func parseManifest(t *testing.T, doc string) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Parse([]byte(doc))
	require.NoError(t, err)
	return m
}

func TestGenerate_Minimal(t *testing.T) {
	m := parseManifest(t, `{"identity": {"id": "8f14e45f-ceea-467f-a12d-0d6b2f0c3b77", "name": "a1"}}`)

	script, err := Generate(m)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(script, "#!/usr/bin/env bash\n"))
	assert.Contains(t, script, "set -euo pipefail")
	assert.Contains(t, script, "apt-get update -y")
	assert.Contains(t, script, "deb.nodesource.com/setup_22.x")
	assert.NotContains(t, script, "chromium", "browser stack only installs with webBrowsing")
	assert.NotContains(t, script, "python3-pip", "pip runtime only installs with pipPackages")
	assert.Contains(t, script, "chmod 600 /opt/moltagent/manifest.json")
	assert.Contains(t, script, "systemctl enable moltagent")
	assert.Contains(t, script, "Environment=MOLTAGENT_MANIFEST=/opt/moltagent/manifest.json")
	assert.Contains(t, script, "Environment=MOLTAGENT_ID=8f14e45f-ceea-467f-a12d-0d6b2f0c3b77")
	assert.Contains(t, script, "Restart=always")
}

func TestGenerate_ConditionalStacks(t *testing.T) {
	m := parseManifest(t, `{
		"identity": {"id": "8f14e45f-ceea-467f-a12d-0d6b2f0c3b77"},
		"capabilities": {
			"webBrowsing": true,
			"osPackages": ["ffmpeg"],
			"npmPackages": ["playwright"],
			"pipPackages": ["requests"]
		}
	}`)

	script, err := Generate(m)
	require.NoError(t, err)

	assert.Contains(t, script, "chromium")
	assert.Contains(t, script, "python3-pip")
	assert.Contains(t, script, "'ffmpeg'")
	assert.Contains(t, script, "npm install -g 'playwright'")
	assert.Contains(t, script, "pip3 install --break-system-packages 'requests'")
}

func TestGenerate_ManifestEmbeddedBase64(t *testing.T) {
	m := parseManifest(t, `{"identity": {"id": "8f14e45f-ceea-467f-a12d-0d6b2f0c3b77", "name": "it's-a1"}}`)

	script, err := Generate(m)
	require.NoError(t, err)

	manifestJSON, err := m.JSON()
	require.NoError(t, err)
	encoded := base64.StdEncoding.EncodeToString(manifestJSON)
	assert.Contains(t, script, encoded, "manifest must be base64-encoded on the wire")
	assert.NotContains(t, script, string(manifestJSON), "raw manifest JSON must not be shell-substituted")
}

func TestGenerate_GitRepos(t *testing.T) {
	m := parseManifest(t, `{
		"identity": {"id": "8f14e45f-ceea-467f-a12d-0d6b2f0c3b77"},
		"capabilities": {"gitRepos": [
			{"url": "https://github.com/acme/tools", "branch": "dev", "path": "/srv/tools", "setupCommand": "make install"}
		]}
	}`)

	script, err := Generate(m)
	require.NoError(t, err)

	assert.Contains(t, script, "git clone --branch 'dev' 'https://github.com/acme/tools' '/srv/tools'")
	assert.Contains(t, script, "(cd '/srv/tools' && make install)")
}

func TestGenerate_Deterministic(t *testing.T) {
	m := parseManifest(t, `{"identity": {"id": "8f14e45f-ceea-467f-a12d-0d6b2f0c3b77"}}`)

	a, err := Generate(m)
	require.NoError(t, err)
	b, err := Generate(m)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestGenerate_ReadinessPing(t *testing.T) {
	m := parseManifest(t, `{
		"identity": {"id": "8f14e45f-ceea-467f-a12d-0d6b2f0c3b77"},
		"controlPlane": {"url": "wss://cp.example.com:18790"}
	}`)

	script, err := Generate(m)
	require.NoError(t, err)
	assert.Contains(t, script, "'https://cp.example.com:18790/moltagent/boot-ping'")
	assert.Contains(t, script, "|| true", "readiness ping is best-effort")
}

func TestReadinessURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"ws://localhost:18790", "http://localhost:18790/moltagent/boot-ping"},
		{"wss://cp.example.com", "https://cp.example.com/moltagent/boot-ping"},
		{"ws://host:1?x=1", "http://host:1/moltagent/boot-ping"},
		{"://bad", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, readinessURL(tt.in), tt.in)
	}
}

func TestShQuote(t *testing.T) {
	assert.Equal(t, `'plain'`, shQuote("plain"))
	assert.Equal(t, `'it'\''s'`, shQuote("it's"))
	assert.Equal(t, `'a;rm -rf /'`, shQuote("a;rm -rf /"))
}
