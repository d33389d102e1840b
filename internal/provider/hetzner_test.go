// ABOUTME: Tests for the cloud backend against an httptest API double.
// ABOUTME: Covers create payload shape, status mapping, list filtering, and error surfacing.

package provider

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudycelekli/moltbot/internal/manifest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testManifest(t *testing.T) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Parse([]byte(`{
		"identity": {"id": "8f14e45f-ceea-467f-a12d-0d6b2f0c3b77", "name": "a1", "ownerId": "owner-1"},
		"resources": {"serverType": "cpx21", "region": "fsn1"}
	}`))
	require.NoError(t, err)
	return m
}

const serverJSON = `{
	"id": 42,
	"name": "moltagent-8f14e45f",
	"status": "initializing",
	"public_net": {"ipv4": {"ip": "198.51.100.7"}, "ipv6": {"ip": "2001:db8::1"}},
	"server_type": {"name": "cpx21"},
	"datacenter": {"location": {"name": "fsn1"}},
	"created": "2026-08-01T10:00:00Z",
	"labels": {"moltagent": "true", "agent-id": "8f14e45f-ceea-467f-a12d-0d6b2f0c3b77", "owner-id": "owner-1"}
}`

func TestHetznerCreate(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/servers", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"server": ` + serverJSON + `}`))
	}))
	defer srv.Close()

	h := NewHetzner("secret", srv.URL, discardLogger())
	inst, err := h.Create(context.Background(), CreateRequest{
		Manifest:        testManifest(t),
		BootstrapScript: "#!/usr/bin/env bash\necho boot\n",
		SSHKeyIDs:       []string{"key-1"},
	})
	require.NoError(t, err)

	assert.Equal(t, "42", inst.ID)
	assert.Equal(t, HetznerName, inst.Provider)
	assert.Equal(t, StatusCreating, inst.Status)
	assert.Equal(t, "198.51.100.7", inst.PublicIPv4)
	assert.Equal(t, "8f14e45f-ceea-467f-a12d-0d6b2f0c3b77", inst.AgentID)

	assert.Equal(t, "moltagent-8f14e45f", captured["name"])
	assert.Equal(t, "cpx21", captured["server_type"])
	assert.Equal(t, true, captured["start_after_create"])
	assert.Contains(t, captured["user_data"], "echo boot")
	labels := captured["labels"].(map[string]any)
	assert.Equal(t, "true", labels["moltagent"])
	assert.Equal(t, "owner-1", labels["owner-id"])
	assert.Equal(t, []any{"key-1"}, captured["ssh_keys"])
}

func TestHetznerCreate_SurfacesUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error": {"message": "server_type not found"}}`))
	}))
	defer srv.Close()

	h := NewHetzner("secret", srv.URL, discardLogger())
	_, err := h.Create(context.Background(), CreateRequest{Manifest: testManifest(t)})
	require.Error(t, err)

	apiErr, ok := err.(*APIError)
	require.True(t, ok, "expected *APIError, got %T", err)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "server_type not found")
}

func TestHetznerStatus_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": {"code": "not_found"}}`))
	}))
	defer srv.Close()

	h := NewHetzner("secret", srv.URL, discardLogger())
	_, err := h.Status(context.Background(), "999")
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestHetznerList_FiltersByLabel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/servers", r.URL.Path)
		require.Equal(t, "moltagent=true", r.URL.Query().Get("label_selector"))
		w.Write([]byte(`{"servers": [` + serverJSON + `]}`))
	}))
	defer srv.Close()

	h := NewHetzner("secret", srv.URL, discardLogger())
	instances, err := h.List(context.Background())
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "42", instances[0].ID)
}

func TestHetznerEnsureSSHKey_Creates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/ssh_keys", r.URL.Path)

		var body map[string]any
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		assert.Equal(t, "moltagent-provision", body["name"])
		assert.Contains(t, body["public_key"], "ssh-ed25519")

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ssh_key": {"id": 77, "name": "moltagent-provision"}}`))
	}))
	defer srv.Close()

	h := NewHetzner("secret", srv.URL, discardLogger())
	id, err := h.EnsureSSHKey(context.Background(), "moltagent-provision", "ssh-ed25519 AAAA test")
	require.NoError(t, err)
	assert.Equal(t, "77", id)
}

func TestHetznerEnsureSSHKey_ConflictResolvesByName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error": {"code": "uniqueness_error"}}`))
		case http.MethodGet:
			require.Equal(t, "moltagent-provision", r.URL.Query().Get("name"))
			w.Write([]byte(`{"ssh_keys": [{"id": 42, "name": "moltagent-provision"}]}`))
		}
	}))
	defer srv.Close()

	h := NewHetzner("secret", srv.URL, discardLogger())
	id, err := h.EnsureSSHKey(context.Background(), "moltagent-provision", "ssh-ed25519 AAAA test")
	require.NoError(t, err)
	assert.Equal(t, "42", id)
}

func TestHetznerEnsureSSHKey_OtherErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error": {"code": "forbidden"}}`))
	}))
	defer srv.Close()

	h := NewHetzner("secret", srv.URL, discardLogger())
	_, err := h.EnsureSSHKey(context.Background(), "moltagent-provision", "ssh-ed25519 AAAA test")
	require.Error(t, err)

	apiErr, ok := err.(*APIError)
	require.True(t, ok)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
}

func TestHetznerDestroy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/servers/42", r.URL.Path)
		w.Write([]byte(`{"action": {"id": 1}}`))
	}))
	defer srv.Close()

	h := NewHetzner("secret", srv.URL, discardLogger())
	require.NoError(t, h.Destroy(context.Background(), "42"))
}
