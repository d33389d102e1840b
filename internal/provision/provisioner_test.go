// ABOUTME: Tests for the provisioner's lifecycle orchestration and index.
// ABOUTME: Uses an in-memory fake backend; no real provider is touched.

package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudycelekli/moltbot/internal/manifest"
	"github.com/rudycelekli/moltbot/internal/provider"
)

// fakeProvider is an in-memory Provider double.
type fakeProvider struct {
	name        string
	created     []provider.CreateRequest
	instances   map[string]*provider.Instance
	failStatus  error
	failCreate  error
	failDestroy error
	nextID      int
}

func newFakeProvider(name string) *fakeProvider {
	return &fakeProvider{name: name, instances: make(map[string]*provider.Instance)}
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Create(_ context.Context, req provider.CreateRequest) (*provider.Instance, error) {
	if f.failCreate != nil {
		return nil, f.failCreate
	}
	f.created = append(f.created, req)
	f.nextID++
	inst := &provider.Instance{
		ID:        fmt.Sprintf("inst-%d", f.nextID),
		Provider:  f.name,
		Status:    provider.StatusCreating,
		CreatedAt: time.Now().UTC(),
		AgentID:   req.Manifest.Identity.ID,
	}
	f.instances[inst.ID] = inst
	return inst, nil
}

func (f *fakeProvider) Destroy(_ context.Context, id string) error {
	if f.failDestroy != nil {
		return f.failDestroy
	}
	if _, ok := f.instances[id]; !ok {
		return provider.ErrInstanceNotFound
	}
	delete(f.instances, id)
	return nil
}

func (f *fakeProvider) Status(_ context.Context, id string) (*provider.Instance, error) {
	if f.failStatus != nil {
		return nil, f.failStatus
	}
	inst, ok := f.instances[id]
	if !ok {
		return nil, provider.ErrInstanceNotFound
	}
	out := inst.Clone()
	out.Status = provider.StatusRunning
	return out, nil
}

func (f *fakeProvider) List(_ context.Context) ([]*provider.Instance, error) {
	out := make([]*provider.Instance, 0, len(f.instances))
	for _, inst := range f.instances {
		out = append(out, inst.Clone())
	}
	return out, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupProvisioner(t *testing.T) (*Provisioner, *fakeProvider) {
	t.Helper()
	fake := newFakeProvider("fake")
	registry := provider.NewRegistry()
	registry.Register(fake)
	return New(registry, "fake", nil, testLogger()), fake
}

func agentManifest(t *testing.T, providerName string) *manifest.Manifest {
	t.Helper()
	doc := `{"identity": {"id": "8f14e45f-ceea-467f-a12d-0d6b2f0c3b77", "name": "a1"}`
	if providerName != "" {
		doc += `, "resources": {"provider": "` + providerName + `"}`
	}
	doc += `}`
	m, err := manifest.Parse([]byte(doc))
	require.NoError(t, err)
	return m
}

func TestProvision_UsesDefaultProvider(t *testing.T) {
	p, fake := setupProvisioner(t)

	inst, err := p.Provision(context.Background(), agentManifest(t, ""), "#!/bin/sh")
	require.NoError(t, err)
	require.Len(t, fake.created, 1)
	assert.Equal(t, "#!/bin/sh", fake.created[0].BootstrapScript)
	assert.Equal(t, "8f14e45f-ceea-467f-a12d-0d6b2f0c3b77", inst.AgentID)

	indexed := p.ListInstances()
	require.Contains(t, indexed, "8f14e45f-ceea-467f-a12d-0d6b2f0c3b77")
}

func TestProvision_UnknownProviderEnumeratesAvailable(t *testing.T) {
	p, _ := setupProvisioner(t)

	_, err := p.Provision(context.Background(), agentManifest(t, "aws"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown provider "aws"`)
	assert.Contains(t, err.Error(), "fake", "error must enumerate available providers")
}

func TestProvision_CreateFailureNotIndexed(t *testing.T) {
	p, fake := setupProvisioner(t)
	fake.failCreate = errors.New("quota exceeded")

	_, err := p.Provision(context.Background(), agentManifest(t, ""), "")
	require.Error(t, err)
	assert.Empty(t, p.ListInstances())
}

func TestDestroy_TwiceReturnsNotFound(t *testing.T) {
	p, _ := setupProvisioner(t)
	m := agentManifest(t, "")

	_, err := p.Provision(context.Background(), m, "")
	require.NoError(t, err)

	require.NoError(t, p.Destroy(context.Background(), m.Identity.ID))

	err = p.Destroy(context.Background(), m.Identity.ID)
	assert.ErrorIs(t, err, ErrAgentNotProvisioned)
}

func TestGetStatus_LiveAndFallback(t *testing.T) {
	p, fake := setupProvisioner(t)
	m := agentManifest(t, "")

	created, err := p.Provision(context.Background(), m, "")
	require.NoError(t, err)
	assert.Equal(t, provider.StatusCreating, created.Status)

	live, err := p.GetStatus(context.Background(), m.Identity.ID)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusRunning, live.Status)

	// Provider goes dark: the last-known snapshot is served.
	fake.failStatus = errors.New("connection refused")
	stale, err := p.GetStatus(context.Background(), m.Identity.ID)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusRunning, stale.Status)
}

func TestGetStatus_Unprovisioned(t *testing.T) {
	p, _ := setupProvisioner(t)
	_, err := p.GetStatus(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrAgentNotProvisioned)
}

func TestRestore_ReindexesAcrossRestart(t *testing.T) {
	p, fake := setupProvisioner(t)
	m := agentManifest(t, "")

	inst, err := p.Provision(context.Background(), m, "")
	require.NoError(t, err)

	// Fresh provisioner simulating a control-plane restart.
	registry := provider.NewRegistry()
	registry.Register(fake)
	p2 := New(registry, "fake", nil, testLogger())
	p2.Restore(m.Identity.ID, inst)

	require.NoError(t, p2.Destroy(context.Background(), m.Identity.ID))
}

func TestGenerateKeypair(t *testing.T) {
	kp, err := GenerateKeypair("moltagent-provision")
	require.NoError(t, err)

	assert.Contains(t, string(kp.PrivatePEM), "OPENSSH PRIVATE KEY")
	assert.True(t, strings.HasPrefix(kp.AuthorizedKey, "ssh-ed25519 "))
	assert.True(t, strings.HasSuffix(kp.AuthorizedKey, " moltagent-provision"))
}

func TestLoadOrCreateKeypair_PersistsAndReloads(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ssh")

	kp, err := LoadOrCreateKeypair(dir, "moltagent-provision")
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, "id_ed25519"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := LoadOrCreateKeypair(dir, "moltagent-provision")
	require.NoError(t, err)
	assert.Equal(t, kp.AuthorizedKey, again.AuthorizedKey, "second load reuses the stored key")
	assert.Equal(t, kp.PrivatePEM, again.PrivatePEM)
}

// uploadingProvider is a fake backend that also accepts SSH keys.
type uploadingProvider struct {
	fakeProvider
	uploadedName string
	uploadedKey  string
	uploads      int
	uploadErr    error
}

func (u *uploadingProvider) EnsureSSHKey(_ context.Context, name, publicKey string) (string, error) {
	if u.uploadErr != nil {
		return "", u.uploadErr
	}
	u.uploads++
	u.uploadedName = name
	u.uploadedKey = publicKey
	return "key-1", nil
}

func setupUploadingProvisioner(t *testing.T) (*Provisioner, *uploadingProvider) {
	t.Helper()
	fake := &uploadingProvider{fakeProvider: *newFakeProvider("fake")}
	registry := provider.NewRegistry()
	registry.Register(fake)

	kp, err := GenerateKeypair("moltagent-provision")
	require.NoError(t, err)
	return New(registry, "fake", kp, testLogger()), fake
}

func TestProvision_UploadsSSHKeyOnce(t *testing.T) {
	p, fake := setupUploadingProvisioner(t)

	_, err := p.Provision(context.Background(), agentManifest(t, ""), "")
	require.NoError(t, err)
	require.Len(t, fake.created, 1)
	assert.Equal(t, []string{"key-1"}, fake.created[0].SSHKeyIDs)
	assert.Equal(t, "moltagent-provision", fake.uploadedName)
	assert.True(t, strings.HasPrefix(fake.uploadedKey, "ssh-ed25519 "))

	// The uploaded key id is cached across provisions.
	m2, err := manifest.Parse([]byte(`{"identity": {"id": "22222222-2222-4222-8222-222222222222", "name": "a2"}}`))
	require.NoError(t, err)
	_, err = p.Provision(context.Background(), m2, "")
	require.NoError(t, err)
	assert.Equal(t, 1, fake.uploads, "key uploads once per backend")
	assert.Equal(t, []string{"key-1"}, fake.created[1].SSHKeyIDs)
}

func TestProvision_KeyUploadFailureIsNotFatal(t *testing.T) {
	p, fake := setupUploadingProvisioner(t)
	fake.uploadErr = errors.New("ssh keys endpoint down")

	_, err := p.Provision(context.Background(), agentManifest(t, ""), "")
	require.NoError(t, err, "provisioning proceeds without the key")
	require.Len(t, fake.created, 1)
	assert.Empty(t, fake.created[0].SSHKeyIDs)
}

func TestProvision_NoKeypairSkipsUpload(t *testing.T) {
	fake := &uploadingProvider{fakeProvider: *newFakeProvider("fake")}
	registry := provider.NewRegistry()
	registry.Register(fake)
	p := New(registry, "fake", nil, testLogger())

	_, err := p.Provision(context.Background(), agentManifest(t, ""), "")
	require.NoError(t, err)
	assert.Zero(t, fake.uploads)
	assert.Empty(t, fake.created[0].SSHKeyIDs)
}
