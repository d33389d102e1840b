// ABOUTME: Tests for the provider registry and lifecycle state mapping.
// ABOUTME: The cloud backend's HTTP calls are covered in hetzner_test.go.

package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Empty(t, r.Names())

	r.Register(NewDocker(discardLogger()))
	r.Register(NewHetzner("tok", "http://example.invalid", discardLogger()))

	assert.Equal(t, []string{"docker-local", "hetzner"}, r.Names())

	p, ok := r.Get("docker-local")
	assert.True(t, ok)
	assert.Equal(t, DockerName, p.Name())

	_, ok = r.Get("aws")
	assert.False(t, ok)
}

func TestMapHetznerStatus(t *testing.T) {
	tests := []struct {
		in   string
		want Status
	}{
		{"initializing", StatusCreating},
		{"starting", StatusCreating},
		{"running", StatusRunning},
		{"stopping", StatusStopping},
		{"off", StatusStopped},
		{"migrating", StatusError},
		{"deleting", StatusError},
		{"", StatusError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mapHetznerStatus(tt.in), tt.in)
	}
}

func TestMapContainerState(t *testing.T) {
	tests := []struct {
		in   string
		want Status
	}{
		{"created", StatusCreating},
		{"restarting", StatusCreating},
		{"running", StatusRunning},
		{"removing", StatusStopping},
		{"paused", StatusStopping},
		{"exited", StatusStopped},
		{"dead", StatusError},
		{"", StatusError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mapContainerState(tt.in), tt.in)
	}
}

func TestInstanceClone(t *testing.T) {
	inst := &Instance{
		ID:       "1",
		Provider: HetznerName,
		Metadata: map[string]any{"name": "moltagent-abc"},
	}
	c := inst.Clone()
	c.Metadata["name"] = "mutated"
	assert.Equal(t, "moltagent-abc", inst.Metadata["name"])
}
