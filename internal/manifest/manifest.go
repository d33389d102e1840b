// ABOUTME: Declarative manifest describing a deployable MoltAgent worker.
// ABOUTME: Types, defaults, and canonical JSON serialization.

package manifest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the manifest schema version this build reads and writes.
const SchemaVersion = "1"

// knownKeys are the top-level manifest sections. Anything else found in an
// incoming document is preserved under metadata.
var knownKeys = map[string]bool{
	"schemaVersion":     true,
	"identity":          true,
	"agentConfig":       true,
	"capabilities":      true,
	"channels":          true,
	"resources":         true,
	"financialControls": true,
	"controlPlane":      true,
	"retention":         true,
	"goals":             true,
	"knowledge":         true,
	"metadata":          true,
}

// Manifest is the immutable root document describing a worker.
type Manifest struct {
	SchemaVersion     string            `json:"schemaVersion"`
	Identity          Identity          `json:"identity"`
	AgentConfig       AgentConfig       `json:"agentConfig"`
	Capabilities      Capabilities      `json:"capabilities"`
	Channels          []Channel         `json:"channels"`
	Resources         Resources         `json:"resources"`
	FinancialControls FinancialControls `json:"financialControls"`
	ControlPlane      ControlPlane      `json:"controlPlane"`
	Retention         Retention         `json:"retention"`
	Goals             []Goal            `json:"goals"`
	Knowledge         Knowledge         `json:"knowledge"`
	Metadata          map[string]any    `json:"metadata,omitempty"`
}

// Identity names and attributes the worker.
type Identity struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	OwnerID     string   `json:"ownerId,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Avatar      string   `json:"avatar,omitempty"`
	Description string   `json:"description,omitempty"`
}

// ToolDescriptor is an inline tool definition handed to the worker runtime.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// AgentConfig drives the worker's reasoning runtime.
type AgentConfig struct {
	SystemPrompt  string           `json:"systemPrompt,omitempty"`
	ModelProvider string           `json:"modelProvider"`
	ModelName     string           `json:"modelName"`
	Temperature   float64          `json:"temperature"`
	MaxTokens     int              `json:"maxTokens"`
	Skills        []string         `json:"skills,omitempty"`
	Tools         []ToolDescriptor `json:"tools,omitempty"`
}

// GitRepo declares a repository cloned onto the node at first boot.
type GitRepo struct {
	URL          string `json:"url"`
	Branch       string `json:"branch,omitempty"`
	Path         string `json:"path,omitempty"`
	SetupCommand string `json:"setupCommand,omitempty"`
}

// Capabilities are the worker's feature flags and install lists.
type Capabilities struct {
	WebBrowsing   bool      `json:"webBrowsing"`
	CodeExecution bool      `json:"codeExecution"`
	Terminal      bool      `json:"terminal"`
	FileSystem    bool      `json:"fileSystem"`
	GitRepos      []GitRepo `json:"gitRepos,omitempty"`
	OSPackages    []string  `json:"osPackages,omitempty"`
	NpmPackages   []string  `json:"npmPackages,omitempty"`
	PipPackages   []string  `json:"pipPackages,omitempty"`
}

// Channel is a typed credential bag for a messaging adapter.
type Channel struct {
	Type        string            `json:"type"`
	Enabled     bool              `json:"enabled"`
	Credentials map[string]string `json:"credentials,omitempty"`
	Settings    map[string]any    `json:"settings,omitempty"`
}

// Resources selects the VPS shape the worker runs on.
type Resources struct {
	ServerType  string `json:"serverType"`
	Region      string `json:"region"`
	DiskGB      int    `json:"diskGb"`
	DockerImage string `json:"dockerImage"`
	Provider    string `json:"provider,omitempty"`
}

// FinancialControls caps what the worker may spend.
type FinancialControls struct {
	MaxPerTransaction     float64 `json:"maxPerTransaction"`
	MaxPerDay             float64 `json:"maxPerDay"`
	MaxPerMonth           float64 `json:"maxPerMonth"`
	RequireApprovalForAll bool    `json:"requireApprovalForAll"`
	WalletAddress         string  `json:"walletAddress,omitempty"`
}

// ControlPlane tells the worker where and how to dial home.
type ControlPlane struct {
	URL                     string `json:"url"`
	Token                   string `json:"token,omitempty"`
	HeartbeatIntervalSec    int    `json:"heartbeatIntervalSec"`
	StatusReportIntervalSec int    `json:"statusReportIntervalSec"`
}

// Retention bounds how long worker artifacts are kept.
type Retention struct {
	ActionLogDays int  `json:"actionLogDays"`
	RecordingDays int  `json:"recordingDays"`
	LiveStream    bool `json:"liveStream"`
}

// Goal is one ordered objective with measurable key results.
type Goal struct {
	ID          string     `json:"id,omitempty"`
	Description string     `json:"description"`
	Priority    int        `json:"priority"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	KeyResults  []string   `json:"keyResults,omitempty"`
}

// Document is an inline knowledge document.
type Document struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Knowledge seeds the worker's context.
type Knowledge struct {
	URLs      []string   `json:"urls,omitempty"`
	Files     []string   `json:"files,omitempty"`
	Documents []Document `json:"documents,omitempty"`
}

// applyDefaults fills every omitted field with its documented default so a
// partial input still yields a complete manifest.
func (m *Manifest) applyDefaults() {
	if m.SchemaVersion == "" {
		m.SchemaVersion = SchemaVersion
	}
	if m.Identity.ID == "" {
		m.Identity.ID = uuid.New().String()
	}
	if m.Identity.Name == "" {
		m.Identity.Name = "agent-" + shortID(m.Identity.ID)
	}
	if m.AgentConfig.ModelProvider == "" {
		m.AgentConfig.ModelProvider = "anthropic"
	}
	if m.AgentConfig.ModelName == "" {
		m.AgentConfig.ModelName = "claude-sonnet-4-5"
	}
	if m.AgentConfig.Temperature == 0 {
		m.AgentConfig.Temperature = 0.7
	}
	if m.AgentConfig.MaxTokens == 0 {
		m.AgentConfig.MaxTokens = 8192
	}
	if m.Resources.ServerType == "" {
		m.Resources.ServerType = "cpx11"
	}
	if m.Resources.Region == "" {
		m.Resources.Region = "nbg1"
	}
	if m.Resources.DiskGB == 0 {
		m.Resources.DiskGB = 40
	}
	if m.Resources.DockerImage == "" {
		m.Resources.DockerImage = "moltagent/worker:latest"
	}
	if m.ControlPlane.URL == "" {
		m.ControlPlane.URL = "ws://localhost:18790"
	}
	if m.ControlPlane.HeartbeatIntervalSec == 0 {
		m.ControlPlane.HeartbeatIntervalSec = 30
	}
	if m.ControlPlane.StatusReportIntervalSec == 0 {
		m.ControlPlane.StatusReportIntervalSec = 300
	}
	if m.Retention.ActionLogDays == 0 {
		m.Retention.ActionLogDays = 30
	}
	if m.Retention.RecordingDays == 0 {
		m.Retention.RecordingDays = 7
	}
	if m.Channels == nil {
		m.Channels = []Channel{}
	}
	if m.Goals == nil {
		m.Goals = []Goal{}
	}
	for i := range m.Goals {
		if m.Goals[i].ID == "" {
			m.Goals[i].ID = uuid.New().String()
		}
		if m.Goals[i].Priority == 0 {
			m.Goals[i].Priority = 3
		}
	}
	for i := range m.Capabilities.GitRepos {
		if m.Capabilities.GitRepos[i].Branch == "" {
			m.Capabilities.GitRepos[i].Branch = "main"
		}
		if m.Capabilities.GitRepos[i].Path == "" {
			m.Capabilities.GitRepos[i].Path = fmt.Sprintf("/opt/moltagent/repos/repo-%d", i)
		}
	}
}

// shortID returns the first eight characters of an id, used in generated
// names and provider labels.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// ShortID exposes the short form of the worker id for naming.
func (m *Manifest) ShortID() string {
	return shortID(m.Identity.ID)
}

// JSON returns the canonical serialized form of the manifest.
func (m *Manifest) JSON() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("serializing manifest: %w", err)
	}
	return data, nil
}

// Clone returns a deep copy via the canonical serialization.
func (m *Manifest) Clone() (*Manifest, error) {
	data, err := m.JSON()
	if err != nil {
		return nil, err
	}
	var out Manifest
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("cloning manifest: %w", err)
	}
	return &out, nil
}
