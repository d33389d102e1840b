// ABOUTME: Structural validation for incoming manifest documents.
// ABOUTME: Parse and SafeParse entry points returning enumerated issues.

package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Issue is a single structural problem found in an incoming document.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError carries every issue found in one pass over the document.
type ValidationError struct {
	Issues []Issue `json:"issues"`
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "manifest validation failed"
	}
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = issue.Path + ": " + issue.Message
	}
	return "manifest validation failed: " + strings.Join(parts, "; ")
}

// ParseResult is the discriminated outcome of SafeParse.
type ParseResult struct {
	OK       bool
	Manifest *Manifest
	Issues   []Issue
}

// Parse decodes, default-fills, and validates a manifest document. The input
// may be JSON or YAML. On rejection the error is a *ValidationError listing
// every structural issue found.
func Parse(data []byte) (*Manifest, error) {
	raw, err := decodeDocument(data)
	if err != nil {
		return nil, &ValidationError{Issues: []Issue{{Path: "$", Message: err.Error()}}}
	}

	m, extras, err := fromRaw(raw)
	if err != nil {
		return nil, &ValidationError{Issues: []Issue{{Path: "$", Message: err.Error()}}}
	}

	// Unknown top-level keys are accepted and preserved in metadata.
	if len(extras) > 0 {
		if m.Metadata == nil {
			m.Metadata = make(map[string]any, len(extras))
		}
		for k, v := range extras {
			if _, exists := m.Metadata[k]; !exists {
				m.Metadata[k] = v
			}
		}
	}

	m.applyDefaults()

	if issues := m.validate(); len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}
	return m, nil
}

// SafeParse is Parse with a discriminated result instead of an error.
func SafeParse(data []byte) ParseResult {
	m, err := Parse(data)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return ParseResult{OK: false, Issues: verr.Issues}
		}
		return ParseResult{OK: false, Issues: []Issue{{Path: "$", Message: err.Error()}}}
	}
	return ParseResult{OK: true, Manifest: m}
}

// decodeDocument unmarshals JSON directly, falling back to YAML for
// operator-authored manifests.
func decodeDocument(data []byte) (map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err == nil {
		return raw, nil
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("document is neither valid JSON nor YAML: %v", err)
	}
	return raw, nil
}

// fromRaw splits known sections from unknown top-level keys, then decodes the
// known part into a Manifest.
func fromRaw(raw map[string]any) (*Manifest, map[string]any, error) {
	known := make(map[string]any, len(raw))
	extras := make(map[string]any)
	for k, v := range raw {
		if knownKeys[k] {
			known[k] = v
		} else {
			extras[k] = v
		}
	}

	buf, err := json.Marshal(known)
	if err != nil {
		return nil, nil, fmt.Errorf("re-encoding document: %v", err)
	}
	var m Manifest
	if err := json.Unmarshal(buf, &m); err != nil {
		return nil, nil, fmt.Errorf("decoding document: %v", err)
	}
	return &m, extras, nil
}

// validate checks structural constraints after defaults are applied.
// Semantic coherence across sections is left to consumers.
func (m *Manifest) validate() []Issue {
	var issues []Issue

	if m.SchemaVersion != SchemaVersion {
		issues = append(issues, Issue{Path: "schemaVersion", Message: fmt.Sprintf("unsupported schema version %q", m.SchemaVersion)})
	}
	if _, err := uuid.Parse(m.Identity.ID); err != nil {
		issues = append(issues, Issue{Path: "identity.id", Message: "must be a UUID"})
	}
	if m.Identity.Name == "" {
		issues = append(issues, Issue{Path: "identity.name", Message: "must not be empty"})
	}

	if m.AgentConfig.Temperature < 0 || m.AgentConfig.Temperature > 2 {
		issues = append(issues, Issue{Path: "agentConfig.temperature", Message: "must be between 0 and 2"})
	}
	if m.AgentConfig.MaxTokens < 0 {
		issues = append(issues, Issue{Path: "agentConfig.maxTokens", Message: "must be non-negative"})
	}

	if err := checkURL(m.ControlPlane.URL, "ws", "wss"); err != nil {
		issues = append(issues, Issue{Path: "controlPlane.url", Message: err.Error()})
	}
	if m.ControlPlane.HeartbeatIntervalSec <= 0 {
		issues = append(issues, Issue{Path: "controlPlane.heartbeatIntervalSec", Message: "must be positive"})
	}
	if m.ControlPlane.StatusReportIntervalSec <= 0 {
		issues = append(issues, Issue{Path: "controlPlane.statusReportIntervalSec", Message: "must be positive"})
	}

	if m.FinancialControls.MaxPerTransaction < 0 {
		issues = append(issues, Issue{Path: "financialControls.maxPerTransaction", Message: "must be non-negative"})
	}
	if m.FinancialControls.MaxPerDay < 0 {
		issues = append(issues, Issue{Path: "financialControls.maxPerDay", Message: "must be non-negative"})
	}
	if m.FinancialControls.MaxPerMonth < 0 {
		issues = append(issues, Issue{Path: "financialControls.maxPerMonth", Message: "must be non-negative"})
	}

	if m.Retention.ActionLogDays < 0 {
		issues = append(issues, Issue{Path: "retention.actionLogDays", Message: "must be non-negative"})
	}
	if m.Retention.RecordingDays < 0 {
		issues = append(issues, Issue{Path: "retention.recordingDays", Message: "must be non-negative"})
	}

	for i, g := range m.Goals {
		if g.Description == "" {
			issues = append(issues, Issue{Path: fmt.Sprintf("goals[%d].description", i), Message: "must not be empty"})
		}
		if g.Priority < 1 || g.Priority > 5 {
			issues = append(issues, Issue{Path: fmt.Sprintf("goals[%d].priority", i), Message: "must be between 1 and 5"})
		}
	}

	for i, u := range m.Knowledge.URLs {
		if err := checkURL(u, "http", "https"); err != nil {
			issues = append(issues, Issue{Path: fmt.Sprintf("knowledge.urls[%d]", i), Message: err.Error()})
		}
	}

	for i, repo := range m.Capabilities.GitRepos {
		if repo.URL == "" {
			issues = append(issues, Issue{Path: fmt.Sprintf("capabilities.gitRepos[%d].url", i), Message: "must not be empty"})
			continue
		}
		if err := checkURL(repo.URL, "http", "https", "ssh", "git"); err != nil {
			issues = append(issues, Issue{Path: fmt.Sprintf("capabilities.gitRepos[%d].url", i), Message: err.Error()})
		}
	}

	for i, ch := range m.Channels {
		if ch.Type == "" {
			issues = append(issues, Issue{Path: fmt.Sprintf("channels[%d].type", i), Message: "must not be empty"})
		}
	}

	return issues
}

// checkURL validates that s parses as a URL with one of the given schemes.
func checkURL(s string, schemes ...string) error {
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("not a valid URL")
	}
	if u.Host == "" {
		return fmt.Errorf("not a valid URL")
	}
	for _, scheme := range schemes {
		if u.Scheme == scheme {
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
}
