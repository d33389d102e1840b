// ABOUTME: Generates the first-boot shell script that turns a fresh node into a worker.
// ABOUTME: Pure function of the manifest; all substituted values are quoted or base64.

package bootstrap

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/rudycelekli/moltbot/internal/manifest"
)

const (
	// ManifestPath is the canonical on-node location of the manifest.
	ManifestPath = "/opt/moltagent/manifest.json"

	// GatewayPort is the fixed local port the worker runtime binds.
	GatewayPort = 18789

	// nodeMajor pins the language runtime installed on the node.
	nodeMajor = "22"

	// workerPackage is the globally installed worker runtime.
	workerPackage = "@moltagent/worker@1"
)

// basePackages are always installed before anything else.
var basePackages = []string{
	"curl", "ca-certificates", "git", "jq", "unzip", "build-essential",
}

// browserPackages provide the headless browser stack.
var browserPackages = []string{
	"chromium-browser", "fonts-liberation", "libasound2t64", "libnss3", "libxss1",
}

// Generate renders the self-installing boot script for a manifest. The
// output is deterministic: the same manifest always yields the same script.
func Generate(m *manifest.Manifest) (string, error) {
	manifestJSON, err := m.JSON()
	if err != nil {
		return "", fmt.Errorf("encoding manifest: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(manifestJSON)

	var b strings.Builder
	b.WriteString("#!/usr/bin/env bash\n")
	b.WriteString("set -euo pipefail\n")
	b.WriteString("export DEBIAN_FRONTEND=noninteractive\n\n")

	b.WriteString("# Base system\n")
	b.WriteString("apt-get update -y\n")
	b.WriteString("apt-get install -y " + strings.Join(basePackages, " ") + "\n\n")

	b.WriteString("# Pinned Node.js runtime\n")
	b.WriteString(fmt.Sprintf("curl -fsSL https://deb.nodesource.com/setup_%s.x | bash -\n", nodeMajor))
	b.WriteString("apt-get install -y nodejs\n\n")

	if m.Capabilities.WebBrowsing {
		b.WriteString("# Headless browser stack\n")
		b.WriteString("apt-get install -y " + strings.Join(browserPackages, " ") + " || apt-get install -y chromium\n\n")
	}

	if len(m.Capabilities.PipPackages) > 0 {
		b.WriteString("# Python scripting runtime\n")
		b.WriteString("apt-get install -y python3 python3-pip python3-venv\n\n")
	}

	if len(m.Capabilities.OSPackages) > 0 {
		b.WriteString("# Declared OS packages\n")
		b.WriteString("apt-get install -y")
		for _, pkg := range m.Capabilities.OSPackages {
			b.WriteString(" " + shQuote(pkg))
		}
		b.WriteString("\n\n")
	}

	if len(m.Capabilities.NpmPackages) > 0 {
		b.WriteString("# Declared npm packages\n")
		b.WriteString("npm install -g")
		for _, pkg := range m.Capabilities.NpmPackages {
			b.WriteString(" " + shQuote(pkg))
		}
		b.WriteString("\n\n")
	}

	if len(m.Capabilities.PipPackages) > 0 {
		b.WriteString("# Declared pip packages\n")
		b.WriteString("pip3 install --break-system-packages")
		for _, pkg := range m.Capabilities.PipPackages {
			b.WriteString(" " + shQuote(pkg))
		}
		b.WriteString("\n\n")
	}

	b.WriteString("# Manifest (base64 on the wire to avoid shell-escaping hazards)\n")
	b.WriteString("mkdir -p /opt/moltagent\n")
	b.WriteString(fmt.Sprintf("echo %s | base64 -d > %s\n", shQuote(encoded), ManifestPath))
	b.WriteString(fmt.Sprintf("chmod 600 %s\n\n", ManifestPath))

	for _, repo := range m.Capabilities.GitRepos {
		b.WriteString(fmt.Sprintf("git clone --branch %s %s %s\n",
			shQuote(repo.Branch), shQuote(repo.URL), shQuote(repo.Path)))
		if repo.SetupCommand != "" {
			b.WriteString(fmt.Sprintf("(cd %s && %s)\n", shQuote(repo.Path), repo.SetupCommand))
		}
	}
	if len(m.Capabilities.GitRepos) > 0 {
		b.WriteString("\n")
	}

	b.WriteString("# Worker runtime\n")
	b.WriteString("npm install -g " + shQuote(workerPackage) + "\n\n")

	b.WriteString("# Supervisor unit\n")
	b.WriteString("cat > /etc/systemd/system/moltagent.service <<'UNIT'\n")
	b.WriteString(systemdUnit(m))
	b.WriteString("UNIT\n")
	b.WriteString("systemctl daemon-reload\n")
	b.WriteString("systemctl enable moltagent\n")
	b.WriteString("systemctl start moltagent\n\n")

	if ping := readinessURL(m.ControlPlane.URL); ping != "" {
		b.WriteString("# Best-effort readiness ping\n")
		b.WriteString(fmt.Sprintf("curl -fsS -m 10 -X POST %s -H 'Content-Type: application/json' -d %s || true\n",
			shQuote(ping),
			shQuote(fmt.Sprintf(`{"agentId":%q,"event":"boot"}`, m.Identity.ID))))
	}

	return b.String(), nil
}

// systemdUnit renders the supervisor unit that keeps the worker alive.
func systemdUnit(m *manifest.Manifest) string {
	var b strings.Builder
	b.WriteString("[Unit]\n")
	b.WriteString("Description=MoltAgent worker " + m.Identity.Name + "\n")
	b.WriteString("After=network-online.target\n")
	b.WriteString("Wants=network-online.target\n\n")
	b.WriteString("[Service]\n")
	b.WriteString("ExecStart=/usr/bin/env moltagent-worker\n")
	b.WriteString("Environment=MOLTAGENT_MANIFEST=" + ManifestPath + "\n")
	b.WriteString("Environment=MOLTAGENT_ID=" + m.Identity.ID + "\n")
	b.WriteString(fmt.Sprintf("Environment=MOLTAGENT_GATEWAY_PORT=%d\n", GatewayPort))
	b.WriteString("Restart=always\n")
	b.WriteString("RestartSec=5\n\n")
	b.WriteString("[Install]\n")
	b.WriteString("WantedBy=multi-user.target\n")
	return b.String()
}

// readinessURL rewrites the control-plane WebSocket URL into the HTTP base
// used for the boot ping. Returns "" when the URL does not parse.
func readinessURL(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil || u.Host == "" {
		return ""
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = "/moltagent/boot-ping"
	u.RawQuery = ""
	return u.String()
}

// shQuote single-quotes s for safe interpolation into the script.
func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
