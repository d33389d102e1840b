// ABOUTME: Secret redaction for dashboard responses.
// ABOUTME: Tokens and channel credentials never leave the control plane.

package api

import (
	"io"
	"net/http"

	"github.com/rudycelekli/moltbot/internal/fleet"
)

// redactedValue replaces every secret in dashboard output.
const redactedValue = "***"

// maxBodyBytes bounds request bodies on the management surface.
const maxBodyBytes = 1 << 20

// redactRecord blanks secrets in-place on a record copy: the control-plane
// token and every channel credential value.
func redactRecord(rec *fleet.Record) {
	if rec == nil || rec.Manifest == nil {
		return
	}
	if rec.Manifest.ControlPlane.Token != "" {
		rec.Manifest.ControlPlane.Token = redactedValue
	}
	for i := range rec.Manifest.Channels {
		for key := range rec.Manifest.Channels[i].Credentials {
			rec.Manifest.Channels[i].Credentials[key] = redactedValue
		}
	}
}

func readAllLimited(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}
