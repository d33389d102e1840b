// ABOUTME: Durable SQLite archive of every recorded action beyond the ring buffer.
// ABOUTME: Honors per-agent retention; failures here never block fleet mutations.

package fleet

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rudycelekli/moltbot/internal/protocol"
)

const archiveSchema = `
CREATE TABLE IF NOT EXISTS actions (
	id          TEXT PRIMARY KEY,
	agent_id    TEXT NOT NULL,
	ts          INTEGER NOT NULL,
	category    TEXT NOT NULL,
	summary     TEXT NOT NULL,
	details     TEXT,
	duration_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_actions_agent_ts ON actions(agent_id, ts DESC);
`

// defaultRetentionDays applies when a manifest carries no retention setting.
const defaultRetentionDays = 30

// Archive is the append-mostly action store. The JSON fleet file remains
// authoritative; the archive only outlives the 200-entry ring.
type Archive struct {
	db *sql.DB
}

// OpenArchive opens or creates the archive database at path.
func OpenArchive(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	if _, err := db.Exec(archiveSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing archive schema: %w", err)
	}
	return &Archive{db: db}, nil
}

// Append stores one entry and purges rows past the agent's retention window.
func (a *Archive) Append(agentID string, entry protocol.ActionLogEntry, retentionDays int) error {
	if retentionDays <= 0 {
		retentionDays = defaultRetentionDays
	}

	var details []byte
	if entry.Details != nil {
		var err error
		details, err = json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("encoding details: %w", err)
		}
	}

	_, err := a.db.Exec(
		`INSERT OR REPLACE INTO actions (id, agent_id, ts, category, summary, details, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, agentID, entry.Timestamp.UnixMilli(), string(entry.Category),
		entry.Summary, nullableString(details), entry.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("inserting action: %w", err)
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()
	if _, err := a.db.Exec(`DELETE FROM actions WHERE agent_id = ? AND ts < ?`, agentID, cutoff); err != nil {
		return fmt.Errorf("purging expired actions: %w", err)
	}
	return nil
}

// Page returns one page of the agent's archived entries, newest first.
func (a *Archive) Page(agentID string, limit, offset int) ([]protocol.ActionLogEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := a.db.Query(
		`SELECT id, ts, category, summary, details, duration_ms
		 FROM actions WHERE agent_id = ? ORDER BY ts DESC, id DESC LIMIT ? OFFSET ?`,
		agentID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying archive: %w", err)
	}
	defer rows.Close()

	var out []protocol.ActionLogEntry
	for rows.Next() {
		var entry protocol.ActionLogEntry
		var ts int64
		var category string
		var details sql.NullString
		if err := rows.Scan(&entry.ID, &ts, &category, &entry.Summary, &details, &entry.DurationMS); err != nil {
			return nil, fmt.Errorf("scanning archive row: %w", err)
		}
		entry.Timestamp = time.UnixMilli(ts).UTC()
		entry.Category = protocol.ActionCategory(category)
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &entry.Details); err != nil {
				return nil, fmt.Errorf("decoding details: %w", err)
			}
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// PurgeAgent drops every archived row for an agent. The fleet manager calls
// this when the agent's record is removed.
func (a *Archive) PurgeAgent(agentID string) error {
	_, err := a.db.Exec(`DELETE FROM actions WHERE agent_id = ?`, agentID)
	return err
}

// Close releases the database handle.
func (a *Archive) Close() error {
	return a.db.Close()
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
