// Package domain defines the session entity shared by the registry,
// detector, launcher and garbage collector.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a recording session.
type Status string

const (
	StatusStarting  Status = "STARTING"
	StatusRecording Status = "RECORDING"
	StatusPaused    Status = "PAUSED"
	StatusStopping  Status = "STOPPING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusInactive  Status = "INACTIVE"
)

// IsValid reports whether s is a known status value.
func (s Status) IsValid() bool {
	switch s {
	case StatusStarting, StatusRecording, StatusPaused, StatusStopping,
		StatusCompleted, StatusFailed, StatusInactive:
		return true
	}
	return false
}

// IsTerminal reports whether s forces the session out of the active set.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusPaused, StatusStopping, StatusCompleted, StatusFailed, StatusInactive:
		return true
	}
	return false
}

// TimeFormat is the wall-clock representation used in API responses.
const TimeFormat = "2006-01-02 15:04:05"

// FormatTime renders t for API responses. Zero times render empty.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(TimeFormat)
}

// Session is a logical recording unit. A primary worker produces chunks
// for it; the control plane may attach a backup worker when the primary
// is deemed failed.
type Session struct {
	ID            string    `json:"id"`
	ClientID      string    `json:"client_id"`
	ClientHost    string    `json:"client_host,omitempty"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	LastChunk     string    `json:"last_chunk,omitempty"`
	RecordingPath string    `json:"recording_path,omitempty"`
	Metadata      string    `json:"metadata,omitempty"`
	Active        bool      `json:"active"`

	BackupContainerID   string `json:"backup_container_id,omitempty"`
	BackupContainerName string `json:"backup_container_name,omitempty"`
}

// IsActive reports whether the session is currently served by a live
// primary: the active flag is set and the status has not left the
// starting/recording phase.
func (s *Session) IsActive() bool {
	return s.Active && (s.Status == StatusStarting || s.Status == StatusRecording)
}

// IsInactive reports whether the last heartbeat is older than threshold
// relative to now.
func (s *Session) IsInactive(threshold time.Duration, now time.Time) bool {
	return s.LastHeartbeat.Before(now.Add(-threshold))
}

// BaseID returns the id up to the first underscore. Chunk objects are
// stored under this prefix regardless of the full session id.
func (s *Session) BaseID() string {
	return BaseID(s.ID)
}

// BaseID extracts the object-store path prefix from a session id.
func BaseID(id string) string {
	if i := strings.Index(id, "_"); i >= 0 {
		return id[:i]
	}
	return id
}

// ParseChunkNumber extracts the numeric index from a chunk label such as
// "0003.mp4". It returns the parsed value and whether the label contained
// any digits.
func ParseChunkNumber(label string) (int, bool) {
	n := 0
	found := false
	for _, r := range label {
		if r < '0' || r > '9' {
			if found {
				break
			}
			continue
		}
		found = true
		n = n*10 + int(r-'0')
	}
	return n, found
}

// NextChunk computes the zero-padded chunk index a backup worker should
// resume at, given the last chunk the primary reported. An unparseable or
// empty label falls back to "0001".
func NextChunk(lastChunk string) string {
	n, ok := ParseChunkNumber(lastChunk)
	if !ok {
		return "0001"
	}
	return fmt.Sprintf("%04d", n+1)
}
