package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// WatchOp defines change notification types on the watch stream.
type WatchOp string

const (
	WatchOpPut     WatchOp = "put"
	WatchOpDelete  WatchOp = "delete"
	WatchOpRotated WatchOp = "rotated"
	WatchOpPing    WatchOp = "ping"
)

// WatchEvent is pushed to a subject's watchers after a change. It names the
// record only and never carries ciphertext.
type WatchEvent struct {
	Op            WatchOp   `json:"op"`
	RecordID      string    `json:"record_id,omitempty"`
	KeyGeneration int       `json:"key_generation,omitempty"`
	At            time.Time `json:"at"`
}

// ParseWatchEvent decodes a watch stream frame.
func ParseWatchEvent(data []byte) (*WatchEvent, error) {
	var ev WatchEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("parse watch event: %w", err)
	}
	switch ev.Op {
	case WatchOpPut, WatchOpDelete, WatchOpRotated, WatchOpPing:
	default:
		return nil, fmt.Errorf("parse watch event: unknown op %q", ev.Op)
	}
	return &ev, nil
}
