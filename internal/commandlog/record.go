// Package commandlog persists operator commands and answers "what was last
// requested" for a device.
package commandlog

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrStoreUnavailable wraps every failure to reach or query the store.
	ErrStoreUnavailable = errors.New("command store unavailable")

	// ErrNotFound is returned when a record id does not exist.
	ErrNotFound = errors.New("command record not found")
)

// Record is one operator intent for a device.
// Neither DeviceID nor Command is validated; unknown values simply never map
// to a wire token.
type Record struct {
	// ID is the insertion order and breaks IssuedAt ties.
	ID       int64     `json:"id"`
	DeviceID string    `json:"device_id"`
	Command  string    `json:"command"`
	IssuedAt time.Time `json:"issued_at"`
}

// Reader returns the current command of a device.
type Reader interface {
	// Latest returns the record with the greatest IssuedAt for deviceID, ties
	// going to the later ID. It returns (nil, nil) when the device has no
	// records, and an error wrapping ErrStoreUnavailable when the store fails.
	Latest(ctx context.Context, deviceID string) (*Record, error)
}

// Writer is the command-issuing side of the log.
type Writer interface {
	// Append adds a record. A zero issuedAt means now.
	Append(ctx context.Context, deviceID, command string, issuedAt time.Time) (*Record, error)

	// Update rewrites the command of an existing record in place.
	Update(ctx context.Context, id int64, command string) (*Record, error)
}

// Log is the full read/write surface used by the API and the CLI.
type Log interface {
	Reader
	Writer

	Get(ctx context.Context, id int64) (*Record, error)
	History(ctx context.Context, deviceID string, limit int) ([]Record, error)
	Devices(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
}
