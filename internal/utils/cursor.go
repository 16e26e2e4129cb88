package utils

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"
)

// EventCursor is the opaque keyset cursor for delayed-event listings,
// ordered by (updatedAt, id) descending.
type EventCursor struct {
	UpdatedAt time.Time `json:"updatedAt"`
	ID        string    `json:"id"`
}

func EncodeEventCursor(updatedAt time.Time, id string) (string, error) {
	b, err := json.Marshal(EventCursor{UpdatedAt: updatedAt, ID: id})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func DecodeEventCursor(cursor string) (EventCursor, error) {
	if cursor == "" {
		return EventCursor{}, errors.New("empty cursor")
	}

	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return EventCursor{}, err
	}

	var c EventCursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return EventCursor{}, err
	}
	if c.ID == "" || c.UpdatedAt.IsZero() {
		return EventCursor{}, errors.New("invalid cursor payload")
	}
	return c, nil
}
