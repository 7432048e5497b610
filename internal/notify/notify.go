// Package notify parses the push payload that wakes the app for a call.
//
// Delivery itself belongs to the push provider; this package only defines
// the fields the call machinery consumes.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Call is an inbound call indication.
type Call struct {
	Type       string `json:"type"`
	CameraCode string `json:"cameraCode"`
	Title      string `json:"title,omitempty"`
	Body       string `json:"body,omitempty"`
}

// ParseCall decodes a push payload and checks it is a call indication with a
// camera code. Unknown fields are tolerated: the push payload is owned by the
// notification service and may grow.
func ParseCall(data []byte) (Call, error) {
	var c Call
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&c); err != nil {
		return Call{}, fmt.Errorf("notify: decode payload: %w", err)
	}
	if c.Type != "call" {
		return Call{}, fmt.Errorf("notify: payload type %q is not a call", c.Type)
	}
	if c.CameraCode == "" {
		return Call{}, fmt.Errorf("notify: call payload missing cameraCode")
	}
	return c, nil
}
