package protocol

import (
	"encoding/json"
	"fmt"
)

// TaskEnvelope is the message placed on the task queue when a ticket is
// dispatched to an agent. It is immutable once published; delivery is
// at-least-once, so a consumer may see the same envelope more than once.
type TaskEnvelope struct {
	TicketID    string `json:"ticket_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Repository  string `json:"repository"`
	Priority    string `json:"priority"`
	Type        string `json:"type"`
	GitHubToken string `json:"github_token"`
}

// Encode serializes the envelope to its canonical JSON wire form.
func (e *TaskEnvelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses a wire payload into a TaskEnvelope. A ticket_id is
// required; payloads without one are malformed.
func DecodeEnvelope(data []byte) (*TaskEnvelope, error) {
	var e TaskEnvelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("envelope: decode: %w", err)
	}
	if e.TicketID == "" {
		return nil, fmt.Errorf("envelope: missing ticket_id")
	}
	return &e, nil
}
