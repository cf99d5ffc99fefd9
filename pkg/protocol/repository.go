package protocol

import "time"

// Repository is a Git repository that tickets are tracked against.
// FullName is the GitHub "owner/repo" slug used for issue sync.
type Repository struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	FullName  string    `json:"full_name"`
	URL       string    `json:"url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
