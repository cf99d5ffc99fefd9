package protocol

import "time"

// TicketStatus represents the lifecycle state of a ticket.
type TicketStatus string

const (
	TicketOpen              TicketStatus = "open"
	TicketInProgress        TicketStatus = "in_progress"
	TicketReview            TicketStatus = "review"
	TicketPendingValidation TicketStatus = "pending_validation"
	TicketClosed            TicketStatus = "closed"
)

// Valid reports whether s is a known ticket status.
func (s TicketStatus) Valid() bool {
	switch s {
	case TicketOpen, TicketInProgress, TicketReview, TicketPendingValidation, TicketClosed:
		return true
	}
	return false
}

// TicketType categorizes the kind of work a ticket tracks.
type TicketType string

const (
	TypeFeature       TicketType = "feature"
	TypeBugfix        TicketType = "bugfix"
	TypeRefactor      TicketType = "refactor"
	TypeDocumentation TicketType = "documentation"
)

// Valid reports whether t is a known ticket type.
func (t TicketType) Valid() bool {
	switch t {
	case TypeFeature, TypeBugfix, TypeRefactor, TypeDocumentation:
		return true
	}
	return false
}

// TicketPriority represents the urgency of a ticket.
type TicketPriority string

const (
	PriorityCritical TicketPriority = "critical"
	PriorityHigh     TicketPriority = "high"
	PriorityMedium   TicketPriority = "medium"
	PriorityLow      TicketPriority = "low"
)

// Valid reports whether p is a known priority.
func (p TicketPriority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Ticket is a unit of development work, optionally mirrored to a GitHub issue.
type Ticket struct {
	ID                string         `json:"id"`
	Title             string         `json:"title"`
	Description       string         `json:"description,omitempty"`
	Type              TicketType     `json:"type"`
	Priority          TicketPriority `json:"priority"`
	Status            TicketStatus   `json:"status"`
	Order             int            `json:"order"`
	RepositoryID      string         `json:"repository_id"`
	GitHubIssueNumber int            `json:"github_issue_number,omitempty"`
	GitHubIssueURL    string         `json:"github_issue_url,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	ClosedAt          *time.Time     `json:"closed_at,omitempty"`
}

// Linked reports whether the ticket is associated with a GitHub issue.
func (t *Ticket) Linked() bool {
	return t.GitHubIssueNumber > 0
}

// transitions is the enforced status transition table. Closed is terminal:
// re-opening is not modeled, so no transition leaves it.
var transitions = map[TicketStatus][]TicketStatus{
	TicketOpen:              {TicketInProgress, TicketReview, TicketPendingValidation, TicketClosed},
	TicketInProgress:        {TicketOpen, TicketReview, TicketPendingValidation, TicketClosed},
	TicketReview:            {TicketOpen, TicketInProgress, TicketPendingValidation, TicketClosed},
	TicketPendingValidation: {TicketOpen, TicketInProgress, TicketReview, TicketClosed},
	TicketClosed:            nil,
}

// CanTransition reports whether a ticket may move from one status to another.
// Transitioning a status to itself is always allowed.
func CanTransition(from, to TicketStatus) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
