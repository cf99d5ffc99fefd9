package ticket

import (
	"errors"

	"github.com/autocode-io/autocode/pkg/protocol"
)

// ErrNotFound is returned when a ticket or repository does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an optimistic status transition loses a race
// or violates the transition table, and when linking an already-linked ticket.
var ErrConflict = errors.New("conflict")

// Store is the persistence interface for tickets and repositories.
type Store interface {
	// SaveTicket creates or updates a ticket.
	SaveTicket(t *protocol.Ticket) error
	// GetTicket retrieves a ticket by ID.
	GetTicket(id string) (*protocol.Ticket, error)
	// ListTickets returns tickets matching the filter, ordered by queue
	// position (ascending "order", insertion order for ties).
	ListTickets(filter Filter) ([]*protocol.Ticket, error)
	// DeleteTicket removes a ticket permanently.
	DeleteTicket(id string) error
	// TransitionStatus moves a ticket from one status to another with an
	// optimistic check: the update applies only if the ticket is still in
	// the "from" status. Returns ErrConflict if it is not.
	TransitionStatus(id string, from, to protocol.TicketStatus) error
	// SetStatus forces a ticket's status without a transition check.
	// Used by remote-close sync, where GitHub always wins.
	SetStatus(id string, status protocol.TicketStatus) error
	// LinkIssue associates a ticket with a GitHub issue. A ticket already
	// linked to a different issue returns ErrConflict.
	LinkIssue(id string, issueNumber int, issueURL string) error
	// FindByIssue returns the ticket in a repository carrying the given
	// issue number, or ErrNotFound.
	FindByIssue(repositoryID string, issueNumber int) (*protocol.Ticket, error)

	// SaveRepository creates or updates a repository.
	SaveRepository(r *protocol.Repository) error
	// GetRepository retrieves a repository by ID.
	GetRepository(id string) (*protocol.Repository, error)
	// ListRepositories returns all repositories.
	ListRepositories() ([]*protocol.Repository, error)
	// DeleteRepository removes a repository.
	DeleteRepository(id string) error
}

// Filter constrains ticket list queries.
type Filter struct {
	RepositoryID string
	Status       *protocol.TicketStatus
	Limit        int // 0 = no limit
}
