// Package agent defines the execution strategies that attempt to implement
// a ticket. The worker treats them as black boxes: a task goes in, a
// summary of the produced work (or an error) comes out.
package agent

import "context"

// Task is the unit of work handed to an agent.
type Task struct {
	TicketID    string
	Title       string
	Description string
	Repository  string // "owner/repo"
}

// Result is a successful agent execution.
type Result struct {
	Summary     string // human-readable description of what was done
	ArtifactRef string // branch name, commit SHA, or PR URL when available
}

// Agent is an execution strategy for tickets.
type Agent interface {
	Name() string
	Execute(ctx context.Context, task Task) (*Result, error)
}
