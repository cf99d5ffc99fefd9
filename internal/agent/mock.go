package agent

import (
	"context"
	"fmt"
)

// MockAgent is a deterministic agent used in tests and when no provider is
// configured. It succeeds unless Fail is set.
type MockAgent struct {
	Fail bool
}

func (a *MockAgent) Name() string { return "mock" }

func (a *MockAgent) Execute(_ context.Context, task Task) (*Result, error) {
	if a.Fail {
		return nil, fmt.Errorf("mock: execution failed for ticket %s", task.TicketID)
	}
	return &Result{
		Summary:     fmt.Sprintf("mock implementation for %q", task.Title),
		ArtifactRef: "mock/" + task.TicketID,
	}, nil
}
