// Package dispatch decides which ticket a repository's queue should hand to
// an agent next. The policy is deliberately simple: open tickets only,
// lowest order first, ties broken by the caller's original ordering.
package dispatch

import (
	"sort"

	"github.com/autocode-io/autocode/pkg/protocol"
)

// Result describes the head of a repository's work queue.
type Result struct {
	Ticket           *protocol.Ticket `json:"ticket"` // nil when nothing is open
	QueuePosition    int              `json:"queue_position"`
	TotalOpenTickets int              `json:"total_open_tickets"`
}

// NextTicket returns the next ticket to execute from the given set: the open
// ticket with the smallest order. The sort is stable, so tickets sharing an
// order value keep their relative position from the input. An empty open set
// is not an error; the result carries a nil ticket and zero counts.
func NextTicket(tickets []*protocol.Ticket) Result {
	var open []*protocol.Ticket
	for _, t := range tickets {
		if t.Status == protocol.TicketOpen {
			open = append(open, t)
		}
	}
	if len(open) == 0 {
		return Result{}
	}

	sort.SliceStable(open, func(i, j int) bool {
		return open[i].Order < open[j].Order
	})

	return Result{
		Ticket:           open[0],
		QueuePosition:    1,
		TotalOpenTickets: len(open),
	}
}
