package changelog

import "github.com/digdir/erproxy-sync/internal/registry"

// DefaultMaxOffset is the deepest element offset the registry change feed serves
const DefaultMaxOffset = 10000

// Action is what the syncer does after a page has been applied
type Action int

const (
	// Stop ends the run
	Stop Action = iota
	// Follow fetches the page at Decision.URL
	Follow
	// Restart issues a fresh query from the advanced checkpoint at page 0
	Restart
)

// String returns the action name used in logs
func (a Action) String() string {
	switch a {
	case Stop:
		return "stop"
	case Follow:
		return "follow"
	case Restart:
		return "restart"
	default:
		return "unknown"
	}
}

// Decision is the outcome of a PaginationStrategy
type Decision struct {
	Action Action
	// URL is set when Action is Follow
	URL string
}

// PaginationStrategy decides how to continue after an applied page
type PaginationStrategy interface {
	Next(page *registry.ChangePage) Decision
}

// LinkPagination follows next links until the last page
type LinkPagination struct{}

// Next implements PaginationStrategy
func (LinkPagination) Next(page *registry.ChangePage) Decision {
	if next := page.NextURL(); next != "" {
		return Decision{Action: Follow, URL: next}
	}
	return Decision{Action: Stop}
}

// OffsetCapRestart follows next links while the next page stays inside MaxOffset.
// When it would not, the query is restarted from the advanced checkpoint.
type OffsetCapRestart struct {
	MaxOffset int64
}

// Next implements PaginationStrategy
func (s OffsetCapRestart) Next(page *registry.ChangePage) Decision {
	next := page.NextURL()
	if next == "" {
		return Decision{Action: Stop}
	}

	maxOffset := s.MaxOffset
	if maxOffset <= 0 {
		maxOffset = DefaultMaxOffset
	}

	// End offset of the page after this one
	if (page.Page.Number+2)*page.Page.Size > maxOffset {
		return Decision{Action: Restart}
	}
	return Decision{Action: Follow, URL: next}
}
