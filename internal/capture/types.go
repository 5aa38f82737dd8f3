package capture

import (
	"fmt"
	"time"
)

// Phase represents the lifecycle state of a capture job.
type Phase string

// Job phases in lifecycle order. Completed, Failed, and Cancelled are terminal.
const (
	PhaseInitializing   Phase = "initializing"
	PhaseAuthenticating Phase = "authenticating"
	PhaseCapturing      Phase = "capturing"
	PhaseAssembling     Phase = "assembling"
	PhaseDelivering     Phase = "delivering"
	PhaseCompleted      Phase = "completed"
	PhaseFailed         Phase = "failed"
	PhaseCancelled      Phase = "cancelled"
)

var phaseOrder = map[Phase]int{
	PhaseInitializing:   0,
	PhaseAuthenticating: 1,
	PhaseCapturing:      2,
	PhaseAssembling:     3,
	PhaseDelivering:     4,
	PhaseCompleted:      5,
}

// Terminal reports whether no further transitions are possible from p.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// CanTransition reports whether the lifecycle allows moving from p to next.
// Forward moves are allowed one step at a time; any non-terminal phase may
// fail; only authentication and capture may be cancelled.
func (p Phase) CanTransition(next Phase) bool {
	if p.Terminal() {
		return false
	}
	switch next {
	case PhaseFailed:
		return true
	case PhaseCancelled:
		return p == PhaseAuthenticating || p == PhaseCapturing
	}
	from, okFrom := phaseOrder[p]
	to, okTo := phaseOrder[next]
	return okFrom && okTo && to == from+1
}

// Request is an admitted capture request. It is not mutated after admission.
type Request struct {
	RequesterID string  `json:"requester_id"`
	Locator     Locator `json:"locator"`
	// Pages holds the normalized explicit page set; nil means all pages.
	Pages []int `json:"pages,omitempty"`
}

// AllPages reports whether the request asks for the whole document.
func (r Request) AllPages() bool {
	return len(r.Pages) == 0
}

// PageCapture is one raster snapshot of a rendered document page.
type PageCapture struct {
	Number int
	Image  []byte
}

// Captures is an ordered list of page captures keyed uniquely by page number.
type Captures []PageCapture

// Append adds c, rejecting page numbers that are already present or that
// would break ascending order.
func (cs Captures) Append(c PageCapture) (Captures, error) {
	if c.Number <= 0 {
		return cs, fmt.Errorf("invalid page number %d", c.Number)
	}
	if n := len(cs); n > 0 && cs[n-1].Number >= c.Number {
		if cs.Has(c.Number) {
			return cs, fmt.Errorf("duplicate capture for page %d", c.Number)
		}
		return cs, fmt.Errorf("page %d captured out of order after page %d", c.Number, cs[n-1].Number)
	}
	return append(cs, c), nil
}

// Has reports whether page n has been captured.
func (cs Captures) Has(n int) bool {
	for _, c := range cs {
		if c.Number == n {
			return true
		}
	}
	return false
}

// Numbers lists the captured page numbers in order.
func (cs Captures) Numbers() []int {
	out := make([]int, len(cs))
	for i, c := range cs {
		out[i] = c.Number
	}
	return out
}

// Document is the assembled, paginated output.
type Document struct {
	Bytes        []byte
	PageCount    int
	ByteSize     int
	PageNumbers  []int
	PageWidthPx  int
	PageHeightPx int
	ContentType  string
}

// Result is returned for a successfully completed job.
type Result struct {
	JobID       string        `json:"job_id"`
	PageCount   int           `json:"page_count"`
	ByteSize    int           `json:"byte_size"`
	Artifact    []byte        `json:"-"`
	LargeOutput bool          `json:"large_output"`
	Location    string        `json:"location,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// DeliveryMeta describes an artifact (or failure) handed to the delivery collaborator.
type DeliveryMeta struct {
	JobID       string
	RequesterID string
	DocumentID  string
	FileName    string
	ContentType string
	PageCount   int
	ByteSize    int
}

// QueueItem wraps an admitted job ready to run.
type QueueItem struct {
	JobID     string
	Request   Request
	Submitted time.Time
}

// JobRecord is the persisted summary of a terminal job.
type JobRecord struct {
	JobID       string    `json:"job_id"`
	RequesterID string    `json:"requester_id"`
	DocumentID  string    `json:"document_id"`
	Locator     string    `json:"locator"`
	Pages       []int     `json:"pages,omitempty"`
	Phase       Phase     `json:"phase"`
	Kind        Kind      `json:"kind,omitempty"`
	Explanation string    `json:"explanation,omitempty"`
	PageCount   int       `json:"page_count"`
	ByteSize    int       `json:"byte_size"`
	Location    string    `json:"location,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	FinishedAt  time.Time `json:"finished_at"`
}
