package domain

import "errors"

var ErrInvalidWindow = errors.New("invalid usage window: start after end")

// UsageWindow is an inclusive [Start, End] range in unix seconds.
type UsageWindow struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

func (w UsageWindow) Validate() error {
	if w.Start > w.End {
		return ErrInvalidWindow
	}
	return nil
}

func (w UsageWindow) Contains(ts int64) bool {
	return ts >= w.Start && ts <= w.End
}

type UsageTotals struct {
	Calls           int     `json:"calls"`
	Credits         float64 `json:"credits"`
	DurationSeconds float64 `json:"duration_secs"`
}

func (t *UsageTotals) Add(o UsageTotals) {
	t.Calls += o.Calls
	t.Credits += o.Credits
	t.DurationSeconds += o.DurationSeconds
}

const (
	UsageSourceAnalytics     = "analytics"
	UsageSourceConversations = "conversations"
)

// UsageReport is what the aggregator returns. Truncated means the totals
// are a lower bound: the page cap was hit or a later page failed.
type UsageReport struct {
	AgentID   string      `json:"agent_id"`
	Window    UsageWindow `json:"window"`
	Totals    UsageTotals `json:"totals"`
	Source    string      `json:"source"`
	Pages     int         `json:"pages"`
	Excluded  int         `json:"excluded"`
	Truncated bool        `json:"truncated"`
}
