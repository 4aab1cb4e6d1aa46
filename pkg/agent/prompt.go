package agent

import "time"

// Source records who produced a prompt version.
type Source string

const (
	SourceInitial Source = "initial"
	SourceAuto    Source = "auto"
	SourceHuman   Source = "human"
)

// Performance is the snapshot stored alongside a prompt switch.
type Performance struct {
	RealizedPnL float64 `json:"realized_pnl"`
	// CumulativePnL is the portfolio's lifetime realized PnL at the snapshot.
	CumulativePnL float64 `json:"cumulative_pnl"`
	Equity        float64 `json:"equity"`
	TradeCount    int     `json:"trade_count"`
	Wins          int     `json:"wins"`
	WinRate       float64 `json:"win_rate"`
}

// PromptVersion is one entry of an agent's append-only prompt history.
type PromptVersion struct {
	ID      int64
	AgentID int64
	Version int
	// ParentVersion is the version that was active when this one was created.
	ParentVersion    int
	Text             string
	Source           Source
	Diff             string
	Performance      Performance
	IsActive         bool
	FlaggedForReview bool
	CreatedAt        time.Time
	// ActivatedAt is when the version last became active.
	ActivatedAt time.Time
}
