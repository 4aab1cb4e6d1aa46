package types

import "time"

type RunInfo struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
	SymbolCount int       `json:"symbol_count"`
	Error       string    `json:"error,omitempty"`
}

type TimeframeStatus struct {
	Timeframe     string    `json:"timeframe"`
	Cadence       string    `json:"cadence"`
	Running       bool      `json:"running"`
	LastRun       *RunInfo  `json:"last_run,omitempty"`
	LastCompleted *RunInfo  `json:"last_completed,omitempty"`
	LastCycle     time.Time `json:"last_cycle,omitempty"`
	NextDue       time.Time `json:"next_due"`
	LastError     string    `json:"last_error,omitempty"`
}

type AgentSummary struct {
	ID            int64   `json:"id"`
	Name          string  `json:"name"`
	Archetype     string  `json:"archetype"`
	Timeframe     string  `json:"timeframe"`
	Status        string  `json:"status"`
	Cash          float64 `json:"cash"`
	Equity        float64 `json:"equity"`
	RealizedPnL   float64 `json:"realized_pnl"`
	OpenPositions int     `json:"open_positions"`
	PromptVersion int     `json:"prompt_version"`
}

type StatusResp struct {
	Env         string            `json:"env"`
	Timeframes  []TimeframeStatus `json:"timeframes"`
	Agents      []AgentSummary    `json:"agents"`
	FeedClients int               `json:"feed_clients"`
	ServerTime  time.Time         `json:"server_time"`
}

type RankingsReq struct {
	Timeframe string `path:"tf"`
	Limit     int    `form:"limit,optional"`
}

type HighlightItem struct {
	Indicator string  `json:"indicator"`
	Label     string  `json:"label"`
	Strength  float64 `json:"strength"`
	Text      string  `json:"text"`
}

type RankingItem struct {
	Rank       int             `json:"rank"`
	Symbol     string          `json:"symbol"`
	Score      float64         `json:"score"`
	Confidence int             `json:"confidence"`
	LastClose  float64         `json:"last_close"`
	Highlights []HighlightItem `json:"highlights"`
}

type RankingsResp struct {
	Timeframe  string        `json:"timeframe"`
	RunID      string        `json:"run_id"`
	FinishedAt time.Time     `json:"finished_at"`
	AgeSeconds int64         `json:"age_seconds"`
	Stale      bool          `json:"stale"`
	Rankings   []RankingItem `json:"rankings"`
}

type TriggerRunReq struct {
	Timeframe string `path:"tf"`
}

type TriggerRunResp struct {
	Timeframe    string   `json:"timeframe"`
	Run          RunInfo  `json:"run"`
	Skipped      int      `json:"skipped"`
	CandleClosed bool     `json:"candle_closed"`
	AgentsRun    int      `json:"agents_run"`
	Evolved      []int64  `json:"evolved,omitempty"`
	Reverted     []int64  `json:"reverted,omitempty"`
	SweepClosed  int      `json:"sweep_closed"`
	Errors       []string `json:"errors,omitempty"`
}

type AgentReq struct {
	ID int64 `path:"id"`
}

type UpdatePromptReq struct {
	ID   int64  `path:"id"`
	Text string `json:"text"`
}

type PromptVersionItem struct {
	Version          int       `json:"version"`
	ParentVersion    int       `json:"parent_version,omitempty"`
	Source           string    `json:"source"`
	Text             string    `json:"text"`
	Diff             string    `json:"diff,omitempty"`
	IsActive         bool      `json:"is_active"`
	FlaggedForReview bool      `json:"flagged_for_review"`
	CumulativePnL    float64   `json:"cumulative_pnl"`
	CreatedAt        time.Time `json:"created_at"`
	ActivatedAt      time.Time `json:"activated_at"`
}

type PromptHistoryResp struct {
	AgentID  int64               `json:"agent_id"`
	Versions []PromptVersionItem `json:"versions"`
}

type AgentStatusResp struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}
