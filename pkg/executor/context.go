package executor

import (
	"time"

	"tradefleet/pkg/market"
)

// Context is everything the decision prompt is rendered from.
type Context struct {
	Now       time.Time
	Agent     AgentView
	Timeframe market.Timeframe

	// RankingRunID and RankingAge describe the snapshot set Top and Bottom
	// were read from.
	RankingRunID string
	RankingAge   time.Duration
	Top          []RankedSymbol
	Bottom       []RankedSymbol
	// Confluence is only filled for cross-timeframe agents.
	Confluence []ConfluenceRow

	Candles   []SymbolCandles
	Portfolio PortfolioView
	Memories  []string
	Limits    LimitsView
}

// AgentView is the identity block of the prompt.
type AgentView struct {
	ID            int64
	Name          string
	Archetype     string
	Timeframe     market.Timeframe
	PromptVersion int
}

// RankedSymbol is one ranking row as shown to the model.
type RankedSymbol struct {
	Symbol     string
	Rank       int
	Score      float64
	Confidence int
	LastClose  float64
	Highlights []string
}

// ConfluenceRow compares one symbol across timeframes.
type ConfluenceRow struct {
	Symbol string
	// InTop lists the timeframes whose top set contains the symbol.
	InTop        []market.Timeframe
	Scores       map[market.Timeframe]float64
	AverageScore float64
	Spread       float64
	Label        string
}

// SymbolCandles carries the recent bars of one symbol.
type SymbolCandles struct {
	Symbol  string
	Held    bool
	Candles []market.Candle
}

// PortfolioView is the valued ledger as shown to the model.
type PortfolioView struct {
	Cash        float64
	Equity      float64
	RealizedPnL float64
	Fees        float64
	Positions   []PositionView
}

// PositionView is one open position.
type PositionView struct {
	ID            int64
	Symbol        string
	Direction     string
	EntryPrice    float64
	MarkPrice     float64
	Size          float64
	StopLoss      *float64
	TakeProfit    *float64
	UnrealizedPnL float64
	OpenedAt      time.Time
}

// LimitsView states the risk rules the model is held to.
type LimitsView struct {
	MaxPositionShare float64
	MaxOpenPositions int
	FeeRate          float64
	MaxPositionSize  float64
}
