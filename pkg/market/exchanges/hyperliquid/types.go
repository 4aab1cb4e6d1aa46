package hyperliquid

// InfoRequest is the shared envelope for Hyperliquid info endpoint requests.
type InfoRequest struct {
	Type string `json:"type"`
	Req  any    `json:"req,omitempty"`
}

// CandleSnapshotRequest carries parameters for the candleSnapshot request.
type CandleSnapshotRequest struct {
	Coin      string `json:"coin"`
	Interval  string `json:"interval"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime"`
}

// CandleResponse mirrors the payload returned from candleSnapshot requests.
type CandleResponse []struct {
	T      int64   `json:"t"`        // Open timestamp (ms)
	TClose int64   `json:"T"`        // Close timestamp (ms)
	S      string  `json:"s"`        // Symbol
	I      string  `json:"i"`        // Interval
	O      float64 `json:"o,string"` // Open price
	C      float64 `json:"c,string"` // Close price
	H      float64 `json:"h,string"` // High price
	L      float64 `json:"l,string"` // Low price
	V      float64 `json:"v,string"` // Volume
}

// MetaResponse lists the perpetual universe.
type MetaResponse struct {
	Universe []UniverseEntry `json:"universe"`
}

// UniverseEntry enumerates tradable assets on Hyperliquid.
type UniverseEntry struct {
	Name        string  `json:"name"`
	SzDecimals  int     `json:"szDecimals"`
	MaxLeverage float64 `json:"maxLeverage"`
	IsDelisted  bool    `json:"isDelisted"`
}
