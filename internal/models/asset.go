package models

import "time"

// Asset represents a tracked instrument
type Asset struct {
	ID        int64     `json:"id" db:"id"`
	Symbol    string    `json:"symbol" db:"symbol"`
	Name      string    `json:"name" db:"name"`
	AssetType string    `json:"asset_type" db:"asset_type"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// HistoricalPrice is one stored price bar for an asset
type HistoricalPrice struct {
	AssetID   int64     `json:"asset_id" db:"asset_id"`
	Interval  Cadence   `json:"interval" db:"interval"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	Close     float64   `json:"close" db:"close"`
}

// SeriesQuery narrows the price history loaded for a symbol.
// Zero From/To mean unbounded; To is inclusive of the whole day.
type SeriesQuery struct {
	Symbol  string
	From    time.Time
	To      time.Time
	Limit   int
	Cadence Cadence
}
