package domain

// PriceSample is one observed price for a tracked token.
// Corresponds to price_samples table in ClickHouse.
type PriceSample struct {
	Address     string  // mint address
	TimestampMs int64   // Unix timestamp in milliseconds
	Price       float64 // USD price
	IsFallback  bool    // sample came from synthetic fallback data
}
