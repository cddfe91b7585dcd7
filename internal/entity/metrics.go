// Structure of Relay Metrics Model.

package entity

// PeakUsers is the highest number of distinct users seen online at once.
type PeakUsers struct {
	// Distinct usernames online at the peak
	Count int `json:"count" redis:"count"`
	// Unix seconds of the peak
	Timestamp int64 `json:"timestamp" redis:"timestamp"`
}
