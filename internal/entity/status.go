// Structure of the process-wide gateway status flags.

package entity

// GatewayStatus mirrors the backend status document plus local counters.
type GatewayStatus struct {
	RepairMode   bool `json:"repair_mode"`
	Registration bool `json:"registration"`
	Connections  int  `json:"connections"`
	Users        int  `json:"users"`
	CacheHealthy bool `json:"cache_healthy"`
}
