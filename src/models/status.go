package models

// MRelayStatus answers the status query.
type MRelayStatus struct {
	Status              string `json:"status"`
	GatewayState        string `json:"gatewayState"`
	UpstreamConnected   bool   `json:"upstreamConnected"`
	ActiveSubscriptions int    `json:"activeSubscriptions"`
	ConnectedClients    int    `json:"connectedClients"`
	CachedSnapshots     int    `json:"cachedSnapshots"`
	Alerts              int    `json:"alerts"`
	MarketOpen          bool   `json:"marketOpen"`
	Timestamp           int64  `json:"timestamp"`
}

// MSubscriptionInfo is a read-only view of one multiplexed subscription.
type MSubscriptionInfo struct {
	Symbol    string   `json:"symbol"`
	Handle    int64    `json:"handle"`
	State     string   `json:"state"`
	RefCount  int      `json:"refCount"`
	Consumers []string `json:"consumers"`
}

// MSymbolView is a snapshot plus whether its exchange is in session.
type MSymbolView struct {
	MSnapshot
	MarketOpen bool `json:"marketOpen"`
}
