package web

// Status is the body of /api/status.
type Status struct {
	State        string `json:"state"`
	Uptime       string `json:"uptime"`
	Received     uint64 `json:"received"`
	Printed      uint64 `json:"printed"`
	Filtered     uint64 `json:"filtered"`
	Lost         uint64 `json:"lost"`
	Polls        uint64 `json:"polls"`
	SigmaRules   int    `json:"sigmaRules"`
	SigmaMatches uint64 `json:"sigmaMatches"`
}

// Healthy reports whether the pipeline is delivering events.
func (s Status) Healthy() bool {
	return s.State == "running"
}

// StatusFunc returns a current snapshot.
type StatusFunc func() Status
