package models

// NewTestAgentStore creates a new in-memory agent store for testing
func NewTestAgentStore(agents ...AgentConfig) AgentStore {
	store := NewInMemoryAgentStore()
	_ = store.ReloadAll(agents)
	return store
}

// NewTestBannerRequest builds a single-impression banner request of the given size.
func NewTestBannerRequest(id string, w, h int) *BidRequest {
	return &BidRequest{
		ID: id,
		Imp: []Impression{{
			ID:     "1",
			Banner: &Banner{W: w, H: h},
		}},
	}
}
