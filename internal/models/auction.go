package models

import (
	"time"

	"github.com/google/uuid"
)

// Auction outcomes reported when an auction is finished.
const (
	OutcomeNoCandidates = "no_candidates" // No (agent, creative) pair survived filtering.
	OutcomeCandidates   = "candidates"    // At least one pair was admitted.
	OutcomeError        = "error"         // The router failed while evaluating the auction.
	OutcomeAbandoned    = "abandoned"     // The connector shut down before the auction finished.
)

// Candidate is an (agent, creative) pair admitted to an auction.
type Candidate struct {
	AgentID       int    `json:"agent_id"`
	Account       string `json:"account,omitempty"`
	CreativeIndex int    `json:"creative_index"` // Index into AgentConfig.Creatives.
	CreativeID    int    `json:"creative_id"`
	ImpID         string `json:"imp_id,omitempty"` // Impression the creative was matched against.
}

// TraceStep records the candidates remaining after one filtering stage.
type TraceStep struct {
	Stage       string            `json:"stage"`
	AgentIDs    []int             `json:"agent_ids"`
	CreativeIDs []int             `json:"creative_ids,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
}

// Auction is the handle passed to the router's auction callbacks. A connector
// creates one per admitted bid request; the router fills in Candidates and
// Outcome before finishing it.
type Auction struct {
	ID         uuid.UUID   `json:"id"`
	Exchange   string      `json:"exchange"` // Name of the connector that admitted the request.
	Request    *BidRequest `json:"request"`
	ReceivedAt time.Time   `json:"received_at"`
	Candidates []Candidate `json:"candidates"`
	Outcome    string      `json:"outcome,omitempty"`
	FinishedAt time.Time   `json:"finished_at,omitempty"`
	// Trace is populated only when debug tracing is enabled.
	Trace []TraceStep `json:"trace,omitempty"`
}

// NewAuction creates an auction for the given exchange and request.
func NewAuction(exchange string, req *BidRequest, now time.Time) *Auction {
	return &Auction{
		ID:         uuid.New(),
		Exchange:   exchange,
		Request:    req,
		ReceivedAt: now,
	}
}

// Duration returns the time between receipt and finish, or zero if unfinished.
func (a *Auction) Duration() time.Duration {
	if a.FinishedAt.IsZero() {
		return 0
	}
	return a.FinishedAt.Sub(a.ReceivedAt)
}
