package core

// BidEvent is published after a bid has been accepted and the ledger append
// has committed.
type BidEvent struct {
	Auction  Auction `json:"auction"`
	Bid      Bid     `json:"bid"`
	Previous *Bid    `json:"previous,omitempty"`
}

// CloseEvent is published after an auction reaches a terminal status.
type CloseEvent struct {
	Auction Auction  `json:"auction"`
	Outcome *Outcome `json:"-"`
}
