package models

import "time"

// Kind distinguishes the two partitions of the entity cache.
type Kind int

// Entity kinds.
const (
	KindNode Kind = iota
	KindRelationship
)

func (k Kind) String() string {
	switch k {
	case KindNode:
		return "node"
	case KindRelationship:
		return "relationship"
	default:
		return "unknown"
	}
}

// TxOutcome describes how a transaction ended.
type TxOutcome string

// Transaction outcome constants.
const (
	OutcomeCommitted   TxOutcome = "committed"
	OutcomeRolledBack  TxOutcome = "rolled_back"
	OutcomeAborted     TxOutcome = "aborted"
	OutcomeUnconfirmed TxOutcome = "unconfirmed"
)

// TxRecord summarizes one closed unit of work.
type TxRecord struct {
	ID            uint64    `json:"id" yaml:"id"`
	Mode          string    `json:"mode" yaml:"mode"`
	StartedAt     time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt    time.Time `json:"finished_at" yaml:"finished_at"`
	Outcome       TxOutcome `json:"outcome" yaml:"outcome"`
	Accessed      int       `json:"accessed" yaml:"accessed"`
	Modified      int       `json:"modified" yaml:"modified"`
	DeletedNodes  int       `json:"deleted_nodes" yaml:"deleted_nodes"`
	DeletedRels   int       `json:"deleted_rels" yaml:"deleted_rels"`
	Ping          bool      `json:"ping,omitempty" yaml:"ping,omitempty"`
	Error         string    `json:"error,omitempty" yaml:"error,omitempty"`
}

// Duration returns how long the transaction was open.
func (r TxRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// CacheInfo is the observability surface of one cache partition.
type CacheInfo struct {
	Size     int    `json:"size" yaml:"size"`
	Capacity int    `json:"capacity" yaml:"capacity"`
	Hits     uint64 `json:"hits" yaml:"hits"`
	Misses   uint64 `json:"misses" yaml:"misses"`
}
