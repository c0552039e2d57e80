package hubstatedb

import "time"

const (
	LastScannedBlockKey = "last_scanned_block_height"

	ChallengeUnused  = "unused"
	ChallengeUsed    = "used"
	ChallengeExpired = "expired"
)

type Challenge struct {
	Challenge string    `json:"challenge"`
	Hash      string    `json:"hash"`
	Status    string    `json:"status"` // "unused", "used", "expired"
	Npub      string    `json:"npub"`
	CreatedAt time.Time `json:"created_at"`
	UsedAt    time.Time `json:"used_at,omitempty"`
	ExpiredAt time.Time `json:"expired_at,omitempty"`
}

type Snapshot struct {
	StateID     uint64    `json:"state_id"`
	BlockNumber uint64    `json:"block_number"`
	Blob        []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

type AuditEvent struct {
	Session   string    `json:"session"`
	Op        string    `json:"op"`
	Code      uint32    `json:"code"`
	StateID   uint64    `json:"state_id"`
	CreatedAt time.Time `json:"created_at"`
}
