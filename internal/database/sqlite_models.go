package hubstatedb

import (
	"time"

	"gorm.io/gorm"
)

// SQLiteSnapshot is one sealed ledger snapshot
type SQLiteSnapshot struct {
	gorm.Model
	StateID     uint64 `gorm:"index"`
	BlockNumber uint64 `gorm:"index"`
	Blob        []byte
}

// SQLiteAuditEvent records the outcome of a ledger mutation
type SQLiteAuditEvent struct {
	gorm.Model
	Session string `gorm:"index"`
	Op      string `gorm:"index"`
	Code    uint32 `gorm:"index"`
	StateID uint64
}

// SQLiteChallenge represents an auth challenge
type SQLiteChallenge struct {
	gorm.Model
	Challenge string `gorm:"uniqueIndex"`
	Hash      string `gorm:"uniqueIndex"`
	Status    string `gorm:"index"` // unused, used, expired
	Npub      string `gorm:"index"`
	UsedAt    *time.Time
	ExpiredAt *time.Time
}

// SQLiteMetadata stores miscellaneous metadata about the hub
type SQLiteMetadata struct {
	gorm.Model
	Key   string `gorm:"uniqueIndex"`
	Value string
}
