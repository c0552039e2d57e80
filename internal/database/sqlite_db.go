package hubstatedb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store is the hub's SQLite database
type Store struct {
	DB *gorm.DB
}

// InitSQLiteDB opens (creating if needed) the SQLite database at dbPath
func InitSQLiteDB(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	// Configure GORM to be less verbose
	config := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Error),
	}

	db, err := gorm.Open(sqlite.Open(dbPath), config)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.AutoMigrate(
		&SQLiteSnapshot{},
		&SQLiteAuditEvent{},
		&SQLiteChallenge{},
		&SQLiteMetadata{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveSnapshot stores a sealed ledger snapshot
func (s *Store) SaveSnapshot(snap Snapshot) error {
	return s.DB.Create(&SQLiteSnapshot{
		StateID:     snap.StateID,
		BlockNumber: snap.BlockNumber,
		Blob:        snap.Blob,
	}).Error
}

// LatestSnapshot returns the most recently saved snapshot, or nil when there is none
func (s *Store) LatestSnapshot() (*Snapshot, error) {
	var row SQLiteSnapshot
	err := s.DB.Order("id desc").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		StateID:     row.StateID,
		BlockNumber: row.BlockNumber,
		Blob:        row.Blob,
		CreatedAt:   row.CreatedAt,
	}, nil
}

// PruneSnapshots keeps only the newest keep snapshots
func (s *Store) PruneSnapshots(keep int) error {
	var ids []uint
	if err := s.DB.Model(&SQLiteSnapshot{}).Order("id desc").Pluck("id", &ids).Error; err != nil {
		return err
	}
	if len(ids) <= keep {
		return nil
	}
	return s.DB.Unscoped().Delete(&SQLiteSnapshot{}, ids[keep:]).Error
}

// SetLastScannedBlockHeight sets the last scanned block height
func (s *Store) SetLastScannedBlockHeight(height uint64) error {
	var metadata SQLiteMetadata

	result := s.DB.Where("key = ?", LastScannedBlockKey).First(&metadata)
	if result.Error == nil {
		return s.DB.Model(&metadata).Update("value", strconv.FormatUint(height, 10)).Error
	}
	if !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return result.Error
	}
	return s.DB.Create(&SQLiteMetadata{
		Key:   LastScannedBlockKey,
		Value: strconv.FormatUint(height, 10),
	}).Error
}

// GetLastScannedBlockHeight gets the last scanned block height, 0 when never set
func (s *Store) GetLastScannedBlockHeight() (uint64, error) {
	var metadata SQLiteMetadata

	result := s.DB.Where("key = ?", LastScannedBlockKey).First(&metadata)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, result.Error
	}

	height, err := strconv.ParseUint(metadata.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse block height: %w", err)
	}
	return height, nil
}

// RecordAuditEvent appends one mutation outcome to the audit log
func (s *Store) RecordAuditEvent(ev AuditEvent) error {
	return s.DB.Create(&SQLiteAuditEvent{
		Session: ev.Session,
		Op:      ev.Op,
		Code:    ev.Code,
		StateID: ev.StateID,
	}).Error
}

// RecentAuditEvents returns up to limit events, newest first
func (s *Store) RecentAuditEvents(limit int) ([]AuditEvent, error) {
	var rows []SQLiteAuditEvent
	if err := s.DB.Order("id desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	events := make([]AuditEvent, len(rows))
	for i, row := range rows {
		events[i] = AuditEvent{
			Session:   row.Session,
			Op:        row.Op,
			Code:      row.Code,
			StateID:   row.StateID,
			CreatedAt: row.CreatedAt,
		}
	}
	return events, nil
}

// SaveChallenge saves an authentication challenge
func (s *Store) SaveChallenge(challenge Challenge) error {
	row := SQLiteChallenge{
		Challenge: challenge.Challenge,
		Hash:      challenge.Hash,
		Status:    challenge.Status,
		Npub:      challenge.Npub,
	}
	if !challenge.CreatedAt.IsZero() {
		row.CreatedAt = challenge.CreatedAt
	}
	if !challenge.UsedAt.IsZero() {
		row.UsedAt = &challenge.UsedAt
	}
	if !challenge.ExpiredAt.IsZero() {
		row.ExpiredAt = &challenge.ExpiredAt
	}
	return s.DB.Create(&row).Error
}

// GetChallenge retrieves a challenge by its hash
func (s *Store) GetChallenge(hash string) (*Challenge, error) {
	var row SQLiteChallenge
	if err := s.DB.Where("hash = ?", hash).First(&row).Error; err != nil {
		return nil, err
	}

	challenge := Challenge{
		Challenge: row.Challenge,
		Hash:      row.Hash,
		Status:    row.Status,
		Npub:      row.Npub,
		CreatedAt: row.CreatedAt,
	}
	if row.UsedAt != nil {
		challenge.UsedAt = *row.UsedAt
	}
	if row.ExpiredAt != nil {
		challenge.ExpiredAt = *row.ExpiredAt
	}
	return &challenge, nil
}

// MarkChallengeAsUsed marks an unused challenge as used
func (s *Store) MarkChallengeAsUsed(hash string) error {
	result := s.DB.Model(&SQLiteChallenge{}).
		Where("hash = ? AND status = ?", hash, ChallengeUnused).
		Updates(map[string]interface{}{
			"status":  ChallengeUsed,
			"used_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("challenge not found")
	}
	return nil
}

// ExpireOldChallenges marks unused challenges older than maxAge as expired
func (s *Store) ExpireOldChallenges(maxAge time.Duration) error {
	now := time.Now()
	return s.DB.Model(&SQLiteChallenge{}).
		Where("status = ? AND created_at < ?", ChallengeUnused, now.Add(-maxAge)).
		Updates(map[string]interface{}{
			"status":     ChallengeExpired,
			"expired_at": now,
		}).Error
}
