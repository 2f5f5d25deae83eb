// Copyright 2025 Meshnet Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package peerstore persists the registry of known peers. The peerset's
// lifecycle state is deliberately memory-only and rebuilt from live
// transport notifications; the registry only carries configuration-like
// facts (addresses, reserved flags, observed history) across restarts
package peerstore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"
)

type Store struct {
	logger *slog.Logger
	db     *gorm.DB
}

// NewInMemory creates a registry that will not survive a restart
func NewInMemory(logger *slog.Logger) (*Store, error) {
	db, err := gorm.Open(
		sqlite.Open("file::memory:?cache=shared"),
		&gorm.Config{
			Logger: gormlogger.Discard,
		},
	)
	if err != nil {
		return nil, err
	}
	return newStore(db, logger)
}

// NewPersistent creates a registry backed by a sqlite file under the given
// data directory
func NewPersistent(dataDir string, logger *slog.Logger) (*Store, error) {
	if _, err := os.Stat(dataDir); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read data dir: %w", err)
		}
		if err := os.MkdirAll(dataDir, fs.ModePerm); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}
	dbPath := filepath.Join(dataDir, "peers.sqlite")
	db, err := gorm.Open(
		sqlite.Open(dbPath),
		&gorm.Config{
			Logger: gormlogger.Discard,
		},
	)
	if err != nil {
		return nil, err
	}
	return newStore(db, logger)
}

func newStore(db *gorm.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	logger = logger.With("component", "peerstore")
	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&PeerRecord{}); err != nil {
		return nil, err
	}
	return &Store{logger: logger, db: db}, nil
}

// UpsertPeer creates or updates the record identified by PeerID
func (s *Store) UpsertPeer(rec PeerRecord) error {
	var existing PeerRecord
	result := s.db.Where("peer_id = ?", rec.PeerID).First(&existing)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return s.db.Create(&rec).Error
		}
		return result.Error
	}
	rec.ID = existing.ID
	return s.db.Save(&rec).Error
}

// PeerByID looks up a record by peer identity
func (s *Store) PeerByID(peerID string) (PeerRecord, bool, error) {
	var rec PeerRecord
	result := s.db.Where("peer_id = ?", peerID).First(&rec)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return PeerRecord{}, false, nil
		}
		return PeerRecord{}, false, result.Error
	}
	return rec, true, nil
}

// Peers returns all known peer records
func (s *Store) Peers() ([]PeerRecord, error) {
	var recs []PeerRecord
	if result := s.db.Find(&recs); result.Error != nil {
		return nil, result.Error
	}
	return recs, nil
}

// ReservedPeers returns records flagged as reserved
func (s *Store) ReservedPeers() ([]PeerRecord, error) {
	var recs []PeerRecord
	if result := s.db.Where("reserved = ?", true).Find(&recs); result.Error != nil {
		return nil, result.Error
	}
	return recs, nil
}

// SetReserved flips the reserved flag on an existing record
func (s *Store) SetReserved(peerID string, reserved bool) error {
	return s.db.Model(&PeerRecord{}).
		Where("peer_id = ?", peerID).
		Update("reserved", reserved).Error
}

// RecordSeen updates last-seen and clears the failure count for the peer,
// creating the record if needed
func (s *Store) RecordSeen(peerID string, address string, source string) error {
	rec, found, err := s.PeerByID(peerID)
	if err != nil {
		return err
	}
	if !found {
		rec = PeerRecord{
			PeerID: peerID,
			Source: source,
		}
	}
	if address != "" {
		rec.Address = address
	}
	rec.LastSeen = time.Now()
	rec.FailCount = 0
	return s.UpsertPeer(rec)
}

// RecordFailure increments the peer's consecutive failure count
func (s *Store) RecordFailure(peerID string) error {
	return s.db.Model(&PeerRecord{}).
		Where("peer_id = ?", peerID).
		Update("fail_count", gorm.Expr("fail_count + 1")).Error
}

// DeletePeer removes the record for the peer, if any
func (s *Store) DeletePeer(peerID string) error {
	return s.db.Where("peer_id = ?", peerID).Delete(&PeerRecord{}).Error
}
