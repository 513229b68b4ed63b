// Package store persists relay presence and transfer history.
package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PeerStore struct {
	db *gorm.DB
}

func NewPeerStore(db *gorm.DB) *PeerStore {
	return &PeerStore{db: db}
}

// UpsertPeer records peerID as connected from remoteAddr, replacing an older
// registration of the same id.
func (ps *PeerStore) UpsertPeer(ctx context.Context, peerID, remoteAddr string) error {
	peer := Peer{
		PeerID:      peerID,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now().Unix(),
	}
	return ps.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "peer_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"remote_addr", "connected_at"}),
	}).Create(&peer).Error
}

func (ps *PeerStore) DeletePeer(ctx context.Context, peerID string) error {
	return ps.db.WithContext(ctx).Where("peer_id = ?", peerID).Delete(&Peer{}).Error
}

func (ps *PeerStore) GetPeers(ctx context.Context) ([]Peer, error) {
	var peers []Peer
	err := ps.db.WithContext(ctx).Order("peer_id").Find(&peers).Error
	return peers, err
}

// DropAllPeers clears presence left over from a previous run.
func (ps *PeerStore) DropAllPeers(ctx context.Context) error {
	return ps.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&Peer{}).Error
}

type TransferStore struct {
	db *gorm.DB
}

func NewTransferStore(db *gorm.DB) *TransferStore {
	return &TransferStore{db: db}
}

func (ts *TransferStore) CreateTransfer(ctx context.Context, t *Transfer) error {
	if t.CreatedAt == 0 {
		t.CreatedAt = time.Now().Unix()
	}
	return ts.db.WithContext(ctx).Create(t).Error
}

// GetTransfers returns the most recent transfers first. A non-positive limit
// returns all of them.
func (ts *TransferStore) GetTransfers(ctx context.Context, limit int) ([]Transfer, error) {
	q := ts.db.WithContext(ctx).Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var transfers []Transfer
	err := q.Find(&transfers).Error
	return transfers, err
}
