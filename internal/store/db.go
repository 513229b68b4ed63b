package store

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Peer is a peer currently registered with the relay.
type Peer struct {
	ID          uint   `gorm:"primaryKey"`
	PeerID      string `gorm:"uniqueIndex;not null"`
	RemoteAddr  string
	ConnectedAt int64
}

type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

type Status string

const (
	StatusComplete  Status = "complete"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Transfer is one finished, cancelled or failed file transfer.
type Transfer struct {
	ID        uint      `gorm:"primaryKey"`
	Direction Direction `gorm:"index"`
	PeerID    string    `gorm:"index"`
	FileName  string
	MimeType  string
	Size      int64
	Status    Status
	Checksum  string
	CreatedAt int64
}

// Open opens the sqlite database at path and migrates the schema. ":memory:"
// gives a private in-memory database.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
		Logger:      logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if err := db.AutoMigrate(&Peer{}, &Transfer{}); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
