package store

import (
	"time"

	"github.com/partydeck/server/internal/games"
)

type SessionStatus string

const (
	StatusWaiting  SessionStatus = "waiting"
	StatusActive   SessionStatus = "active"
	StatusFinished SessionStatus = "finished"
)

// Session is the root aggregate: everything else hangs off its id.
type Session struct {
	ID       string        `gorm:"primaryKey" json:"id"`
	JoinCode string        `gorm:"index" json:"joinCode"`
	GameType games.Type    `json:"gameType"`
	HostName string        `json:"hostName"`
	// HostToken is the bearer secret proving host authority; it never
	// appears in snapshots sent to players.
	HostToken string        `json:"-"`
	Status    SessionStatus `gorm:"index" json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// SessionPlayer rows are never deleted in-session; joined_at ordering is
// the turn order for round-based games.
type SessionPlayer struct {
	ID         string    `gorm:"primaryKey" json:"id"`
	SessionID  string    `gorm:"index" json:"sessionId"`
	PlayerName string    `json:"playerName"`
	PlayerData []byte    `gorm:"type:jsonb" json:"playerData,omitempty"`
	JoinedAt   time.Time `json:"joinedAt"`
}

// GameState is the single shared mutable row per session. Version is the
// compare-and-swap counter guarding whole-row replacement.
type GameState struct {
	SessionID string     `gorm:"primaryKey"`
	GameType  games.Type
	State     []byte `gorm:"type:jsonb"`
	Version   int
	UpdatedAt time.Time
}

// RuleSet is the content-addressable-by-name blob store for exported
// King's Cup rule sets.
type RuleSet struct {
	Key       string `gorm:"primaryKey"`
	Encoded   string
	CreatedAt time.Time
	UpdatedAt time.Time
}
