// Package store persists sessions, rosters and per-game state rows, and is
// the one place join codes are checked for collisions.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/partydeck/server/internal/games"
	"github.com/partydeck/server/internal/joincode"
)

// ErrNotFound deliberately covers wrong codes, typos and finished
// sessions alike: the caller cannot tell them apart.
var ErrNotFound = errors.New("session not found")

var ErrInvalidCode = errors.New("invalid join code")
var ErrVersionConflict = errors.New("game state was modified concurrently")
var ErrCodeSpaceExhausted = errors.New("could not allocate a free join code")

// codeAttempts bounds the collision-retry loop; with a 32^5 code space a
// handful of retries is already paranoid.
const codeAttempts = 10

type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

func Open(dsn string, log *zap.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&Session{}, &SessionPlayer{}, &GameState{}, &RuleSet{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

// CreateSession allocates a join code unique among waiting and active
// sessions (finished sessions may recycle codes) and writes the session
// in waiting status.
func (s *Store) CreateSession(ctx context.Context, gameType games.Type, hostName string) (*Session, error) {
	var code string
	for i := 0; i < codeAttempts; i++ {
		c, err := joincode.Generate()
		if err != nil {
			return nil, fmt.Errorf("generate join code: %w", err)
		}
		var count int64
		err = s.db.WithContext(ctx).Model(&Session{}).
			Where("join_code = ? AND status IN ?", c, []SessionStatus{StatusWaiting, StatusActive}).
			Count(&count).Error
		if err != nil {
			return nil, fmt.Errorf("check join code: %w", err)
		}
		if count == 0 {
			code = c
			break
		}
		s.log.Info("join code collision, regenerating", zap.String("code", c))
	}
	if code == "" {
		return nil, ErrCodeSpaceExhausted
	}

	session := Session{
		ID:        uuid.NewString(),
		JoinCode:  code,
		GameType:  gameType,
		HostName:  hostName,
		HostToken: uuid.NewString(),
		Status:    StatusWaiting,
	}
	if err := s.db.WithContext(ctx).Create(&session).Error; err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &session, nil
}

func (s *Store) SessionByID(ctx context.Context, id string) (*Session, error) {
	var session Session
	err := s.db.WithContext(ctx).First(&session, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &session, nil
}

// SessionByCode resolves a join code against joinable sessions only.
func (s *Store) SessionByCode(ctx context.Context, code string) (*Session, error) {
	if !joincode.Validate(code) {
		return nil, ErrInvalidCode
	}
	var session Session
	err := s.db.WithContext(ctx).
		Where("join_code = ? AND status IN ?", joincode.Normalize(code), []SessionStatus{StatusWaiting, StatusActive}).
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session by code: %w", err)
	}
	return &session, nil
}

// JoinSession validates the code, finds a joinable session and inserts the
// player. Stale codes and finished sessions both come back as ErrNotFound.
func (s *Store) JoinSession(ctx context.Context, code, playerName string) (*Session, *SessionPlayer, error) {
	session, err := s.SessionByCode(ctx, code)
	if err != nil {
		return nil, nil, err
	}
	player := SessionPlayer{
		ID:         uuid.NewString(),
		SessionID:  session.ID,
		PlayerName: playerName,
		JoinedAt:   time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&player).Error; err != nil {
		return nil, nil, fmt.Errorf("join session: %w", err)
	}
	return session, &player, nil
}

// SetSessionStatus updates the row unconditionally; callers own the
// legality of the transition.
func (s *Store) SetSessionStatus(ctx context.Context, sessionID string, status SessionStatus) error {
	res := s.db.WithContext(ctx).Model(&Session{}).Where("id = ?", sessionID).Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("set session status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Players returns the roster in join order.
func (s *Store) Players(ctx context.Context, sessionID string) ([]SessionPlayer, error) {
	var players []SessionPlayer
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("joined_at asc").
		Find(&players).Error
	if err != nil {
		return nil, fmt.Errorf("load players: %w", err)
	}
	return players, nil
}

// InitState writes version 0 of a session's game-state row.
func (s *Store) InitState(ctx context.Context, sessionID string, gameType games.Type, raw []byte) error {
	state := GameState{SessionID: sessionID, GameType: gameType, State: raw, Version: 0}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"game_type", "state", "version", "updated_at"}),
	}).Create(&state).Error
	if err != nil {
		return fmt.Errorf("init game state: %w", err)
	}
	return nil
}

func (s *Store) LoadState(ctx context.Context, sessionID string) (*GameState, error) {
	var state GameState
	err := s.db.WithContext(ctx).First(&state, "session_id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load game state: %w", err)
	}
	return &state, nil
}

// SaveState replaces the whole state row iff nobody else has written it
// since expectedVersion was read. Lost updates surface as
// ErrVersionConflict instead of silently winning or losing.
func (s *Store) SaveState(ctx context.Context, sessionID string, raw []byte, expectedVersion int) error {
	res := s.db.WithContext(ctx).Model(&GameState{}).
		Where("session_id = ? AND version = ?", sessionID, expectedVersion).
		Updates(map[string]any{"state": raw, "version": expectedVersion + 1})
	if res.Error != nil {
		return fmt.Errorf("save game state: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// SaveRuleSet upserts an exported rule-set blob under its key.
func (s *Store) SaveRuleSet(ctx context.Context, key, encoded string) error {
	rs := RuleSet{Key: key, Encoded: encoded}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"encoded", "updated_at"}),
	}).Create(&rs).Error
	if err != nil {
		return fmt.Errorf("save rule set: %w", err)
	}
	return nil
}

func (s *Store) RuleSetByKey(ctx context.Context, key string) (*RuleSet, error) {
	var rs RuleSet
	err := s.db.WithContext(ctx).First(&rs, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load rule set: %w", err)
	}
	return &rs, nil
}
