// Package messaging provides mission history storage, the per-project
// inbox and command-based notifications.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zulandar/intercom/internal/envelope"
	"github.com/zulandar/intercom/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultHistoryLimit caps History when no limit is given.
const DefaultHistoryLimit = 50

// Store records the envelopes of every mission.
type Store struct {
	db *gorm.DB
}

// NewStore returns a Store over a migrated db.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Record appends msg to its mission's history. Recording the same envelope
// twice is a no-op.
func (s *Store) Record(ctx context.Context, msg envelope.Message) error {
	if msg.MissionID == "" {
		return fmt.Errorf("messaging: mission id is required")
	}
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("messaging: marshal payload %s: %w", msg.ID, err)
	}
	row := models.MissionMessage{
		MessageID: msg.ID,
		MissionID: msg.MissionID,
		FromAgent: msg.From.String(),
		ToAgent:   msg.To.String(),
		Type:      string(msg.Type),
		Payload:   string(payload),
		CreatedAt: msg.Timestamp.UTC(),
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "message_id"}}, DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("messaging: record %s: %w", msg.ID, err)
	}
	return nil
}

// History returns the last limit envelopes of a mission, oldest first.
// Rows that no longer decode are skipped.
func (s *Store) History(ctx context.Context, missionID string, limit int) ([]envelope.Message, error) {
	if missionID == "" {
		return nil, fmt.Errorf("messaging: mission id is required")
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	var rows []models.MissionMessage
	err := s.db.WithContext(ctx).
		Where("mission_id = ?", missionID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("messaging: history %s: %w", missionID, err)
	}

	out := make([]envelope.Message, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		msg, err := decodeRow(rows[i])
		if err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Target returns the first agent a mission was addressed to. The bool is
// false when the mission has no agent-addressed envelope.
func (s *Store) Target(ctx context.Context, missionID string) (envelope.Address, bool, error) {
	_, to, ok, err := s.Parties(ctx, missionID)
	return to, ok, err
}

// Parties returns the sender and recipient of the envelope that opened a
// mission: its first ask or start_agent addressed to an agent.
func (s *Store) Parties(ctx context.Context, missionID string) (from, to envelope.Address, ok bool, err error) {
	var row models.MissionMessage
	err = s.db.WithContext(ctx).
		Where("mission_id = ? AND to_agent <> ?", missionID, envelope.HumanAddress).
		Where("type IN ?", []string{string(envelope.TypeAsk), string(envelope.TypeStartAgent)}).
		Order("created_at ASC, id ASC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return envelope.Address{}, envelope.Address{}, false, nil
	}
	if err != nil {
		return envelope.Address{}, envelope.Address{}, false, fmt.Errorf("messaging: parties of %s: %w", missionID, err)
	}
	if from, err = envelope.ParseAddress(row.FromAgent); err != nil {
		return envelope.Address{}, envelope.Address{}, false, fmt.Errorf("messaging: parties of %s: %w", missionID, err)
	}
	if to, err = envelope.ParseAddress(row.ToAgent); err != nil {
		return envelope.Address{}, envelope.Address{}, false, fmt.Errorf("messaging: parties of %s: %w", missionID, err)
	}
	return from, to, true, nil
}

// Context renders the last limit envelopes of a mission as prompt context.
func (s *Store) Context(ctx context.Context, missionID string, limit int) ([]envelope.ContextMessage, error) {
	msgs, err := s.History(ctx, missionID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]envelope.ContextMessage, 0, len(msgs))
	for _, m := range msgs {
		text := envelope.MissionText(m.Payload)
		if text == "" {
			continue
		}
		out = append(out, envelope.ContextMessage{From: m.From.String(), Message: text})
	}
	return out, nil
}

func decodeRow(row models.MissionMessage) (envelope.Message, error) {
	from, err := envelope.ParseAddress(row.FromAgent)
	if err != nil {
		return envelope.Message{}, err
	}
	to, err := envelope.ParseAddress(row.ToAgent)
	if err != nil {
		return envelope.Message{}, err
	}
	p, err := envelope.DecodePayload(envelope.Type(row.Type), json.RawMessage(row.Payload))
	if err != nil {
		return envelope.Message{}, err
	}
	return envelope.New(from, to, p,
		envelope.WithID(row.MessageID),
		envelope.WithMissionID(row.MissionID),
		envelope.WithTimestamp(row.CreatedAt))
}
