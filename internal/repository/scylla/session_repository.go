package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"authguard/internal/models"
	"authguard/internal/util"
)

// sessionHistoryLimit caps the rows pulled per user. Risk checks only need
// recent devices, not the full history.
const sessionHistoryLimit = 50

// SessionRepository persists per-user session history and the last-login
// marker the timing and location checks compare against.
type SessionRepository struct {
	client *ScyllaClient
}

func NewSessionRepository(client *ScyllaClient) *SessionRepository {
	return &SessionRepository{client: client}
}

// AppendSession records a successful login and advances the login state in
// one logged batch so the two tables cannot drift.
func (r *SessionRepository) AppendSession(ctx context.Context, record *models.SessionRecord) error {
	if record.SessionID == "" {
		record.SessionID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)

	batch.Query(r.client.Prepared.AppendSession.Statement(),
		record.UserID, record.CreatedAt, record.SessionID, record.DeviceID, record.ClientIP)
	batch.Query(r.client.Prepared.SetLoginState.Statement(),
		record.ClientIP, record.CreatedAt, record.UserID)

	if err := r.client.Session.ExecuteBatch(batch); err != nil {
		util.Error("Failed to append session record",
			zap.String("user_id", record.UserID),
			zap.String("device_id", record.DeviceID),
			zap.Error(err))
		return fmt.Errorf("failed to append session record: %w", err)
	}

	util.Debug("Session record appended",
		zap.String("user_id", record.UserID),
		zap.String("session_id", record.SessionID))
	return nil
}

// ListSessions returns the user's recent sessions, newest first. An
// unknown user yields an empty slice, not an error.
func (r *SessionRepository) ListSessions(ctx context.Context, userID string) ([]models.SessionRecord, error) {
	iter := r.client.Prepared.ListSessions.
		Bind(userID, sessionHistoryLimit).
		WithContext(ctx).
		Iter()

	var sessions []models.SessionRecord
	var record models.SessionRecord
	for iter.Scan(&record.UserID, &record.CreatedAt, &record.SessionID, &record.DeviceID, &record.ClientIP) {
		sessions = append(sessions, record)
	}
	if err := iter.Close(); err != nil {
		util.Error("Failed to list session history",
			zap.String("user_id", userID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to list session history: %w", err)
	}
	return sessions, nil
}

// GetLoginState returns the user's last-login marker. A first-time user
// gets the zero value.
func (r *SessionRepository) GetLoginState(ctx context.Context, userID string) (models.LoginState, error) {
	var state models.LoginState

	err := r.client.Prepared.GetLoginState.
		Bind(userID).
		WithContext(ctx).
		Scan(&state.LastLoginIP, &state.LastLoginAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return models.LoginState{}, nil
		}
		util.Error("Failed to get login state",
			zap.String("user_id", userID),
			zap.Error(err))
		return models.LoginState{}, fmt.Errorf("failed to get login state: %w", err)
	}
	return state, nil
}

func (r *SessionRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}
