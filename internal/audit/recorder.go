package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"authguard/internal/bucketing"
	"authguard/internal/client"
	"authguard/internal/encryption"
	"authguard/internal/models"
	"authguard/internal/util"
)

const insertEventQuery = `
	INSERT INTO security_events (
		event_bucket, event_id, event_date, event_time, event_type,
		user_id, route, device_id, device_name, encrypted_ip,
		action, rejected_by, new_device, suspicious_location, suspicious_timing
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Recorder fans security events out to the Kafka stream, the ClickHouse
// event table and the Elasticsearch investigation index. Sinks left nil
// (development, partial outage) are skipped.
type Recorder struct {
	producer   *client.KafkaProducer
	clickhouse *client.ClickHouseClient
	es         *client.ESClient
	encryptor  *encryption.Manager
	buckets    *bucketing.Manager
	timeout    time.Duration
}

func NewRecorder(
	producer *client.KafkaProducer,
	clickhouse *client.ClickHouseClient,
	es *client.ESClient,
	encryptor *encryption.Manager,
	buckets *bucketing.Manager,
) *Recorder {
	return &Recorder{
		producer:   producer,
		clickhouse: clickhouse,
		es:         es,
		encryptor:  encryptor,
		buckets:    buckets,
		timeout:    5 * time.Second,
	}
}

// EventInput is what the decision pipeline knows at emission time.
type EventInput struct {
	EventType          string
	UserID             string
	Route              string
	DeviceID           string
	DeviceName         string
	ClientIP           string
	Action             string
	RejectedBy         string
	NewDevice          bool
	SuspiciousLocation bool
	SuspiciousTiming   bool
}

// Record builds the persisted event and writes it to every configured
// sink. The sinks run in parallel; the first failure is returned but the
// remaining sinks still complete.
func (r *Recorder) Record(ctx context.Context, input EventInput) error {
	event, err := r.buildEvent(ctx, input)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var g errgroup.Group
	if r.producer != nil {
		g.Go(func() error { return r.publishKafka(ctx, event) })
	}
	if r.clickhouse != nil {
		g.Go(func() error { return r.insertClickhouse(ctx, event) })
	}
	if r.es != nil {
		g.Go(func() error { return r.indexElasticsearch(ctx, event) })
	}

	if err := g.Wait(); err != nil {
		util.Error("Security event fanout incomplete",
			zap.String("event_id", event.EventID),
			zap.String("event_type", event.EventType),
			zap.Error(err))
		return fmt.Errorf("failed to record security event: %w", err)
	}

	util.Debug("Security event recorded",
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.EventType),
		zap.String("action", event.Action))
	return nil
}

func (r *Recorder) buildEvent(ctx context.Context, input EventInput) (*models.SecurityEvent, error) {
	encryptedIP := ""
	if r.encryptor != nil {
		var err error
		encryptedIP, err = r.encryptor.EncryptIP(ctx, input.ClientIP)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt client address: %w", err)
		}
	}

	now := time.Now().UTC()
	return &models.SecurityEvent{
		EventBucket:        r.buckets.EventBucket(input.UserID),
		EventID:            uuid.New().String(),
		EventDate:          r.buckets.DateBucket(),
		EventTime:          now,
		EventType:          input.EventType,
		UserID:             input.UserID,
		Route:              input.Route,
		DeviceID:           input.DeviceID,
		DeviceName:         input.DeviceName,
		EncryptedIP:        encryptedIP,
		Action:             input.Action,
		RejectedBy:         input.RejectedBy,
		NewDevice:          input.NewDevice,
		SuspiciousLocation: input.SuspiciousLocation,
		SuspiciousTiming:   input.SuspiciousTiming,
	}, nil
}

func (r *Recorder) publishKafka(ctx context.Context, event *models.SecurityEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode security event: %w", err)
	}
	return r.producer.Publish(ctx, []byte(event.UserID), payload)
}

func (r *Recorder) insertClickhouse(ctx context.Context, event *models.SecurityEvent) error {
	row := []interface{}{
		event.EventBucket, event.EventID, event.EventDate, event.EventTime, event.EventType,
		event.UserID, event.Route, event.DeviceID, event.DeviceName, event.EncryptedIP,
		event.Action, event.RejectedBy, event.NewDevice, event.SuspiciousLocation, event.SuspiciousTiming,
	}
	return r.clickhouse.BatchInsert(ctx, insertEventQuery, [][]interface{}{row})
}

func (r *Recorder) indexElasticsearch(ctx context.Context, event *models.SecurityEvent) error {
	return r.es.IndexEvent(ctx, event.EventID, event)
}
