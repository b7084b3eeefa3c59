package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/socforge/triage-engine/pkg/models"
)

// schemaSQL is compiled into the binary at build time.
// This ensures schema init works inside the Docker runtime image which
// does not copy internal/db/schema.sql into the final stage.
//
//go:embed schema.sql
var schemaSQL string

type Store struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx
func Connect(connStr string) (*Store, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}

	log.Println("Successfully connected to PostgreSQL for Triage Engine")
	return &Store{pool: pool}, nil
}

// Close gracefully closes the connection pool
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping reports whether the pool can still reach the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InitSchema executes the embedded schema.sql DDL statements.
func (s *Store) InitSchema() error {
	_, err := s.pool.Exec(context.Background(), schemaSQL)
	if err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}

	log.Println("Triage result schema initialized")
	return nil
}

// SaveResult persists one analysis outcome: the event row plus a snapshot
// upsert for every entity the pipeline touched.
func (s *Store) SaveResult(ctx context.Context, result *models.EventResult) error {
	// 1. Begin Transaction
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	eventType := ""
	var rawData []byte
	if result.Event != nil {
		eventType = result.Event.EventType
		if raw, err := json.Marshal(result.Event.RawData); err == nil {
			rawData = raw
		}
	}
	warnings := []byte("[]")
	if len(result.Warnings) > 0 {
		if w, err := json.Marshal(result.Warnings); err == nil {
			warnings = w
		}
	}

	// 2. Insert the event row
	insertEventSQL := `
		INSERT INTO events
			(event_id, event_type, status, max_risk_score, entity_count,
			 response_count, high_risk_count, processing_time, warnings, raw_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (event_id) DO UPDATE SET
			status = EXCLUDED.status,
			max_risk_score = EXCLUDED.max_risk_score,
			entity_count = EXCLUDED.entity_count,
			response_count = EXCLUDED.response_count,
			high_risk_count = EXCLUDED.high_risk_count,
			processing_time = EXCLUDED.processing_time,
			warnings = EXCLUDED.warnings,
			raw_data = EXCLUDED.raw_data;
	`
	_, err = tx.Exec(ctx, insertEventSQL,
		result.EventID,
		eventType,
		result.Status,
		result.Summary.MaxRiskScore,
		result.Summary.EntitiesExtracted,
		result.Summary.ResponsesExecuted,
		result.Summary.HighRiskEntities,
		result.ProcessingTime,
		warnings,
		rawData,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %v", err)
	}

	// 3. Upsert entity snapshots, accreting the risk history
	if len(result.Entities) > 0 {
		upsertSnapshotSQL := `
			INSERT INTO entity_snapshots
				(entity_type, entity_id, status, risk_score, threat_level, confidence,
				 connection_count, source_event, metadata, risk_history, first_seen, last_seen)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (entity_type, entity_id) DO UPDATE SET
				status = EXCLUDED.status,
				risk_score = EXCLUDED.risk_score,
				threat_level = EXCLUDED.threat_level,
				confidence = EXCLUDED.confidence,
				connection_count = EXCLUDED.connection_count,
				source_event = EXCLUDED.source_event,
				metadata = EXCLUDED.metadata,
				risk_history = COALESCE(entity_snapshots.risk_history, '[]'::jsonb) || EXCLUDED.risk_history,
				last_seen = NOW();
		`
		for _, entity := range result.Entities {
			metadata := []byte("{}")
			if len(entity.Metadata) > 0 {
				if m, err := json.Marshal(entity.Metadata); err == nil {
					metadata = m
				}
			}
			history, err := json.Marshal(riskHistory(entity))
			if err != nil {
				history = []byte("[]")
			}

			_, err = tx.Exec(ctx, upsertSnapshotSQL,
				string(entity.Type),
				entity.ID,
				string(entity.Status),
				entity.RiskScore,
				string(entity.ThreatLevel),
				entity.Confidence,
				len(entity.Connections),
				result.EventID,
				metadata,
				history,
				entity.FirstSeen,
				entity.LastSeen,
			)
			if err != nil {
				return fmt.Errorf("failed to upsert entity snapshot: %v", err)
			}
		}
	}

	// 4. Commit transaction
	return tx.Commit(ctx)
}

// riskHistory extracts the scoring trail from an entity timeline. Only
// score updates are persisted; status flips and metadata churn stay
// in memory.
func riskHistory(entity *models.Entity) []map[string]any {
	history := make([]map[string]any, 0)
	for _, entry := range entity.Timeline {
		if entry.Action != "risk_score_update" {
			continue
		}
		history = append(history, map[string]any{
			"timestamp": entry.Timestamp,
			"score":     entry.Details["newScore"],
			"reason":    entry.Details["reason"],
		})
	}
	return history
}

// EntitySnapshot is the persisted triage state of a single entity.
type EntitySnapshot struct {
	EntityID        string           `json:"entityId"`
	EntityType      string           `json:"entityType"`
	CurrentStatus   string           `json:"currentStatus"`
	RiskScore       float64          `json:"riskScore"`
	ThreatLevel     string           `json:"threatLevel"`
	Confidence      float64          `json:"confidence"`
	ConnectionCount int              `json:"connectionCount"`
	SourceEvent     string           `json:"sourceEvent"`
	Metadata        map[string]any   `json:"metadata"`
	RiskHistory     []map[string]any `json:"riskHistory"`
	FirstSeen       time.Time        `json:"firstSeen"`
	LastSeen        time.Time        `json:"lastSeen"`
}

// GetEntity loads the latest snapshot for one entity, or nil when the
// entity has never been persisted.
func (s *Store) GetEntity(ctx context.Context, entityType, entityID string) (*EntitySnapshot, error) {
	sql := `
		SELECT entity_type, entity_id, status, risk_score, threat_level, confidence,
		       connection_count, COALESCE(source_event, ''), metadata, risk_history,
		       first_seen, last_seen
		FROM entity_snapshots
		WHERE entity_type = $1 AND entity_id = $2
	`
	var (
		snap        EntitySnapshot
		metadataRaw []byte
		historyRaw  []byte
	)
	err := s.pool.QueryRow(ctx, sql, entityType, entityID).Scan(
		&snap.EntityType,
		&snap.EntityID,
		&snap.CurrentStatus,
		&snap.RiskScore,
		&snap.ThreatLevel,
		&snap.Confidence,
		&snap.ConnectionCount,
		&snap.SourceEvent,
		&metadataRaw,
		&historyRaw,
		&snap.FirstSeen,
		&snap.LastSeen,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entity snapshot: %v", err)
	}

	if len(metadataRaw) > 0 {
		if err := json.Unmarshal(metadataRaw, &snap.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot metadata: %v", err)
		}
	}
	if len(historyRaw) > 0 {
		if err := json.Unmarshal(historyRaw, &snap.RiskHistory); err != nil {
			return nil, fmt.Errorf("failed to decode risk history: %v", err)
		}
	}
	if snap.RiskHistory == nil {
		snap.RiskHistory = []map[string]any{}
	}
	return &snap, nil
}

// EventInfo is one row of the recent-events listing.
type EventInfo struct {
	EventID        string    `json:"eventId"`
	EventType      string    `json:"eventType"`
	Status         string    `json:"status"`
	MaxRiskScore   float64   `json:"maxRiskScore"`
	EntityCount    int       `json:"entityCount"`
	ResponseCount  int       `json:"responseCount"`
	HighRiskCount  int       `json:"highRiskCount"`
	ProcessingTime float64   `json:"processingTime"`
	CreatedAt      time.Time `json:"createdAt"`
}

// RecentEvents pages through analyzed events, newest first.
func (s *Store) RecentEvents(ctx context.Context, page int, limit int) ([]EventInfo, int, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * limit

	// Get total count first
	var totalCount int
	countSQL := `SELECT COUNT(*) FROM events`
	err := s.pool.QueryRow(ctx, countSQL).Scan(&totalCount)
	if err != nil {
		return nil, 0, err
	}

	dataSQL := `
		SELECT event_id, event_type, status, max_risk_score, entity_count,
		       response_count, high_risk_count, processing_time, created_at
		FROM events
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`
	rows, err := s.pool.Query(ctx, dataSQL, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []EventInfo
	for rows.Next() {
		var e EventInfo
		err := rows.Scan(&e.EventID, &e.EventType, &e.Status, &e.MaxRiskScore,
			&e.EntityCount, &e.ResponseCount, &e.HighRiskCount, &e.ProcessingTime, &e.CreatedAt)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, e)
	}
	if rows.Err() != nil {
		return nil, 0, rows.Err()
	}
	if events == nil {
		events = []EventInfo{}
	}
	return events, totalCount, nil
}
