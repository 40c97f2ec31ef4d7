package deviations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	internaldb "github.com/elnote-io/server/internal/db"
	"github.com/elnote-io/server/internal/syncer"
)

var (
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// Deviation is an immutable protocol-deviation record attached to an
// experiment. Corrections are made by recording another deviation, never by
// editing this one.
type Deviation struct {
	ID               string    `json:"deviationId"`
	ExperimentID     string    `json:"experimentId"`
	ReportedByUserID string    `json:"reportedByUserId"`
	DeviationType    string    `json:"deviationType"`
	Description      string    `json:"description"`
	Impact           string    `json:"impact,omitempty"`
	CorrectiveAction string    `json:"correctiveAction,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

type RecordInput struct {
	ExperimentID     string
	ActorUserID      string
	DeviceID         string
	DeviationType    string
	Description      string
	Impact           string
	CorrectiveAction string
}

type RecordOutput struct {
	DeviationID string    `json:"deviationId"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Service struct {
	db   *sql.DB
	sync *syncer.Service
}

func NewService(db *sql.DB, syncService *syncer.Service) *Service {
	return &Service{db: db, sync: syncService}
}

func (s *Service) Record(ctx context.Context, in RecordInput) (*RecordOutput, error) {
	if in.DeviationType != "planned" && in.DeviationType != "unplanned" && in.DeviationType != "observation" {
		return nil, fmt.Errorf("%w: deviationType must be planned, unplanned, or observation", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Description) == "" {
		return nil, fmt.Errorf("%w: description is required", ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var expOwner string
	err = tx.QueryRowContext(ctx,
		`SELECT owner_user_id FROM experiments WHERE id = $1`, in.ExperimentID,
	).Scan(&expOwner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query experiment: %w", err)
	}
	if expOwner != in.ActorUserID {
		return nil, ErrForbidden
	}

	var deviationID string
	var createdAt time.Time
	err = tx.QueryRowContext(ctx,
		`INSERT INTO protocol_deviations (experiment_id, reported_by_user_id, deviation_type, description, impact, corrective_action)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		in.ExperimentID, in.ActorUserID, in.DeviationType, in.Description,
		strings.TrimSpace(in.Impact), strings.TrimSpace(in.CorrectiveAction),
	).Scan(&deviationID, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("insert deviation: %w", err)
	}

	payload := map[string]any{
		"deviationId":   deviationID,
		"deviationType": in.DeviationType,
		"experimentId":  in.ExperimentID,
	}
	if err := internaldb.AppendAuditEvent(ctx, tx, in.ActorUserID, "deviation.record", "protocol_deviation", deviationID, payload); err != nil {
		return nil, err
	}

	cursor, err := s.sync.AppendEvent(ctx, tx, syncer.AppendEventInput{
		OwnerUserID:   expOwner,
		ActorUserID:   in.ActorUserID,
		DeviceID:      in.DeviceID,
		EventType:     "deviation.recorded",
		AggregateType: "protocol_deviation",
		AggregateID:   deviationID,
		Payload:       payload,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	s.sync.PublishCommitted(expOwner, cursor)

	return &RecordOutput{DeviationID: deviationID, CreatedAt: createdAt}, nil
}

func (s *Service) ListByExperiment(ctx context.Context, experimentID, userID, role string) ([]Deviation, error) {
	// Owner always; admins only once the experiment is completed.
	var expOwner, expStatus string
	err := s.db.QueryRowContext(ctx,
		`SELECT owner_user_id, status FROM experiments WHERE id = $1`, experimentID,
	).Scan(&expOwner, &expStatus)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query experiment: %w", err)
	}
	if expOwner != userID {
		if role != "admin" || expStatus != "completed" {
			return nil, ErrForbidden
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, experiment_id, reported_by_user_id, deviation_type, description, impact, corrective_action, created_at
		 FROM protocol_deviations WHERE experiment_id = $1
		 ORDER BY created_at, id`,
		experimentID,
	)
	if err != nil {
		return nil, fmt.Errorf("query deviations: %w", err)
	}
	defer rows.Close()

	var deviations []Deviation
	for rows.Next() {
		var d Deviation
		if err := rows.Scan(&d.ID, &d.ExperimentID, &d.ReportedByUserID, &d.DeviationType, &d.Description, &d.Impact, &d.CorrectiveAction, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan deviation: %w", err)
		}
		deviations = append(deviations, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deviations: %w", err)
	}
	if deviations == nil {
		deviations = []Deviation{}
	}
	return deviations, nil
}
