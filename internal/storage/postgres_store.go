package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/route-negotiation/internal/models"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate executes a schema script.
func (p *PostgresStore) Migrate(ctx context.Context, script string) error {
	_, err := p.db.ExecContext(ctx, script)
	return err
}

const requestColumns = `id, customer_id, driver_id, profile_id, profile_type, status, current_amount,
	current_proposer, estimated_distance_km, estimated_price, decision_by, decision_action,
	decision_note, decided_at, version, created_at, updated_at`

func (p *PostgresStore) CreateRequest(ctx context.Context, r models.RideRequest, opening models.OfferDraft) (models.NegotiationOffer, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return models.NegotiationOffer{}, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO ride_requests(`+requestColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NULL,NULL,NULL,NULL,$11,$12,$13)`,
		r.ID, r.CustomerID, r.DriverID, r.ProfileID, r.ProfileType, r.Status, r.CurrentAmount,
		r.CurrentProposer, r.EstimatedDistance, r.EstimatedPrice, r.Version, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return models.NegotiationOffer{}, ErrDuplicate
		}
		return models.NegotiationOffer{}, fmt.Errorf("insert ride request: %w", err)
	}
	o, err := appendOffer(ctx, tx, r.ID, opening)
	if err != nil {
		return models.NegotiationOffer{}, err
	}
	return o, tx.Commit()
}

func (p *PostgresStore) CommitTransition(ctx context.Context, r models.RideRequest, expectedVersion int64, draft *models.OfferDraft) (*models.NegotiationOffer, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		decBy, decAction sql.NullString
		decNote          sql.NullString
		decAt            sql.NullTime
	)
	if d := r.Decision; d != nil {
		decBy = sql.NullString{String: string(d.By), Valid: true}
		decAction = sql.NullString{String: string(d.Action), Valid: true}
		decAt = sql.NullTime{Time: d.At, Valid: true}
		if d.Note != nil {
			decNote = sql.NullString{String: *d.Note, Valid: true}
		}
	}
	res, err := tx.ExecContext(ctx, `UPDATE ride_requests SET status=$1, current_amount=$2, current_proposer=$3,
		decision_by=$4, decision_action=$5, decision_note=$6, decided_at=$7, version=$8, updated_at=$9
		WHERE id=$10 AND version=$11`,
		r.Status, r.CurrentAmount, r.CurrentProposer, decBy, decAction, decNote, decAt, r.Version, r.UpdatedAt,
		r.ID, expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("update ride request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if _, err := p.GetRequest(ctx, r.ID); errors.Is(err, ErrRequestNotFound) {
			return nil, err
		}
		return nil, ErrStaleVersion
	}

	var out *models.NegotiationOffer
	if draft != nil {
		o, err := appendOffer(ctx, tx, r.ID, *draft)
		if err != nil {
			return nil, err
		}
		out = &o
	}
	return out, tx.Commit()
}

// appendOffer assigns the next sequence number inside tx. The primary key on
// (request_id, seq) turns a concurrent writer into ErrStaleVersion.
func appendOffer(ctx context.Context, tx *sql.Tx, requestID string, d models.OfferDraft) (models.NegotiationOffer, error) {
	var note sql.NullString
	if d.Note != nil {
		note = sql.NullString{String: *d.Note, Valid: true}
	}
	o := models.NegotiationOffer{RequestID: requestID, OfferedBy: d.OfferedBy, Amount: d.Amount, Note: d.Note, Timestamp: d.At}
	err := tx.QueryRowContext(ctx, `INSERT INTO negotiation_offers(request_id, seq, offered_by, amount, note, created_at)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5 FROM negotiation_offers WHERE request_id = $1
		RETURNING seq`, requestID, d.OfferedBy, d.Amount, note, d.At).Scan(&o.SequenceNumber)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return o, ErrStaleVersion
		}
		return o, fmt.Errorf("append offer: %w", err)
	}
	return o, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(s rowScanner) (models.RideRequest, error) {
	var (
		r                models.RideRequest
		decBy, decAction sql.NullString
		decNote          sql.NullString
		decAt            sql.NullTime
	)
	err := s.Scan(&r.ID, &r.CustomerID, &r.DriverID, &r.ProfileID, &r.ProfileType, &r.Status, &r.CurrentAmount,
		&r.CurrentProposer, &r.EstimatedDistance, &r.EstimatedPrice, &decBy, &decAction, &decNote, &decAt,
		&r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return r, err
	}
	if decBy.Valid {
		r.Decision = &models.Decision{By: models.Party(decBy.String), Action: models.Action(decAction.String), At: decAt.Time}
		if decNote.Valid {
			n := decNote.String
			r.Decision.Note = &n
		}
	}
	return r, nil
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (models.RideRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM ride_requests WHERE id=$1`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrRequestNotFound
	}
	return r, err
}

func (p *PostgresStore) ListByCustomer(ctx context.Context, customerID string) ([]models.RideRequest, error) {
	return p.list(ctx, `customer_id=$1`, customerID)
}

func (p *PostgresStore) ListByDriver(ctx context.Context, driverID string) ([]models.RideRequest, error) {
	return p.list(ctx, `driver_id=$1`, driverID)
}

func (p *PostgresStore) list(ctx context.Context, where string, arg string) ([]models.RideRequest, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+requestColumns+` FROM ride_requests WHERE `+where+` ORDER BY created_at DESC, id`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.RideRequest, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) History(ctx context.Context, requestID string) ([]models.NegotiationOffer, error) {
	if _, err := p.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `SELECT seq, offered_by, amount, note, created_at
		FROM negotiation_offers WHERE request_id=$1 ORDER BY seq`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.NegotiationOffer, 0)
	for rows.Next() {
		var (
			o    = models.NegotiationOffer{RequestID: requestID}
			note sql.NullString
			at   time.Time
		)
		if err := rows.Scan(&o.SequenceNumber, &o.OfferedBy, &o.Amount, &note, &at); err != nil {
			return nil, err
		}
		if note.Valid {
			n := note.String
			o.Note = &n
		}
		o.Timestamp = at
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Profile(ctx context.Context, id string) (models.Profile, error) {
	var pr models.Profile
	err := p.db.QueryRowContext(ctx, `SELECT id, customer_id, profile_type, pickup_lat, pickup_lon, drop_lat, drop_lon
		FROM profiles WHERE id=$1`, id).
		Scan(&pr.ID, &pr.CustomerID, &pr.ProfileType, &pr.Pickup.Lat, &pr.Pickup.Lon, &pr.Drop.Lat, &pr.Drop.Lon)
	if errors.Is(err, sql.ErrNoRows) {
		return pr, ErrProfileNotFound
	}
	return pr, err
}
