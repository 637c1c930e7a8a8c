package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fkirchmann/ProductionPilot/internal/opc"
	"github.com/fkirchmann/ProductionPilot/internal/types"
)

// Store persists parameters and their measurements.
type Store struct {
	q   *Queries
	now func() time.Time
}

// NewStore loads the named queries for db.
func NewStore(db *sqlx.DB) (*Store, error) {
	q, err := LoadQueries(db)
	if err != nil {
		return nil, err
	}
	return &Store{q: q, now: time.Now}, nil
}

type parameterRow struct {
	ID                 string         `db:"id"`
	Name               string         `db:"name"`
	Identifier         sql.NullString `db:"identifier"`
	Description        string         `db:"description"`
	NodeAddress        string         `db:"node_address"`
	SamplingIntervalMs int64          `db:"sampling_interval_ms"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

func (r parameterRow) parameter() types.Parameter {
	return types.Parameter{
		ID:               types.ParameterID(r.ID),
		Name:             r.Name,
		Identifier:       r.Identifier.String,
		Description:      r.Description,
		NodeAddress:      r.NodeAddress,
		SamplingInterval: time.Duration(r.SamplingIntervalMs) * time.Millisecond,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

type measurementRow struct {
	ID           int64           `db:"id"`
	ParameterID  string          `db:"parameter_id"`
	SourceTime   sql.NullTime    `db:"source_time"`
	ServerTime   sql.NullTime    `db:"server_time"`
	ClientTime   time.Time       `db:"client_time"`
	StatusCode   int64           `db:"status_code"`
	ValueString  sql.NullString  `db:"value_string"`
	ValueBoolean sql.NullBool    `db:"value_boolean"`
	ValueLong    sql.NullInt64   `db:"value_long"`
	ValueDouble  sql.NullFloat64 `db:"value_double"`
}

func (r measurementRow) measurement() types.Measurement {
	m := types.Measurement{
		ID:          types.MeasurementID(r.ID),
		ParameterID: types.ParameterID(r.ParameterID),
		ClientTime:  r.ClientTime,
		StatusCode:  uint32(r.StatusCode),
	}
	if r.SourceTime.Valid {
		m.SourceTime = &r.SourceTime.Time
	}
	if r.ServerTime.Valid {
		m.ServerTime = &r.ServerTime.Time
	}
	if r.ValueString.Valid {
		m.ValueString = &r.ValueString.String
	}
	if r.ValueBoolean.Valid {
		m.ValueBoolean = &r.ValueBoolean.Bool
	}
	if r.ValueLong.Valid {
		m.ValueLong = &r.ValueLong.Int64
	}
	if r.ValueDouble.Valid {
		m.ValueDouble = &r.ValueDouble.Float64
	}
	return m
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}

// CreateParameter validates p, assigns its ID and timestamps and stores it.
// A zero sampling interval takes the default.
func (s *Store) CreateParameter(ctx context.Context, p types.Parameter) (types.Parameter, error) {
	if p.SamplingInterval == 0 {
		p.SamplingInterval = types.DefaultSamplingInterval
	}
	if err := p.Validate(); err != nil {
		return types.Parameter{}, err
	}
	p.ID = types.NewParameterID()
	now := s.now().UTC().Truncate(time.Microsecond)
	p.CreatedAt, p.UpdatedAt = now, now

	_, err := s.q.Exec(ctx, "create-parameter",
		string(p.ID), p.Name, nullString(p.Identifier), p.Description, p.NodeAddress,
		p.SamplingInterval.Milliseconds(), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return types.Parameter{}, fmt.Errorf("failed to create parameter: %w", err)
	}
	return p, nil
}

// UpdateParameter stores the editable fields of p and bumps UpdatedAt.
func (s *Store) UpdateParameter(ctx context.Context, p types.Parameter) (types.Parameter, error) {
	if err := p.Validate(); err != nil {
		return types.Parameter{}, err
	}
	p.UpdatedAt = s.now().UTC().Truncate(time.Microsecond)

	res, err := s.q.Exec(ctx, "update-parameter",
		p.Name, nullString(p.Identifier), p.Description, p.NodeAddress,
		p.SamplingInterval.Milliseconds(), p.UpdatedAt, string(p.ID))
	if err != nil {
		return types.Parameter{}, fmt.Errorf("failed to update parameter: %w", err)
	}
	if err := expectRow(res, p.ID); err != nil {
		return types.Parameter{}, err
	}
	return s.GetParameter(ctx, p.ID)
}

// DeleteParameter soft-deletes a parameter; its measurements are kept.
func (s *Store) DeleteParameter(ctx context.Context, id types.ParameterID) error {
	now := s.now().UTC()
	res, err := s.q.Exec(ctx, "delete-parameter", now, now, string(id))
	if err != nil {
		return fmt.Errorf("failed to delete parameter: %w", err)
	}
	return expectRow(res, id)
}

func expectRow(res sql.Result, id types.ParameterID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", types.ErrParameterNotFound, id)
	}
	return nil
}

// GetParameter returns a live parameter.
func (s *Store) GetParameter(ctx context.Context, id types.ParameterID) (types.Parameter, error) {
	return s.getParameter(ctx, "get-parameter", string(id))
}

// FindParameter resolves ref as a parameter ID or, failing that, as an identifier.
func (s *Store) FindParameter(ctx context.Context, ref string) (types.Parameter, error) {
	if id, err := types.ParseParameterID(ref); err == nil {
		return s.GetParameter(ctx, id)
	}
	return s.getParameter(ctx, "get-parameter-by-identifier", ref)
}

func (s *Store) getParameter(ctx context.Context, query, arg string) (types.Parameter, error) {
	var row parameterRow
	if err := s.q.Get(ctx, query, &row, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Parameter{}, fmt.Errorf("%w: %s", types.ErrParameterNotFound, arg)
		}
		return types.Parameter{}, fmt.Errorf("failed to get parameter: %w", err)
	}
	return row.parameter(), nil
}

// ListParameters returns all live parameters ordered by name.
func (s *Store) ListParameters(ctx context.Context) ([]types.Parameter, error) {
	var rows []parameterRow
	if err := s.q.Select(ctx, "list-parameters", &rows); err != nil {
		return nil, fmt.Errorf("failed to list parameters: %w", err)
	}
	params := make([]types.Parameter, len(rows))
	for i, r := range rows {
		params[i] = r.parameter()
	}
	return params, nil
}

// CountMeasurements returns the number of measurements recorded for id.
func (s *Store) CountMeasurements(ctx context.Context, id types.ParameterID) (int64, error) {
	var n int64
	if err := s.q.Get(ctx, "count-measurements", &n, string(id)); err != nil {
		return 0, fmt.Errorf("failed to count measurements: %w", err)
	}
	return n, nil
}

// LastMeasurement returns the latest measurement of id, or nil if there is none.
func (s *Store) LastMeasurement(ctx context.Context, id types.ParameterID) (*types.Measurement, error) {
	var row measurementRow
	if err := s.q.Get(ctx, "last-measurement", &row, string(id)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get last measurement: %w", err)
	}
	m := row.measurement()
	return &m, nil
}

// ListMeasurements returns up to limit of the latest measurements of id, newest first.
func (s *Store) ListMeasurements(ctx context.Context, id types.ParameterID, limit int) ([]types.Measurement, error) {
	var rows []measurementRow
	if err := s.q.Select(ctx, "list-measurements", &rows, string(id), limit); err != nil {
		return nil, fmt.Errorf("failed to list measurements: %w", err)
	}
	out := make([]types.Measurement, len(rows))
	for i, r := range rows {
		out[i] = r.measurement()
	}
	return out, nil
}

// PersistMeasurement writes v as a measurement of id.
func (s *Store) PersistMeasurement(ctx context.Context, id types.ParameterID, v *opc.MeasuredValue) (*types.Measurement, error) {
	m := MeasurementFrom(id, v)
	row := measurementRow{
		ParameterID: string(id),
		ClientTime:  m.ClientTime,
		StatusCode:  int64(m.StatusCode),
	}
	if m.SourceTime != nil {
		row.SourceTime = nullTime(*m.SourceTime)
	}
	if m.ServerTime != nil {
		row.ServerTime = nullTime(*m.ServerTime)
	}
	if m.ValueString != nil {
		row.ValueString = sql.NullString{String: *m.ValueString, Valid: true}
	}
	if m.ValueBoolean != nil {
		row.ValueBoolean = sql.NullBool{Bool: *m.ValueBoolean, Valid: true}
	}
	if m.ValueLong != nil {
		row.ValueLong = sql.NullInt64{Int64: *m.ValueLong, Valid: true}
	}
	if m.ValueDouble != nil {
		row.ValueDouble = sql.NullFloat64{Float64: *m.ValueDouble, Valid: true}
	}

	var newID int64
	err := s.q.Get(ctx, "insert-measurement", &newID,
		row.ParameterID, row.SourceTime, row.ServerTime, row.ClientTime, row.StatusCode,
		row.ValueString, row.ValueBoolean, row.ValueLong, row.ValueDouble)
	if err != nil {
		return nil, fmt.Errorf("failed to persist measurement: %w", err)
	}
	m.ID = types.MeasurementID(newID)
	return &m, nil
}

// MeasurementFrom converts a received value into an unsaved measurement of id.
// Times are normalized to UTC; missing server-side times stay nil.
func MeasurementFrom(id types.ParameterID, v *opc.MeasuredValue) types.Measurement {
	m := types.Measurement{
		ParameterID: id,
		ClientTime:  v.ClientTime.UTC(),
		StatusCode:  v.Status.Code,
	}
	if !v.SourceTime.IsZero() {
		t := v.SourceTime.UTC()
		m.SourceTime = &t
	}
	if !v.ServerTime.IsZero() {
		t := v.ServerTime.UTC()
		m.ServerTime = &t
	}
	switch v.Value.Kind() {
	case opc.KindDouble:
		f, _ := v.Value.Double()
		m.ValueDouble = &f
	case opc.KindInteger:
		i, _ := v.Value.Integer()
		m.ValueLong = &i
	case opc.KindBoolean:
		b, _ := v.Value.Boolean()
		m.ValueBoolean = &b
	case opc.KindString:
		s, _ := v.Value.Text()
		m.ValueString = &s
	}
	return m
}
