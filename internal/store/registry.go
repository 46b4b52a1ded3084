package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"smartfeeder/feeder-server/internal/model"
)

// IsActiveModule reports whether moduleID is registered with status active.
// Unknown modules are inactive, not an error.
func (s *Store) IsActiveModule(ctx context.Context, moduleID string) (bool, error) {
	return s.isActive(ctx, `SELECT status FROM modules WHERE module_id = ?;`, moduleID)
}

// IsActiveCamera reports whether camID is registered with status active.
func (s *Store) IsActiveCamera(ctx context.Context, camID string) (bool, error) {
	return s.isActive(ctx, `SELECT status FROM camera WHERE cam_id = ?;`, camID)
}

func (s *Store) isActive(ctx context.Context, query, id string) (bool, error) {
	if s.db == nil {
		return false, errNotInitialized
	}

	var status string
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(query), id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup registry status: %w", err)
	}
	return status == model.ModuleActive, nil
}

// ListCameras returns every registered camera ordered by id.
func (s *Store) ListCameras(ctx context.Context) ([]model.Camera, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}

	rows, err := s.db.QueryContext(ctx, `SELECT cam_id, status FROM camera ORDER BY cam_id;`)
	if err != nil {
		return nil, fmt.Errorf("query cameras: %w", err)
	}
	defer rows.Close()

	cameras := make([]model.Camera, 0)
	for rows.Next() {
		var c model.Camera
		if err := rows.Scan(&c.CamID, &c.Status); err != nil {
			return nil, fmt.Errorf("scan camera: %w", err)
		}
		cameras = append(cameras, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cameras: %w", err)
	}
	return cameras, nil
}

// CreateCamera registers a camera. An existing cam_id yields ErrDuplicate.
func (s *Store) CreateCamera(ctx context.Context, c model.Camera) error {
	if s.db == nil {
		return errNotInitialized
	}

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO camera (cam_id, status) VALUES (?, ?) ON CONFLICT (cam_id) DO NOTHING;`),
		c.CamID, c.Status,
	)
	if err != nil {
		return fmt.Errorf("insert camera: %w", err)
	}
	return insertedOrDuplicate(res, "camera "+c.CamID)
}

// UpdateCamera changes a camera's status.
func (s *Store) UpdateCamera(ctx context.Context, c model.Camera) error {
	return s.execOne(ctx, "update camera", "camera "+c.CamID,
		`UPDATE camera SET status = ? WHERE cam_id = ?;`, c.Status, c.CamID)
}

// DeleteCamera removes a camera registration.
func (s *Store) DeleteCamera(ctx context.Context, camID string) error {
	return s.execOne(ctx, "delete camera", "camera "+camID,
		`DELETE FROM camera WHERE cam_id = ?;`, camID)
}

const moduleColumns = `module_id, cam_id, status, weight`

func scanModule(r rowScanner) (model.Module, error) {
	var (
		m      model.Module
		weight sql.NullFloat64
	)
	if err := r.Scan(&m.ModuleID, &m.CamID, &m.Status, &weight); err != nil {
		return model.Module{}, err
	}
	if weight.Valid {
		w := weight.Float64
		m.Weight = &w
	}
	return m, nil
}

// ListModules returns every registered module ordered by id.
func (s *Store) ListModules(ctx context.Context) ([]model.Module, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+moduleColumns+` FROM modules ORDER BY module_id;`)
	if err != nil {
		return nil, fmt.Errorf("query modules: %w", err)
	}
	defer rows.Close()

	modules := make([]model.Module, 0)
	for rows.Next() {
		m, err := scanModule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan module: %w", err)
		}
		modules = append(modules, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate modules: %w", err)
	}
	return modules, nil
}

// GetModule returns one module registration.
func (s *Store) GetModule(ctx context.Context, moduleID string) (model.Module, error) {
	if s.db == nil {
		return model.Module{}, errNotInitialized
	}

	m, err := scanModule(s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT `+moduleColumns+` FROM modules WHERE module_id = ?;`), moduleID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Module{}, fmt.Errorf("module %s: %w", moduleID, ErrNotFound)
	}
	if err != nil {
		return model.Module{}, fmt.Errorf("get module: %w", err)
	}
	return m, nil
}

// CreateModule registers a module. An existing module_id yields ErrDuplicate.
func (s *Store) CreateModule(ctx context.Context, m model.Module) error {
	if s.db == nil {
		return errNotInitialized
	}

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO modules (module_id, cam_id, status, weight) VALUES (?, ?, ?, ?) ON CONFLICT (module_id) DO NOTHING;`),
		m.ModuleID, m.CamID, m.Status, nullFloat(m.Weight),
	)
	if err != nil {
		return fmt.Errorf("insert module: %w", err)
	}
	return insertedOrDuplicate(res, "module "+m.ModuleID)
}

// UpdateModule replaces a module's camera pairing, status and weight.
func (s *Store) UpdateModule(ctx context.Context, m model.Module) error {
	return s.execOne(ctx, "update module", "module "+m.ModuleID,
		`UPDATE modules SET cam_id = ?, status = ?, weight = ? WHERE module_id = ?;`,
		m.CamID, m.Status, nullFloat(m.Weight), m.ModuleID)
}

// DeleteModule removes a module registration. Its schedules are left for the operator to clean up.
func (s *Store) DeleteModule(ctx context.Context, moduleID string) error {
	return s.execOne(ctx, "delete module", "module "+moduleID,
		`DELETE FROM modules WHERE module_id = ?;`, moduleID)
}

// UpdateWeight records the last reported weight and returns the module's current status.
func (s *Store) UpdateWeight(ctx context.Context, moduleID string, weight float64) (string, error) {
	if s.db == nil {
		return "", errNotInitialized
	}

	var status string
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`UPDATE modules SET weight = ? WHERE module_id = ? RETURNING status;`),
		weight, moduleID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("module %s: %w", moduleID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("update weight: %w", err)
	}
	return status, nil
}

func (s *Store) execOne(ctx context.Context, op, subject, query string, args ...any) error {
	if s.db == nil {
		return errNotInitialized
	}

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	ok, err := affected(res)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", subject, ErrNotFound)
	}
	return nil
}

func insertedOrDuplicate(res sql.Result, subject string) error {
	ok, err := affected(res)
	if err != nil {
		return fmt.Errorf("insert %s: %w", subject, err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", subject, ErrDuplicate)
	}
	return nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
