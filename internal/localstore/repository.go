package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pelago-hub/hubd/internal/entity"
)

// Repository adapts DB to entity.Repository and is the registry's only
// repository; accepted state reaches the remote store separately, through
// internal/statestore's Mirror.
type Repository struct {
	db *DB
}

func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

var _ entity.Repository = (*Repository)(nil)

func (r *Repository) UpsertDevice(ctx context.Context, d *entity.Device) error {
	var roomID, manufacturer, model, firmware sql.NullString
	if d.RoomID != nil {
		roomID = sql.NullString{String: *d.RoomID, Valid: true}
	}
	if d.Manufacturer != nil {
		manufacturer = sql.NullString{String: *d.Manufacturer, Valid: true}
	}
	if d.Model != nil {
		model = sql.NullString{String: *d.Model, Valid: true}
	}
	if d.FirmwareVer != nil {
		firmware = sql.NullString{String: *d.FirmwareVer, Valid: true}
	}
	_ = roomID // room assignment is opaque to the daemon; column reserved, unused here

	_, err := r.db.conn.ExecContext(ctx, `
		INSERT INTO devices (id, protocol, fingerprint, name, address, manufacturer, model, firmware_version,
			health_status, health_last_seen, created_at, updated_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, address=excluded.address, manufacturer=excluded.manufacturer,
			model=excluded.model, firmware_version=excluded.firmware_version,
			health_status=excluded.health_status, health_last_seen=excluded.health_last_seen,
			updated_at=excluded.updated_at, last_seen=excluded.last_seen
	`, d.ID, d.Protocol, d.Fingerprint, d.Name, d.Address, manufacturer, model, firmware,
		d.HealthStatus, d.HealthLastSeen, d.CreatedAt, d.UpdatedAt, d.LastSeen)
	if err != nil {
		return fmt.Errorf("localstore: upsert device: %w", err)
	}
	return nil
}

func (r *Repository) scanDevice(row *sql.Row) (*entity.Device, error) {
	var d entity.Device
	var manufacturer, model, firmware sql.NullString
	var healthLastSeen sql.NullTime

	err := row.Scan(&d.ID, &d.Protocol, &d.Fingerprint, &d.Name, &d.Address, &manufacturer, &model,
		&firmware, &d.HealthStatus, &healthLastSeen, &d.CreatedAt, &d.UpdatedAt, &d.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if manufacturer.Valid {
		d.Manufacturer = &manufacturer.String
	}
	if model.Valid {
		d.Model = &model.String
	}
	if firmware.Valid {
		d.FirmwareVer = &firmware.String
	}
	if healthLastSeen.Valid {
		d.HealthLastSeen = healthLastSeen.Time
	}
	return &d, nil
}

const deviceColumns = `id, protocol, fingerprint, name, address, manufacturer, model, firmware_version,
	health_status, health_last_seen, created_at, updated_at, last_seen`

func (r *Repository) GetDevice(ctx context.Context, id string) (*entity.Device, error) {
	row := r.db.conn.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)
	return r.scanDevice(row)
}

func (r *Repository) FindDeviceByFingerprint(ctx context.Context, protocol entity.Protocol, fingerprint string) (*entity.Device, error) {
	row := r.db.conn.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE protocol = ? AND fingerprint = ?`, protocol, fingerprint)
	return r.scanDevice(row)
}

func (r *Repository) ListDevices(ctx context.Context) ([]*entity.Device, error) {
	rows, err := r.db.conn.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices`)
	if err != nil {
		return nil, fmt.Errorf("localstore: list devices: %w", err)
	}
	defer rows.Close()

	var out []*entity.Device
	for rows.Next() {
		var d entity.Device
		var manufacturer, model, firmware sql.NullString
		var healthLastSeen sql.NullTime
		if err := rows.Scan(&d.ID, &d.Protocol, &d.Fingerprint, &d.Name, &d.Address, &manufacturer, &model,
			&firmware, &d.HealthStatus, &healthLastSeen, &d.CreatedAt, &d.UpdatedAt, &d.LastSeen); err != nil {
			return nil, err
		}
		if manufacturer.Valid {
			d.Manufacturer = &manufacturer.String
		}
		if model.Valid {
			d.Model = &model.String
		}
		if firmware.Valid {
			d.FirmwareVer = &firmware.String
		}
		if healthLastSeen.Valid {
			d.HealthLastSeen = healthLastSeen.Time
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (r *Repository) UpsertEntity(ctx context.Context, e *entity.Entity) error {
	descJSON, err := json.Marshal(e.Descriptor)
	if err != nil {
		return fmt.Errorf("localstore: marshal descriptor: %w", err)
	}
	active := 0
	if e.Active {
		active = 1
	}
	_, err = r.db.conn.ExecContext(ctx, `
		INSERT INTO entities (id, device_id, kind, driver_key, name, descriptor_json, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, descriptor_json=excluded.descriptor_json, active=excluded.active, updated_at=excluded.updated_at
	`, e.ID, e.DeviceID, e.Kind, e.DriverKey, e.Name, string(descJSON), active, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("localstore: upsert entity: %w", err)
	}
	return nil
}

func (r *Repository) DeactivateEntity(ctx context.Context, id string) error {
	_, err := r.db.conn.ExecContext(ctx, `UPDATE entities SET active = 0, updated_at = ? WHERE id = ?`, time.Now(), id)
	if err != nil {
		return fmt.Errorf("localstore: deactivate entity: %w", err)
	}
	return nil
}

const entityColumns = `id, device_id, kind, driver_key, name, descriptor_json, active, created_at, updated_at`

func scanEntity(row interface {
	Scan(dest ...any) error
}) (*entity.Entity, error) {
	var e entity.Entity
	var descJSON string
	var active int
	if err := row.Scan(&e.ID, &e.DeviceID, &e.Kind, &e.DriverKey, &e.Name, &descJSON, &active, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Active = active != 0
	if err := json.Unmarshal([]byte(descJSON), &e.Descriptor); err != nil {
		return nil, fmt.Errorf("unmarshal descriptor: %w", err)
	}
	return &e, nil
}

func (r *Repository) ListEntitiesByDevice(ctx context.Context, deviceID string) ([]*entity.Entity, error) {
	rows, err := r.db.conn.QueryContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE device_id = ?`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("localstore: list entities: %w", err)
	}
	defer rows.Close()

	var out []*entity.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *Repository) GetEntity(ctx context.Context, id string) (*entity.Entity, error) {
	row := r.db.conn.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (r *Repository) UpsertState(ctx context.Context, s *entity.State) error {
	valueJSON, err := json.Marshal(s.Value)
	if err != nil {
		return fmt.Errorf("localstore: marshal state value: %w", err)
	}
	attrsJSON, err := json.Marshal(s.Attrs)
	if err != nil {
		return fmt.Errorf("localstore: marshal state attrs: %w", err)
	}
	_, err = r.db.conn.ExecContext(ctx, `
		INSERT INTO entity_state (entity_id, value_json, attrs_json, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET value_json=excluded.value_json, attrs_json=excluded.attrs_json, updated_at=excluded.updated_at
	`, s.EntityID, string(valueJSON), string(attrsJSON), s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("localstore: upsert state: %w", err)
	}
	return nil
}

func (r *Repository) GetState(ctx context.Context, entityID string) (*entity.State, error) {
	row := r.db.conn.QueryRowContext(ctx, `SELECT entity_id, value_json, attrs_json, updated_at FROM entity_state WHERE entity_id = ?`, entityID)

	var s entity.State
	var valueJSON, attrsJSON string
	err := row.Scan(&s.EntityID, &valueJSON, &attrsJSON, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("localstore: get state: %w", err)
	}
	if err := json.Unmarshal([]byte(valueJSON), &s.Value); err != nil {
		return nil, fmt.Errorf("unmarshal state value: %w", err)
	}
	if err := json.Unmarshal([]byte(attrsJSON), &s.Attrs); err != nil {
		return nil, fmt.Errorf("unmarshal state attrs: %w", err)
	}
	return &s, nil
}

// AppendHistory is a no-op locally: entity_state_history is owned by the
// remote store per the data model's ownership rules. The local repository
// only ever serves as the registry's warm-cache layer for devices,
// entities, and the latest-state snapshot.
func (r *Repository) AppendHistory(ctx context.Context, rec entity.HistoryRecord) error {
	return nil
}
