package calsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

const (
	postgresEventsTable      = "calsync_events"
	postgresCredentialsTable = "calsync_credentials"
	postgresConflictsTable   = "calsync_conflicts"
	postgresChannelsTable    = "calsync_channels"
	postgresSyncRunsTable    = "calsync_sync_runs"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// postgresCore owns the connection and lazy schema creation shared by the
// individual store implementations.
type postgresCore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresStores opens the full store bundle over one postgres database.
// Schema objects are created on first use.
func NewPostgresStores(dsn string) (*Stores, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	core := &postgresCore{dsn: dsn, openDB: sql.Open}
	return &Stores{
		Local:       &postgresLocalStore{core: core},
		Credentials: &postgresCredentialStore{core: core},
		Conflicts:   &postgresConflictStore{core: core},
		Channels:    &postgresChannelStore{core: core},
		Runs:        &postgresSyncRunStore{core: core},
		closeFn:     core.close,
	}, nil
}

func (c *postgresCore) ensureReady() error {
	c.initOnce.Do(func() {
		db, err := c.openDB("postgres", c.dsn)
		if err != nil {
			c.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					title TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					start_time TIMESTAMPTZ NOT NULL,
					end_time TIMESTAMPTZ NOT NULL,
					location TEXT NOT NULL DEFAULT '',
					all_day BOOLEAN NOT NULL DEFAULT FALSE,
					recurrence TEXT NOT NULL DEFAULT '',
					external_id TEXT NOT NULL DEFAULT '',
					deleted BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL
				)`, postgresQuoteIdentifier(postgresEventsTable)),
			fmt.Sprintf(
				"CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (user_id, external_id) WHERE external_id <> '' AND NOT deleted",
				postgresQuoteIdentifier(postgresEventsTable+"_external_id_idx"),
				postgresQuoteIdentifier(postgresEventsTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					user_id TEXT NOT NULL,
					provider TEXT NOT NULL,
					access_token TEXT NOT NULL DEFAULT '',
					refresh_token TEXT NOT NULL DEFAULT '',
					expiry TIMESTAMPTZ,
					scope TEXT NOT NULL DEFAULT '',
					sync_enabled BOOLEAN NOT NULL DEFAULT TRUE,
					updated_at TIMESTAMPTZ NOT NULL,
					PRIMARY KEY (user_id, provider)
				)`, postgresQuoteIdentifier(postgresCredentialsTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					local_event_id TEXT NOT NULL DEFAULT '',
					external_event_id TEXT NOT NULL DEFAULT '',
					reason TEXT NOT NULL,
					strategy TEXT NOT NULL DEFAULT '',
					resolved BOOLEAN NOT NULL DEFAULT FALSE,
					resolution TEXT NOT NULL DEFAULT '',
					local_snapshot TEXT NOT NULL DEFAULT '',
					external_snapshot TEXT NOT NULL DEFAULT '',
					detected_at TIMESTAMPTZ NOT NULL,
					resolved_at TIMESTAMPTZ
				)`, postgresQuoteIdentifier(postgresConflictsTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					calendar_id TEXT NOT NULL,
					channel_id TEXT NOT NULL UNIQUE,
					resource_id TEXT NOT NULL DEFAULT '',
					resource_uri TEXT NOT NULL DEFAULT '',
					token TEXT NOT NULL DEFAULT '',
					expiration TIMESTAMPTZ NOT NULL,
					active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMPTZ NOT NULL,
					stopped_at TIMESTAMPTZ
				)`, postgresQuoteIdentifier(postgresChannelsTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					status TEXT NOT NULL,
					external_count INTEGER NOT NULL DEFAULT 0,
					local_count INTEGER NOT NULL DEFAULT 0,
					imported_count INTEGER NOT NULL DEFAULT 0,
					conflict_count INTEGER NOT NULL DEFAULT 0,
					errors TEXT NOT NULL DEFAULT '[]',
					started_at TIMESTAMPTZ NOT NULL,
					finished_at TIMESTAMPTZ NOT NULL
				)`, postgresQuoteIdentifier(postgresSyncRunsTable)),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				c.initErr = err
				return
			}
		}
		c.db = db
	})
	return c.initErr
}

func (c *postgresCore) close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *postgresCore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, postgresOperationTimeout)
}

type postgresLocalStore struct {
	core *postgresCore
}

const localEventColumns = "id, user_id, title, description, start_time, end_time, location, all_day, recurrence, external_id, created_at, updated_at"

func scanLocalEvent(row interface{ Scan(...any) error }) (LocalEvent, error) {
	var ev LocalEvent
	err := row.Scan(&ev.ID, &ev.UserID, &ev.Title, &ev.Description, &ev.StartTime, &ev.EndTime,
		&ev.Location, &ev.AllDay, &ev.Recurrence, &ev.ExternalID, &ev.CreatedAt, &ev.UpdatedAt)
	return ev, err
}

func (s *postgresLocalStore) ListEvents(ctx context.Context, userID string, window TimeWindow) ([]LocalEvent, error) {
	if err := s.core.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.core.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE user_id = $1 AND NOT deleted AND end_time >= $2 AND start_time <= $3
		ORDER BY start_time ASC`, localEventColumns, postgresQuoteIdentifier(postgresEventsTable))
	rows, err := s.core.db.QueryContext(ctx, query, userID, window.Start, window.End)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LocalEvent
	for rows.Next() {
		ev, err := scanLocalEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *postgresLocalStore) GetEvent(ctx context.Context, userID, eventID string) (LocalEvent, error) {
	if err := s.core.ensureReady(); err != nil {
		return LocalEvent{}, err
	}
	ctx, cancel := s.core.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1 AND user_id = $2 AND NOT deleted",
		localEventColumns, postgresQuoteIdentifier(postgresEventsTable))
	ev, err := scanLocalEvent(s.core.db.QueryRowContext(ctx, query, eventID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return LocalEvent{}, ErrNotFound
	}
	return ev, err
}

func (s *postgresLocalStore) CreateEvent(ctx context.Context, userID string, input LocalEventInput) (LocalEvent, error) {
	if err := s.core.ensureReady(); err != nil {
		return LocalEvent{}, err
	}
	ctx, cancel := s.core.opContext(ctx)
	defer cancel()

	now := time.Now().UTC()
	ev := LocalEvent{
		ID:          uuid.NewString(),
		UserID:      userID,
		Title:       input.Title,
		Description: input.Description,
		StartTime:   input.StartTime,
		EndTime:     input.EndTime,
		Location:    input.Location,
		AllDay:      input.AllDay,
		Recurrence:  input.Recurrence,
		ExternalID:  input.ExternalID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, user_id, title, description, start_time, end_time, location, all_day, recurrence, external_id, deleted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, $11, $12)`,
		postgresQuoteIdentifier(postgresEventsTable))
	_, err := s.core.db.ExecContext(ctx, query, ev.ID, ev.UserID, ev.Title, ev.Description, ev.StartTime, ev.EndTime,
		ev.Location, ev.AllDay, ev.Recurrence, ev.ExternalID, ev.CreatedAt, ev.UpdatedAt)
	if err != nil {
		return LocalEvent{}, err
	}
	return ev, nil
}

func (s *postgresLocalStore) UpdateEvent(ctx context.Context, userID, eventID string, input LocalEventInput) (LocalEvent, error) {
	if err := s.core.ensureReady(); err != nil {
		return LocalEvent{}, err
	}
	ctx, cancel := s.core.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s
		SET title = $1, description = $2, start_time = $3, end_time = $4, location = $5,
			all_day = $6, recurrence = $7, external_id = $8, updated_at = $9
		WHERE id = $10 AND user_id = $11 AND NOT deleted
		RETURNING %s`, postgresQuoteIdentifier(postgresEventsTable), localEventColumns)
	ev, err := scanLocalEvent(s.core.db.QueryRowContext(ctx, query,
		input.Title, input.Description, input.StartTime, input.EndTime, input.Location,
		input.AllDay, input.Recurrence, input.ExternalID, time.Now().UTC(), eventID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return LocalEvent{}, ErrNotFound
	}
	return ev, err
}

func (s *postgresLocalStore) DeleteEvent(ctx context.Context, userID, eventID string) error {
	if err := s.core.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.core.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf("UPDATE %s SET deleted = TRUE, updated_at = $1 WHERE id = $2 AND user_id = $3 AND NOT deleted",
		postgresQuoteIdentifier(postgresEventsTable))
	result, err := s.core.db.ExecContext(ctx, query, time.Now().UTC(), eventID, userID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresLocalStore) SetExternalID(ctx context.Context, userID, eventID, externalID string) error {
	if err := s.core.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.core.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf("UPDATE %s SET external_id = $1, updated_at = $2 WHERE id = $3 AND user_id = $4 AND NOT deleted",
		postgresQuoteIdentifier(postgresEventsTable))
	result, err := s.core.db.ExecContext(ctx, query, externalID, time.Now().UTC(), eventID, userID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresLocalStore) ClearExternalIDs(ctx context.Context, userID string) (int, error) {
	if err := s.core.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := s.core.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf("UPDATE %s SET external_id = '', updated_at = $1 WHERE user_id = $2 AND external_id <> ''",
		postgresQuoteIdentifier(postgresEventsTable))
	result, err := s.core.db.ExecContext(ctx, query, time.Now().UTC(), userID)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *postgresLocalStore) ListMappings(ctx context.Context, userID string) ([]EventMapping, error) {
	if err := s.core.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.core.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf("SELECT id, external_id FROM %s WHERE user_id = $1 AND external_id <> '' AND NOT deleted ORDER BY id",
		postgresQuoteIdentifier(postgresEventsTable))
	rows, err := s.core.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventMapping
	for rows.Next() {
		var m EventMapping
		if err := rows.Scan(&m.LocalEventID, &m.ExternalEventID); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type postgresCredentialStore struct {
	core *postgresCore
}

func (s *postgresCredentialStore) Find(ctx context.Context, userID, provider string) (Credential, error) {
	if err := s.core.ensureReady(); err != nil {
		return Credential{}, err
	}
	ctx, cancel := s.core.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT user_id, provider, access_token, refresh_token, expiry, scope, sync_enabled, updated_at
		FROM %s WHERE user_id = $1 AND provider = $2`, postgresQuoteIdentifier(postgresCredentialsTable))
	var cred Credential
	var expiry sql.NullTime
	err := s.core.db.QueryRowContext(ctx, query, userID, provider).Scan(
		&cred.UserID, &cred.Provider, &cred.AccessToken, &cred.RefreshToken, &expiry, &cred.Scope, &cred.SyncEnabled, &cred.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, err
	}
	if expiry.Valid {
		cred.Expiry = expiry.Time
	}
	return cred, nil
}

func (s *postgresCredentialStore) Upsert(ctx context.Context, cred Credential) error {
	if cred.UserID == "" || cred.Provider == "" {
		return ErrInvalidInput
	}
	if err := s.core.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.core.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (user_id, provider, access_token, refresh_token, expiry, scope, sync_enabled, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, provider)
		DO UPDATE SET access_token = EXCLUDED.access_token, refresh_token = EXCLUDED.refresh_token,
			expiry = EXCLUDED.expiry, scope = EXCLUDED.scope, sync_enabled = EXCLUDED.sync_enabled,
			updated_at = EXCLUDED.updated_at`, postgresQuoteIdentifier(postgresCredentialsTable))
	_, err := s.core.db.ExecContext(ctx, query, cred.UserID, cred.Provider, cred.AccessToken, cred.RefreshToken,
		cred.Expiry, cred.Scope, cred.SyncEnabled, cred.UpdatedAt)
	return err
}

func (s *postgresCredentialStore) Delete(ctx context.Context, userID, provider string) error {
	if err := s.core.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.core.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE user_id = $1 AND provider = $2", postgresQuoteIdentifier(postgresCredentialsTable))
	_, err := s.core.db.ExecContext(ctx, query, userID, provider)
	return err
}

type postgresConflictStore struct {
	core *postgresCore
}

func (s *postgresConflictStore) Insert(ctx context.Context, record ConflictRecord) (ConflictRecord, error) {
	if err := s.core.ensureReady(); err != nil {
		return ConflictRecord{}, err
	}
	ctx, cancel := s.core.opContext(ctx)
	defer cancel()

	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	localSnapshot, err := marshalSnapshot(record.LocalSnapshot)
	if err != nil {
		return ConflictRecord{}, err
	}
	externalSnapshot, err := marshalSnapshot(record.ExternalSnapshot)
	if err != nil {
		return ConflictRecord{}, err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, user_id, local_event_id, external_event_id, reason, strategy, resolved, resolution, local_snapshot, external_snapshot, detected_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		postgresQuoteIdentifier(postgresConflictsTable))
	_, err = s.core.db.ExecContext(ctx, query, record.ID, record.UserID, record.LocalEventID, record.ExternalEventID,
		string(record.Reason), string(record.Strategy), record.Resolved, record.Resolution,
		localSnapshot, externalSnapshot, record.DetectedAt, record.ResolvedAt)
	if err != nil {
		return ConflictRecord{}, err
	}
	return record, nil
}

const conflictColumns = "id, user_id, local_event_id, external_event_id, reason, strategy, resolved, resolution, local_snapshot, external_snapshot, detected_at, resolved_at"

func scanConflict(row interface{ Scan(...any) error }) (ConflictRecord, error) {
	var record ConflictRecord
	var reason, strategy, localSnapshot, externalSnapshot string
	var resolvedAt sql.NullTime
	err := row.Scan(&record.ID, &record.UserID, &record.LocalEventID, &record.ExternalEventID,
		&reason, &strategy, &record.Resolved, &record.Resolution, &localSnapshot, &externalSnapshot,
		&record.DetectedAt, &resolvedAt)
	if err != nil {
		return ConflictRecord{}, err
	}
	record.Reason = ConflictReason(reason)
	record.Strategy = StrategyName(strategy)
	if resolvedAt.Valid {
		at := resolvedAt.Time
		record.ResolvedAt = &at
	}
	if localSnapshot != "" {
		_ = json.Unmarshal([]byte(localSnapshot), &record.LocalSnapshot)
	}
	if externalSnapshot != "" {
		_ = json.Unmarshal([]byte(externalSnapshot), &record.ExternalSnapshot)
	}
	return record, nil
}

func (s *postgresConflictStore) Get(ctx context.Context, userID, conflictID string) (ConflictRecord, error) {
	if err := s.core.ensureReady(); err != nil {
		return ConflictRecord{}, err
	}
	ctx, cancel := s.core.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1 AND user_id = $2", conflictColumns, postgresQuoteIdentifier(postgresConflictsTable))
	record, err := scanConflict(s.core.db.QueryRowContext(ctx, query, conflictID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return ConflictRecord{}, ErrNotFound
	}
	return record, err
}

func (s *postgresConflictStore) List(ctx context.Context, userID string, resolved *bool) ([]ConflictRecord, error) {
	if err := s.core.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.core.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE user_id = $1", conflictColumns, postgresQuoteIdentifier(postgresConflictsTable))
	args := []any{userID}
	if resolved != nil {
		query += " AND resolved = $2"
		args = append(args, *resolved)
	}
	query += " ORDER BY detected_at ASC, id ASC"

	rows, err := s.core.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConflictRecord
	for rows.Next() {
		record, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (s *postgresConflictStore) MarkResolved(ctx context.Context, userID, conflictID, resolution string, at time.Time) error {
	if err := s.core.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.core.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf("UPDATE %s SET resolved = TRUE, resolution = $1, resolved_at = $2 WHERE id = $3 AND user_id = $4",
		postgresQuoteIdentifier(postgresConflictsTable))
	result, err := s.core.db.ExecContext(ctx, query, resolution, at, conflictID, userID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type postgresChannelStore struct {
	core *postgresCore
}

const channelColumns = "id, user_id, calendar_id, channel_id, resource_id, resource_uri, token, expiration, active, created_at, stopped_at"

func scanChannel(row interface{ Scan(...any) error }) (WebhookChannel, error) {
	var ch WebhookChannel
	var stoppedAt sql.NullTime
	err := row.Scan(&ch.ID, &ch.UserID, &ch.CalendarID, &ch.ChannelID, &ch.ResourceID, &ch.ResourceURI,
		&ch.Token, &ch.Expiration, &ch.Active, &ch.CreatedAt, &stoppedAt)
	if err != nil {
		return WebhookChannel{}, err
	}
	if stoppedAt.Valid {
		at := stoppedAt.Time
		ch.StoppedAt = &at
	}
	return ch, nil
}

func (s *postgresChannelStore) Insert(ctx context.Context, ch WebhookChannel) (WebhookChannel, error) {
	if ch.ChannelID == "" {
		return WebhookChannel{}, ErrInvalidInput
	}
	if err := s.core.ensureReady(); err != nil {
		return WebhookChannel{}, err
	}
	ctx, cancel := s.core.opContext(ctx)
	defer cancel()

	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, user_id, calendar_id, channel_id, resource_id, resource_uri, token, expiration, active, created_at, stopped_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		postgresQuoteIdentifier(postgresChannelsTable))
	_, err := s.core.db.ExecContext(ctx, query, ch.ID, ch.UserID, ch.CalendarID, ch.ChannelID, ch.ResourceID,
		ch.ResourceURI, ch.Token, ch.Expiration, ch.Active, ch.CreatedAt, ch.StoppedAt)
	if err != nil {
		return WebhookChannel{}, err
	}
	return ch, nil
}

func (s *postgresChannelStore) Get(ctx context.Context, userID, channelID string) (WebhookChannel, error) {
	if err := s.core.ensureReady(); err != nil {
		return WebhookChannel{}, err
	}
	ctx, cancel := s.core.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE channel_id = $1 AND user_id = $2", channelColumns, postgresQuoteIdentifier(postgresChannelsTable))
	ch, err := scanChannel(s.core.db.QueryRowContext(ctx, query, channelID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return WebhookChannel{}, ErrNotFound
	}
	return ch, err
}

func (s *postgresChannelStore) FindActive(ctx context.Context, userID, calendarID string) (WebhookChannel, error) {
	if err := s.core.ensureReady(); err != nil {
		return WebhookChannel{}, err
	}
	ctx, cancel := s.core.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE user_id = $1 AND calendar_id = $2 AND active ORDER BY created_at DESC LIMIT 1",
		channelColumns, postgresQuoteIdentifier(postgresChannelsTable))
	ch, err := scanChannel(s.core.db.QueryRowContext(ctx, query, userID, calendarID))
	if errors.Is(err, sql.ErrNoRows) {
		return WebhookChannel{}, ErrNotFound
	}
	return ch, err
}

func (s *postgresChannelStore) FindByChannelID(ctx context.Context, channelID string) (WebhookChannel, error) {
	if err := s.core.ensureReady(); err != nil {
		return WebhookChannel{}, err
	}
	ctx, cancel := s.core.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE channel_id = $1", channelColumns, postgresQuoteIdentifier(postgresChannelsTable))
	ch, err := scanChannel(s.core.db.QueryRowContext(ctx, query, channelID))
	if errors.Is(err, sql.ErrNoRows) {
		return WebhookChannel{}, ErrNotFound
	}
	return ch, err
}

func (s *postgresChannelStore) ListByUser(ctx context.Context, userID string) ([]WebhookChannel, error) {
	if err := s.core.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.core.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE user_id = $1 ORDER BY created_at ASC", channelColumns, postgresQuoteIdentifier(postgresChannelsTable))
	return s.queryChannels(ctx, query, userID)
}

func (s *postgresChannelStore) ListExpired(ctx context.Context, asOf time.Time) ([]WebhookChannel, error) {
	if err := s.core.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.core.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE active AND expiration < $1 ORDER BY expiration ASC", channelColumns, postgresQuoteIdentifier(postgresChannelsTable))
	return s.queryChannels(ctx, query, asOf)
}

func (s *postgresChannelStore) queryChannels(ctx context.Context, query string, args ...any) ([]WebhookChannel, error) {
	rows, err := s.core.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WebhookChannel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *postgresChannelStore) Deactivate(ctx context.Context, channelID string, at time.Time) error {
	if err := s.core.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.core.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf("UPDATE %s SET active = FALSE, stopped_at = $1 WHERE channel_id = $2", postgresQuoteIdentifier(postgresChannelsTable))
	result, err := s.core.db.ExecContext(ctx, query, at, channelID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type postgresSyncRunStore struct {
	core *postgresCore
}

func (s *postgresSyncRunStore) Append(ctx context.Context, run SyncRun) (SyncRun, error) {
	if err := s.core.ensureReady(); err != nil {
		return SyncRun{}, err
	}
	ctx, cancel := s.core.opContext(ctx)
	defer cancel()

	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	errorsJSON, err := json.Marshal(run.Errors)
	if err != nil {
		return SyncRun{}, err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, user_id, status, external_count, local_count, imported_count, conflict_count, errors, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		postgresQuoteIdentifier(postgresSyncRunsTable))
	_, err = s.core.db.ExecContext(ctx, query, run.ID, run.UserID, string(run.Status), run.ExternalCount,
		run.LocalCount, run.ImportedCount, run.ConflictCount, string(errorsJSON), run.StartedAt, run.FinishedAt)
	if err != nil {
		return SyncRun{}, err
	}
	return run, nil
}

const syncRunColumns = "id, user_id, status, external_count, local_count, imported_count, conflict_count, errors, started_at, finished_at"

func scanSyncRun(row interface{ Scan(...any) error }) (SyncRun, error) {
	var run SyncRun
	var status, errorsJSON string
	err := row.Scan(&run.ID, &run.UserID, &status, &run.ExternalCount, &run.LocalCount,
		&run.ImportedCount, &run.ConflictCount, &errorsJSON, &run.StartedAt, &run.FinishedAt)
	if err != nil {
		return SyncRun{}, err
	}
	run.Status = SyncRunStatus(status)
	if errorsJSON != "" {
		_ = json.Unmarshal([]byte(errorsJSON), &run.Errors)
	}
	return run, nil
}

func (s *postgresSyncRunStore) Latest(ctx context.Context, userID string) (SyncRun, error) {
	if err := s.core.ensureReady(); err != nil {
		return SyncRun{}, err
	}
	ctx, cancel := s.core.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE user_id = $1 ORDER BY started_at DESC, id DESC LIMIT 1",
		syncRunColumns, postgresQuoteIdentifier(postgresSyncRunsTable))
	run, err := scanSyncRun(s.core.db.QueryRowContext(ctx, query, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return SyncRun{}, ErrNotFound
	}
	return run, err
}

func (s *postgresSyncRunStore) ListByUser(ctx context.Context, userID string, limit int) ([]SyncRun, error) {
	if err := s.core.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.core.opContext(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE user_id = $1 ORDER BY started_at DESC, id DESC LIMIT $2",
		syncRunColumns, postgresQuoteIdentifier(postgresSyncRunsTable))
	rows, err := s.core.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SyncRun
	for rows.Next() {
		run, err := scanSyncRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func marshalSnapshot(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
