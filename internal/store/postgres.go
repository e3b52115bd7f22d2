package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const postgresOperationTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Postgres is the durable Store backend. The connection and schema migration
// are established lazily on first use.
type Postgres struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &Postgres{dsn: dsn, openDB: sql.Open}, nil
}

func (p *Postgres) ensureReady() error {
	if p == nil {
		return ErrInvalidInput
	}
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		if err := migrateSchema(db); err != nil {
			_ = db.Close()
			p.initErr = err
			return
		}
		p.db = db
	})
	return p.initErr
}

func migrateSchema(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	target, err := pgmigrate.WithInstance(db, &pgmigrate.Config{})
	if err != nil {
		return err
	}
	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", target)
	if err != nil {
		return err
	}
	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (p *Postgres) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, postgresOperationTimeout)
}

func (p *Postgres) ListInstances(ctx context.Context, enabledOnly bool) ([]Instance, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()
	query := `SELECT id, name, base_url, enabled, created_at FROM instances`
	if enabledOnly {
		query += ` WHERE enabled`
	}
	query += ` ORDER BY id`
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Instance
	for rows.Next() {
		var inst Instance
		if err := rows.Scan(&inst.ID, &inst.Name, &inst.BaseURL, &inst.Enabled, &inst.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (p *Postgres) GetInstance(ctx context.Context, id string) (*Instance, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()
	var inst Instance
	err := p.db.QueryRowContext(ctx,
		`SELECT id, name, base_url, enabled, created_at FROM instances WHERE id = $1`, id).
		Scan(&inst.ID, &inst.Name, &inst.BaseURL, &inst.Enabled, &inst.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (p *Postgres) SaveInstance(ctx context.Context, inst *Instance) error {
	if inst == nil || strings.TrimSpace(inst.ID) == "" {
		return ErrInvalidInput
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO instances (id, name, base_url, enabled, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id)
		DO UPDATE SET name = EXCLUDED.name, base_url = EXCLUDED.base_url, enabled = EXCLUDED.enabled`,
		inst.ID, inst.Name, inst.BaseURL, inst.Enabled, inst.CreatedAt)
	return err
}

func (p *Postgres) ListAccounts(ctx context.Context, instanceID string, enabledOnly bool) ([]Account, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()
	query := `SELECT id, instance_id, email, password, token, token_expiry, enabled FROM accounts WHERE 1=1`
	args := []any{}
	if instanceID != "" {
		args = append(args, instanceID)
		query += ` AND instance_id = $1`
	}
	if enabledOnly {
		query += ` AND enabled`
	}
	query += ` ORDER BY id`
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (Account, error) {
	var acct Account
	var expiry sql.NullTime
	if err := row.Scan(&acct.ID, &acct.InstanceID, &acct.Email, &acct.Password, &acct.Token, &expiry, &acct.Enabled); err != nil {
		return Account{}, err
	}
	if expiry.Valid {
		acct.TokenExpiry = expiry.Time
	}
	return acct, nil
}

func (p *Postgres) GetAccount(ctx context.Context, id string) (*Account, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()
	acct, err := scanAccount(p.db.QueryRowContext(ctx,
		`SELECT id, instance_id, email, password, token, token_expiry, enabled FROM accounts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (p *Postgres) SaveAccount(ctx context.Context, acct *Account) error {
	if acct == nil || strings.TrimSpace(acct.ID) == "" {
		return ErrInvalidInput
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()
	var expiry sql.NullTime
	if !acct.TokenExpiry.IsZero() {
		expiry = sql.NullTime{Time: acct.TokenExpiry, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (id, instance_id, email, password, token, token_expiry, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id)
		DO UPDATE SET instance_id = EXCLUDED.instance_id, email = EXCLUDED.email,
			password = EXCLUDED.password, token = EXCLUDED.token,
			token_expiry = EXCLUDED.token_expiry, enabled = EXCLUDED.enabled`,
		acct.ID, acct.InstanceID, acct.Email, acct.Password, acct.Token, expiry, acct.Enabled)
	return err
}

const applicationColumns = `id, instance_id, account_id, remote_app_id, app_type, name, description,
	icon, is_public, remote_created_at, remote_updated_at, last_synced_at, config`

func scanApplication(row rowScanner) (Application, error) {
	var app Application
	var configRaw []byte
	var lastSynced sql.NullTime
	if err := row.Scan(&app.ID, &app.InstanceID, &app.AccountID, &app.RemoteAppID, &app.Type,
		&app.Name, &app.Description, &app.Icon, &app.IsPublic,
		&app.RemoteCreatedAt, &app.RemoteUpdatedAt, &lastSynced, &configRaw); err != nil {
		return Application{}, err
	}
	if lastSynced.Valid {
		app.LastSyncedAt = lastSynced.Time
	}
	cfg, err := decodeAppConfig(configRaw)
	if err != nil {
		return Application{}, err
	}
	app.Config = cfg
	return app, nil
}

func (p *Postgres) ListApplications(ctx context.Context, instanceID string) ([]Application, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()
	query := `SELECT ` + applicationColumns + ` FROM applications`
	args := []any{}
	if instanceID != "" {
		query += ` WHERE instance_id = $1`
		args = append(args, instanceID)
	}
	query += ` ORDER BY id`
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, app)
	}
	return out, rows.Err()
}

func (p *Postgres) GetApplication(ctx context.Context, id string) (*Application, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()
	app, err := scanApplication(p.db.QueryRowContext(ctx,
		`SELECT `+applicationColumns+` FROM applications WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &app, nil
}

func (p *Postgres) FindApplication(ctx context.Context, instanceID, remoteAppID string) (*Application, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()
	app, err := scanApplication(p.db.QueryRowContext(ctx,
		`SELECT `+applicationColumns+` FROM applications WHERE instance_id = $1 AND remote_app_id = $2`,
		instanceID, remoteAppID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &app, nil
}

func (p *Postgres) SaveApplication(ctx context.Context, app *Application) error {
	if app == nil || strings.TrimSpace(app.ID) == "" {
		return ErrInvalidInput
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	configRaw, err := encodeAppConfig(app.Config)
	if err != nil {
		return err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO applications (id, instance_id, account_id, remote_app_id, app_type, name, description,
			icon, is_public, remote_created_at, remote_updated_at, last_synced_at, config)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (instance_id, remote_app_id)
		DO UPDATE SET account_id = EXCLUDED.account_id, app_type = EXCLUDED.app_type,
			name = EXCLUDED.name, description = EXCLUDED.description, icon = EXCLUDED.icon,
			is_public = EXCLUDED.is_public, remote_created_at = EXCLUDED.remote_created_at,
			remote_updated_at = EXCLUDED.remote_updated_at, last_synced_at = EXCLUDED.last_synced_at,
			config = EXCLUDED.config`,
		app.ID, app.InstanceID, app.AccountID, app.RemoteAppID, app.Type, app.Name, app.Description,
		app.Icon, app.IsPublic, app.RemoteCreatedAt, app.RemoteUpdatedAt, app.LastSyncedAt, configRaw)
	return err
}

func (p *Postgres) FindSite(ctx context.Context, applicationID, remoteSiteID string) (*Site, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()
	var site Site
	var configRaw []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT id, application_id, remote_site_id, title, url, enabled, config
		 FROM sites WHERE application_id = $1 AND remote_site_id = $2`,
		applicationID, remoteSiteID).
		Scan(&site.ID, &site.ApplicationID, &site.RemoteSiteID, &site.Title, &site.URL, &site.Enabled, &configRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	site.Config = configRaw
	return &site, nil
}

func (p *Postgres) SaveSite(ctx context.Context, site *Site) error {
	if site == nil || strings.TrimSpace(site.ID) == "" {
		return ErrInvalidInput
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sites (id, application_id, remote_site_id, title, url, enabled, config)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (application_id, remote_site_id)
		DO UPDATE SET title = EXCLUDED.title, url = EXCLUDED.url,
			enabled = EXCLUDED.enabled, config = EXCLUDED.config`,
		site.ID, site.ApplicationID, site.RemoteSiteID, site.Title, site.URL, site.Enabled, []byte(site.Config))
	return err
}

const versionColumns = `id, application_id, version, content_hash, content, raw_content, created_at`

func scanVersion(row rowScanner) (DSLVersion, error) {
	var v DSLVersion
	var contentRaw []byte
	if err := row.Scan(&v.ID, &v.ApplicationID, &v.Version, &v.ContentHash, &contentRaw, &v.RawContent, &v.CreatedAt); err != nil {
		return DSLVersion{}, err
	}
	if len(contentRaw) > 0 {
		if err := json.Unmarshal(contentRaw, &v.Content); err != nil {
			return DSLVersion{}, err
		}
	}
	return v, nil
}

func (p *Postgres) LatestDSLVersion(ctx context.Context, applicationID string) (*DSLVersion, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()
	v, err := scanVersion(p.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM dsl_versions WHERE application_id = $1 ORDER BY version DESC LIMIT 1`,
		applicationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (p *Postgres) FindDSLVersionByHash(ctx context.Context, applicationID, contentHash string) (*DSLVersion, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()
	v, err := scanVersion(p.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM dsl_versions WHERE application_id = $1 AND content_hash = $2
		 ORDER BY version LIMIT 1`,
		applicationID, contentHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (p *Postgres) GetDSLVersion(ctx context.Context, applicationID string, version int) (*DSLVersion, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()
	v, err := scanVersion(p.db.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM dsl_versions WHERE application_id = $1 AND version = $2`,
		applicationID, version))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (p *Postgres) ListDSLVersions(ctx context.Context, applicationID string) ([]DSLVersion, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM dsl_versions WHERE application_id = $1 ORDER BY version`,
		applicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DSLVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *Postgres) AppendDSLVersion(ctx context.Context, v *DSLVersion) error {
	if v == nil || strings.TrimSpace(v.ID) == "" || strings.TrimSpace(v.ApplicationID) == "" || v.Version < 1 {
		return ErrInvalidInput
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	contentRaw, err := json.Marshal(v.Content)
	if err != nil {
		return err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	// Versions are append-only: no ON CONFLICT clause, the unique index on
	// (application_id, version) rejects rewrites.
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO dsl_versions (id, application_id, version, content_hash, content, raw_content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		v.ID, v.ApplicationID, v.Version, v.ContentHash, contentRaw, v.RawContent, v.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateVersion
	}
	return err
}

// isUniqueViolation matches the driver's unique_violation code (23505) so
// duplicate detection survives locale and driver message changes.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}
