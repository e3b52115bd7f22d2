// Package dslversion maintains the immutable, content-addressed version
// history of each application's DSL export.
package dslversion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/difytools/difymirror/internal/dify"
	"github.com/difytools/difymirror/internal/store"
)

// dslSchema is intentionally shallow: exports vary per app type, but every
// valid export carries an app object.
const dslSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"app": {"type": "object"}
	},
	"required": ["app"]
}`

// ExportClient is the slice of the console client the manager needs.
type ExportClient interface {
	ExportAppDSL(ctx context.Context, inst *store.Instance, acct *store.Account, appID string) dify.ExportResult
}

type Options struct {
	Store  store.Store
	Client ExportClient
	Logger *zap.Logger
}

type Manager struct {
	store  store.Store
	client ExportClient
	schema *jsonschema.Schema
	logger *zap.Logger
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("export client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(dslSchema))
	if err != nil {
		return nil, fmt.Errorf("parse dsl schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("dsl.json", doc); err != nil {
		return nil, fmt.Errorf("add dsl schema: %w", err)
	}
	schema, err := compiler.Compile("dsl.json")
	if err != nil {
		return nil, fmt.Errorf("compile dsl schema: %w", err)
	}
	return &Manager{
		store:  opts.Store,
		client: opts.Client,
		schema: schema,
		logger: logger.Named("dslversion"),
	}, nil
}

// SyncResult is the always-recovered outcome of a DSL sync. IsNewVersion is
// false both on failure and when the content was already versioned.
type SyncResult struct {
	Success      bool              `json:"success"`
	Version      *store.DSLVersion `json:"version,omitempty"`
	IsNewVersion bool              `json:"isNewVersion"`
	Message      string            `json:"message,omitempty"`
}

// SyncAppDSL exports the app's DSL and appends a new version when the
// canonical content hash is unseen for this app. Unchanged content returns
// the latest existing version. Callers never receive an error: every failure
// is folded into the result.
func (m *Manager) SyncAppDSL(ctx context.Context, inst *store.Instance, acct *store.Account, app *store.Application) SyncResult {
	export := m.client.ExportAppDSL(ctx, inst, acct, app.RemoteAppID)
	if !export.Success {
		m.logger.Warn("dsl export failed",
			zap.String("app_id", app.ID),
			zap.String("account_id", acct.ID),
			zap.String("message", export.Message))
		return SyncResult{Message: export.Message}
	}
	if err := m.schema.Validate(any(export.Content)); err != nil {
		m.logger.Warn("dsl payload failed schema validation",
			zap.String("app_id", app.ID),
			zap.String("account_id", acct.ID),
			zap.Error(err))
		return SyncResult{Message: "dsl payload failed schema validation: " + err.Error()}
	}

	hash := CalculateDSLHash(export.Content)
	existing, err := m.store.FindDSLVersionByHash(ctx, app.ID, hash)
	if err != nil {
		return m.failure(app, acct, "look up version by hash", err)
	}
	if existing != nil {
		latest, err := m.store.LatestDSLVersion(ctx, app.ID)
		if err != nil {
			return m.failure(app, acct, "look up latest version", err)
		}
		return SyncResult{Success: true, Version: latest, Message: "content unchanged"}
	}

	latest, err := m.store.LatestDSLVersion(ctx, app.ID)
	if err != nil {
		return m.failure(app, acct, "look up latest version", err)
	}
	next := 1
	if latest != nil {
		next = latest.Version + 1
	}
	version := &store.DSLVersion{
		ID:            uuid.NewString(),
		ApplicationID: app.ID,
		Version:       next,
		ContentHash:   hash,
		Content:       export.Content,
		RawContent:    export.Raw,
		CreatedAt:     time.Now().UTC(),
	}
	if err := m.store.AppendDSLVersion(ctx, version); err != nil {
		return m.failure(app, acct, "persist version", err)
	}
	m.logger.Info("dsl version created",
		zap.String("app_id", app.ID),
		zap.Int("version", next),
		zap.String("content_hash", hash))
	return SyncResult{
		Success:      true,
		Version:      version,
		IsNewVersion: true,
		Message:      fmt.Sprintf("created version %d", next),
	}
}

// LatestVersion returns the highest-numbered version for the app, or nil.
func (m *Manager) LatestVersion(ctx context.Context, app *store.Application) (*store.DSLVersion, error) {
	return m.store.LatestDSLVersion(ctx, app.ID)
}

// ShouldCreateNewVersion reports whether no existing version of the app
// carries this exact content hash.
func (m *Manager) ShouldCreateNewVersion(ctx context.Context, app *store.Application, contentHash string) (bool, error) {
	existing, err := m.store.FindDSLVersionByHash(ctx, app.ID, contentHash)
	if err != nil {
		return false, err
	}
	return existing == nil, nil
}

func (m *Manager) failure(app *store.Application, acct *store.Account, step string, err error) SyncResult {
	m.logger.Error("dsl sync failed",
		zap.String("app_id", app.ID),
		zap.String("account_id", acct.ID),
		zap.String("step", step),
		zap.Error(err))
	return SyncResult{Message: fmt.Sprintf("%s: %v", step, err)}
}
