package syncer

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/difytools/difymirror/internal/store"
)

// AppReconciler turns a raw remote app record into the typed local
// Application, creating or updating by the (instance, remote app id) natural
// key, and delegates embedded site data to the SiteReconciler.
type AppReconciler struct {
	store  store.Store
	sites  *SiteReconciler
	logger *zap.Logger
}

func NewAppReconciler(st store.Store, logger *zap.Logger) *AppReconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AppReconciler{
		store:  st,
		sites:  NewSiteReconciler(st, logger),
		logger: logger.Named("app_reconciler"),
	}
}

// ReconcileResult reports what one record's reconciliation touched.
type ReconcileResult struct {
	App         *store.Application
	Created     bool
	SiteSynced  bool
	SiteCreated bool
}

func (r *AppReconciler) Reconcile(ctx context.Context, inst *store.Instance, acct *store.Account, appType store.AppType, record map[string]any) (ReconcileResult, error) {
	remoteID := stringField(record, "id")
	app, err := r.store.FindApplication(ctx, inst.ID, remoteID)
	if err != nil {
		return ReconcileResult{}, err
	}
	created := app == nil
	if created {
		app = &store.Application{
			ID:          uuid.NewString(),
			InstanceID:  inst.ID,
			RemoteAppID: remoteID,
		}
	}
	app.AccountID = acct.ID
	app.Type = appType
	app.Name = stringField(record, "name")
	app.Description = stringField(record, "description")
	app.Icon = stringField(record, "icon")
	app.IsPublic = boolField(record, "is_public")
	app.RemoteCreatedAt = timestampField(record, "created_at")
	app.RemoteUpdatedAt = timestampField(record, "updated_at")
	app.Config = buildAppConfig(appType, record)
	app.LastSyncedAt = time.Now().UTC()

	if err := r.store.SaveApplication(ctx, app); err != nil {
		return ReconcileResult{}, err
	}
	result := ReconcileResult{App: app, Created: created}

	if siteRecord, ok := record["site"].(map[string]any); ok {
		site, siteCreated, err := r.sites.Reconcile(ctx, app, siteRecord)
		if err != nil {
			return result, err
		}
		if site != nil {
			result.SiteSynced = true
			result.SiteCreated = siteCreated
		}
	}
	return result, nil
}

// buildAppConfig extracts the type-specific payload. Only the three supported
// variants exist; the caller has already discarded every other mode.
func buildAppConfig(appType store.AppType, record map[string]any) store.AppConfig {
	switch appType {
	case store.AppTypeChatAssistant:
		return store.ChatAssistantConfig{
			ModelConfig:      rawField(record, "model_config"),
			OpeningStatement: nestedStringField(record, "model_config", "opening_statement"),
		}
	case store.AppTypeWorkflow:
		return store.WorkflowConfig{
			Workflow: rawField(record, "workflow"),
		}
	case store.AppTypeChatflow:
		return store.ChatflowConfig{
			Workflow:         rawField(record, "workflow"),
			ModelConfig:      rawField(record, "model_config"),
			OpeningStatement: nestedStringField(record, "model_config", "opening_statement"),
		}
	default:
		return nil
	}
}

// SiteReconciler reconciles the site sub-resource embedded in an app detail
// payload by its remote site id, independent of the app's type.
type SiteReconciler struct {
	store  store.Store
	logger *zap.Logger
}

func NewSiteReconciler(st store.Store, logger *zap.Logger) *SiteReconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SiteReconciler{store: st, logger: logger.Named("site_reconciler")}
}

// Reconcile returns (nil, false, nil) when the record carries no usable site
// id; everything else creates or updates by natural key.
func (s *SiteReconciler) Reconcile(ctx context.Context, app *store.Application, record map[string]any) (*store.Site, bool, error) {
	remoteSiteID := stringField(record, "id")
	if remoteSiteID == "" {
		return nil, false, nil
	}
	site, err := s.store.FindSite(ctx, app.ID, remoteSiteID)
	if err != nil {
		return nil, false, err
	}
	created := site == nil
	if created {
		site = &store.Site{
			ID:            uuid.NewString(),
			ApplicationID: app.ID,
			RemoteSiteID:  remoteSiteID,
		}
	}
	site.Title = stringField(record, "title")
	site.URL = siteURL(record)
	site.Enabled = boolFieldDefault(record, "enabled", true)
	if raw, err := json.Marshal(record); err == nil {
		site.Config = raw
	}
	if err := s.store.SaveSite(ctx, site); err != nil {
		return nil, false, err
	}
	return site, created, nil
}

func siteURL(record map[string]any) string {
	if direct := stringField(record, "url"); direct != "" {
		return direct
	}
	base := strings.TrimRight(stringField(record, "app_base_url"), "/")
	code := stringField(record, "code")
	if base == "" || code == "" {
		return ""
	}
	return base + "/" + code
}

func stringField(record map[string]any, key string) string {
	value, _ := record[key].(string)
	return value
}

func nestedStringField(record map[string]any, key, nested string) string {
	sub, _ := record[key].(map[string]any)
	if sub == nil {
		return ""
	}
	return stringField(sub, nested)
}

func boolField(record map[string]any, key string) bool {
	value, _ := record[key].(bool)
	return value
}

func boolFieldDefault(record map[string]any, key string, fallback bool) bool {
	value, ok := record[key].(bool)
	if !ok {
		return fallback
	}
	return value
}

func rawField(record map[string]any, key string) json.RawMessage {
	sub, ok := record[key]
	if !ok || sub == nil {
		return nil
	}
	raw, err := json.Marshal(sub)
	if err != nil {
		return nil
	}
	return raw
}

// timestampField normalizes the remote timestamp, which arrives either as an
// epoch number or a formatted string depending on the endpoint.
func timestampField(record map[string]any, key string) string {
	switch value := record[key].(type) {
	case string:
		return value
	case float64:
		return strconv.FormatInt(int64(value), 10)
	default:
		return ""
	}
}
