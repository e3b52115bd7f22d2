// Package syncer mirrors remote console apps into the local store. A sync
// run walks instances, then accounts, then apps, strictly one at a time:
// every account owns a single bearer token, so concurrent calls under one
// account would race on token refresh.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/difytools/difymirror/internal/dify"
	"github.com/difytools/difymirror/internal/store"
)

const defaultPageSize = 100

// Scope narrows a sync run. Zero values mean "all enabled".
type Scope struct {
	InstanceID string
	AccountID  string
	AppType    string
}

// SyncStats accumulates over a run and is never reset mid-call, so it is
// safe to inspect after a partial failure.
type SyncStats struct {
	ProcessedInstances int            `json:"processed_instances"`
	ProcessedAccounts  int            `json:"processed_accounts"`
	SyncedApps         int            `json:"synced_apps"`
	CreatedApps        int            `json:"created_apps"`
	UpdatedApps        int            `json:"updated_apps"`
	SyncedSites        int            `json:"synced_sites"`
	CreatedSites       int            `json:"created_sites"`
	UpdatedSites       int            `json:"updated_sites"`
	Errors             int            `json:"errors"`
	AppTypes           map[string]int `json:"app_types"`
	ErrorDetails       []string       `json:"error_details"`
}

func NewSyncStats() *SyncStats {
	return &SyncStats{
		AppTypes:     map[string]int{},
		ErrorDetails: []string{},
	}
}

// Event is one progress notification from a running sync.
type Event struct {
	Type       string    `json:"type"`
	InstanceID string    `json:"instanceId,omitempty"`
	AccountID  string    `json:"accountId,omitempty"`
	AppID      string    `json:"appId,omitempty"`
	Message    string    `json:"message,omitempty"`
	Time       time.Time `json:"time"`
}

const (
	EventAccountStarted = "account_started"
	EventAccountFailed  = "account_failed"
	EventAppSynced      = "app_synced"
	EventRunCompleted   = "run_completed"
)

// ConsoleClient is the slice of the remote client the orchestrator consumes.
type ConsoleClient interface {
	EnsureValidToken(ctx context.Context, inst *store.Instance, acct *store.Account) error
	ListApps(ctx context.Context, inst *store.Instance, acct *store.Account, q dify.AppQuery) (dify.AppList, error)
	GetAppDetail(ctx context.Context, inst *store.Instance, acct *store.Account, appID string) (map[string]any, error)
}

type Options struct {
	Store    store.Store
	Client   ConsoleClient
	Logger   *zap.Logger
	OnEvent  func(Event)
	PageSize int
}

type Orchestrator struct {
	store    store.Store
	client   ConsoleClient
	apps     *AppReconciler
	logger   *zap.Logger
	onEvent  func(Event)
	pageSize int
}

func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("console client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Orchestrator{
		store:    opts.Store,
		client:   opts.Client,
		apps:     NewAppReconciler(opts.Store, logger),
		logger:   logger.Named("sync_orchestrator"),
		onEvent:  opts.OnEvent,
		pageSize: pageSize,
	}, nil
}

// SyncApps runs one batch over the resolved scope. Per-account failures are
// folded into the stats and the run continues; scope-resolution failures are
// recorded into the stats and then returned.
func (o *Orchestrator) SyncApps(ctx context.Context, scope Scope) (*SyncStats, error) {
	stats := NewSyncStats()

	instances, err := o.resolveInstances(ctx, scope)
	if err != nil {
		stats.Errors++
		stats.ErrorDetails = append(stats.ErrorDetails, fmt.Sprintf("scope resolution failed: %v", err))
		o.logger.Error("scope resolution failed", zap.Error(err))
		return stats, err
	}

	for i := range instances {
		inst := &instances[i]
		stats.ProcessedInstances++
		accounts, err := o.resolveAccounts(ctx, inst, scope)
		if err != nil {
			stats.Errors++
			stats.ErrorDetails = append(stats.ErrorDetails,
				fmt.Sprintf("account listing failed for instance %s: %v", inst.ID, err))
			o.logger.Error("account listing failed", zap.String("instance_id", inst.ID), zap.Error(err))
			return stats, err
		}
		for j := range accounts {
			acct := &accounts[j]
			stats.ProcessedAccounts++
			o.emit(Event{Type: EventAccountStarted, InstanceID: inst.ID, AccountID: acct.ID})
			if err := o.syncAccount(ctx, inst, acct, scope, stats); err != nil {
				syncErr := &dify.SyncError{
					SyncType: dify.SyncTypeAccount,
					EntityID: acct.ID,
					Context:  map[string]any{"instance_id": inst.ID},
					Err:      err,
				}
				stats.Errors++
				stats.ErrorDetails = append(stats.ErrorDetails, syncErr.Error())
				o.logger.Warn("account sync failed",
					zap.String("instance_id", inst.ID),
					zap.String("account_id", acct.ID),
					zap.Error(err))
				o.emit(Event{Type: EventAccountFailed, InstanceID: inst.ID, AccountID: acct.ID, Message: err.Error()})
				continue
			}
		}
	}

	o.emit(Event{Type: EventRunCompleted, Message: fmt.Sprintf("synced %d apps, %d errors", stats.SyncedApps, stats.Errors)})
	o.logger.Info("sync run completed",
		zap.Int("processed_instances", stats.ProcessedInstances),
		zap.Int("processed_accounts", stats.ProcessedAccounts),
		zap.Int("synced_apps", stats.SyncedApps),
		zap.Int("errors", stats.Errors))
	return stats, nil
}

// resolveInstances expands the instance scope. Direct targeting bypasses the
// enabled filter; an account id alone pins the owning instance, falling back
// from enabled accounts to all accounts.
func (o *Orchestrator) resolveInstances(ctx context.Context, scope Scope) ([]store.Instance, error) {
	instanceID := scope.InstanceID
	if instanceID == "" && scope.AccountID != "" {
		if owner := o.resolveOwningInstance(ctx, scope.AccountID); owner != "" {
			instanceID = owner
		}
	}
	if instanceID != "" {
		inst, err := o.store.GetInstance(ctx, instanceID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []store.Instance{*inst}, nil
	}
	return o.store.ListInstances(ctx, true)
}

func (o *Orchestrator) resolveOwningInstance(ctx context.Context, accountID string) string {
	enabled, err := o.store.ListAccounts(ctx, "", true)
	if err == nil {
		for _, acct := range enabled {
			if acct.ID == accountID {
				return acct.InstanceID
			}
		}
	}
	all, err := o.store.ListAccounts(ctx, "", false)
	if err != nil {
		return ""
	}
	for _, acct := range all {
		if acct.ID == accountID {
			return acct.InstanceID
		}
	}
	return ""
}

func (o *Orchestrator) resolveAccounts(ctx context.Context, inst *store.Instance, scope Scope) ([]store.Account, error) {
	accounts, err := o.store.ListAccounts(ctx, inst.ID, true)
	if err != nil {
		return nil, err
	}
	if scope.AccountID == "" {
		return accounts, nil
	}
	for _, acct := range accounts {
		if acct.ID == scope.AccountID {
			return []store.Account{acct}, nil
		}
	}
	return nil, nil
}

func (o *Orchestrator) syncAccount(ctx context.Context, inst *store.Instance, acct *store.Account, scope Scope, stats *SyncStats) error {
	if err := o.client.EnsureValidToken(ctx, inst, acct); err != nil {
		return err
	}
	if err := o.store.SaveAccount(ctx, acct); err != nil {
		return err
	}
	savedToken := acct.Token
	walkErr := o.walkAccountApps(ctx, inst, acct, scope, stats)
	// The client refreshes the token in place whenever it expires mid-walk;
	// persist it again so the stored session stays current.
	if acct.Token != savedToken {
		if err := o.store.SaveAccount(ctx, acct); err != nil && walkErr == nil {
			walkErr = err
		}
	}
	return walkErr
}

func (o *Orchestrator) walkAccountApps(ctx context.Context, inst *store.Instance, acct *store.Account, scope Scope, stats *SyncStats) error {
	page := 1
	fetched := 0
	for {
		list, err := o.client.ListApps(ctx, inst, acct, dify.AppQuery{
			Page:  page,
			Limit: o.pageSize,
			Mode:  scope.AppType,
		})
		if err != nil {
			return err
		}
		if len(list.Apps) == 0 {
			return nil
		}
		for _, raw := range list.Apps {
			if err := o.processRecord(ctx, inst, acct, scope, raw, stats); err != nil {
				return err
			}
		}
		fetched += len(list.Apps)
		if fetched >= list.Total {
			return nil
		}
		page++
	}
}

// processRecord applies one raw list entry. Validation problems are recovered
// into the stats; store and reconcile failures surface to the account-level
// catch.
func (o *Orchestrator) processRecord(ctx context.Context, inst *store.Instance, acct *store.Account, scope Scope, raw any, stats *SyncStats) error {
	record, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	mode, modeIsString := record["mode"].(string)
	if scope.AppType != "" && mode != scope.AppType {
		return nil
	}
	remoteID, idIsString := record["id"].(string)
	if !modeIsString || mode == "" || !idIsString || remoteID == "" {
		stats.Errors++
		stats.ErrorDetails = append(stats.ErrorDetails,
			fmt.Sprintf("invalid app record for account %s: mode and id must be non-empty strings", acct.ID))
		return nil
	}
	appType, supported := store.ParseAppType(mode)
	if !supported {
		o.logger.Info("skipping unsupported app mode",
			zap.String("mode", mode),
			zap.String("remote_app_id", remoteID))
		return nil
	}

	detail, err := o.client.GetAppDetail(ctx, inst, acct, remoteID)
	if err != nil {
		o.logger.Warn("app detail fetch failed, falling back to list record",
			zap.String("remote_app_id", remoteID),
			zap.Error(err))
		detail = record
	}

	result, err := o.apps.Reconcile(ctx, inst, acct, appType, detail)
	if err != nil {
		return &dify.SyncError{
			SyncType: dify.SyncTypeApp,
			EntityID: remoteID,
			Context:  map[string]any{"account_id": acct.ID},
			Err:      err,
		}
	}

	stats.SyncedApps++
	if result.Created {
		stats.CreatedApps++
	} else {
		stats.UpdatedApps++
	}
	stats.AppTypes[mode]++
	if result.SiteSynced {
		stats.SyncedSites++
		if result.SiteCreated {
			stats.CreatedSites++
		} else {
			stats.UpdatedSites++
		}
	}
	o.emit(Event{Type: EventAppSynced, InstanceID: inst.ID, AccountID: acct.ID, AppID: result.App.ID})
	return nil
}

func (o *Orchestrator) emit(event Event) {
	if o.onEvent == nil {
		return
	}
	event.Time = time.Now().UTC()
	o.onEvent(event)
}
