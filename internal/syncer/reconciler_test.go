package syncer

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/difytools/difymirror/internal/store"
)

func reconcileFixture() (*AppReconciler, *store.Memory, *store.Instance, *store.Account) {
	st := store.NewMemory()
	inst := &store.Instance{ID: "inst_1", BaseURL: "http://dify.local", Enabled: true}
	acct := &store.Account{ID: "acct_1", InstanceID: "inst_1", Enabled: true}
	return NewAppReconciler(st, nil), st, inst, acct
}

func TestReconcileCreatesThenUpdatesByNaturalKey(t *testing.T) {
	r, st, inst, acct := reconcileFixture()
	record := map[string]any{
		"id": "remote_1", "name": "first", "description": "d1",
		"model_config": map[string]any{"opening_statement": "hello"},
	}

	first, err := r.Reconcile(context.Background(), inst, acct, store.AppTypeChatAssistant, record)
	if err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	if !first.Created {
		t.Fatalf("expected first reconcile to create")
	}

	record["name"] = "second"
	second, err := r.Reconcile(context.Background(), inst, acct, store.AppTypeChatAssistant, record)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if second.Created {
		t.Fatalf("expected second reconcile to update")
	}
	if second.App.ID != first.App.ID {
		t.Fatalf("expected stable local id, got %s then %s", first.App.ID, second.App.ID)
	}
	apps, _ := st.ListApplications(context.Background(), "inst_1")
	if len(apps) != 1 || apps[0].Name != "second" {
		t.Fatalf("expected one app with the final name, got %+v", apps)
	}
}

func TestReconcileChatAssistantConfig(t *testing.T) {
	r, _, inst, acct := reconcileFixture()
	record := map[string]any{
		"id": "remote_1", "name": "assistant",
		"model_config": map[string]any{
			"model":             map[string]any{"provider": "openai"},
			"opening_statement": "hi there",
		},
	}

	result, err := r.Reconcile(context.Background(), inst, acct, store.AppTypeChatAssistant, record)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	cfg, ok := result.App.Config.(store.ChatAssistantConfig)
	if !ok {
		t.Fatalf("expected chat assistant config, got %T", result.App.Config)
	}
	if cfg.OpeningStatement != "hi there" {
		t.Fatalf("expected opening statement extracted, got %q", cfg.OpeningStatement)
	}
	var model map[string]any
	if err := json.Unmarshal(cfg.ModelConfig, &model); err != nil {
		t.Fatalf("model config not preserved: %v", err)
	}
}

func TestReconcileWorkflowConfig(t *testing.T) {
	r, _, inst, acct := reconcileFixture()
	record := map[string]any{
		"id": "remote_1", "name": "flow",
		"workflow": map[string]any{"graph": map[string]any{"nodes": []any{}}},
	}

	result, err := r.Reconcile(context.Background(), inst, acct, store.AppTypeWorkflow, record)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	cfg, ok := result.App.Config.(store.WorkflowConfig)
	if !ok {
		t.Fatalf("expected workflow config, got %T", result.App.Config)
	}
	if len(cfg.Workflow) == 0 {
		t.Fatalf("expected workflow payload captured")
	}
}

func TestReconcileChatflowConfigCarriesBothPayloads(t *testing.T) {
	r, _, inst, acct := reconcileFixture()
	record := map[string]any{
		"id": "remote_1", "name": "chatflow",
		"workflow":     map[string]any{"graph": map[string]any{}},
		"model_config": map[string]any{"opening_statement": "welcome"},
	}

	result, err := r.Reconcile(context.Background(), inst, acct, store.AppTypeChatflow, record)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	cfg, ok := result.App.Config.(store.ChatflowConfig)
	if !ok {
		t.Fatalf("expected chatflow config, got %T", result.App.Config)
	}
	if len(cfg.Workflow) == 0 || cfg.OpeningStatement != "welcome" {
		t.Fatalf("expected both payloads, got %+v", cfg)
	}
}

func TestReconcileNormalizesEpochTimestamps(t *testing.T) {
	r, _, inst, acct := reconcileFixture()
	record := map[string]any{
		"id": "remote_1", "name": "timed",
		"created_at": float64(1700000000),
		"updated_at": "2026-01-02T03:04:05Z",
	}

	result, err := r.Reconcile(context.Background(), inst, acct, store.AppTypeChatAssistant, record)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if result.App.RemoteCreatedAt != "1700000000" {
		t.Fatalf("expected epoch rendered as string, got %q", result.App.RemoteCreatedAt)
	}
	if result.App.RemoteUpdatedAt != "2026-01-02T03:04:05Z" {
		t.Fatalf("expected string timestamp passed through, got %q", result.App.RemoteUpdatedAt)
	}
}

func TestSiteReconcileSkipsRecordsWithoutID(t *testing.T) {
	st := store.NewMemory()
	s := NewSiteReconciler(st, nil)
	app := &store.Application{ID: "app_1", InstanceID: "inst_1", RemoteAppID: "remote_1"}

	site, created, err := s.Reconcile(context.Background(), app, map[string]any{"title": "no id"})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if site != nil || created {
		t.Fatalf("expected nil site for record without id, got %+v", site)
	}
}

func TestSiteReconcileCreatesThenUpdates(t *testing.T) {
	st := store.NewMemory()
	s := NewSiteReconciler(st, nil)
	app := &store.Application{ID: "app_1", InstanceID: "inst_1", RemoteAppID: "remote_1"}
	record := map[string]any{
		"id": "site_1", "title": "First", "url": "http://apps.local/s/abc",
	}

	site, created, err := s.Reconcile(context.Background(), app, record)
	if err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	if !created || site.Title != "First" {
		t.Fatalf("expected created site, got %+v", site)
	}
	if !site.Enabled {
		t.Fatalf("expected enabled to default to true")
	}

	record["title"] = "Second"
	record["enabled"] = false
	updated, created, err := s.Reconcile(context.Background(), app, record)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if created {
		t.Fatalf("expected update, not create")
	}
	if updated.ID != site.ID || updated.Title != "Second" || updated.Enabled {
		t.Fatalf("expected in-place update, got %+v", updated)
	}
}

func TestSiteURLComposedFromBaseAndCode(t *testing.T) {
	st := store.NewMemory()
	s := NewSiteReconciler(st, nil)
	app := &store.Application{ID: "app_1", InstanceID: "inst_1", RemoteAppID: "remote_1"}
	record := map[string]any{
		"id": "site_1", "app_base_url": "http://apps.local/", "code": "xyz",
	}

	site, _, err := s.Reconcile(context.Background(), app, record)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if site.URL != "http://apps.local/xyz" {
		t.Fatalf("expected composed url, got %q", site.URL)
	}
}
