package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryInstanceRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.SaveInstance(ctx, &Instance{ID: "inst_1", Name: "main", BaseURL: "http://a", Enabled: true}); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := m.GetInstance(ctx, "inst_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "main" {
		t.Fatalf("unexpected instance: %+v", got)
	}
	if _, err := m.GetInstance(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryListInstancesEnabledFilter(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.SaveInstance(ctx, &Instance{ID: "on", Enabled: true})
	_ = m.SaveInstance(ctx, &Instance{ID: "off", Enabled: false})

	all, err := m.ListInstances(ctx, false)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(all))
	}
	enabled, err := m.ListInstances(ctx, true)
	if err != nil {
		t.Fatalf("list enabled: %v", err)
	}
	if len(enabled) != 1 || enabled[0].ID != "on" {
		t.Fatalf("expected only the enabled instance, got %+v", enabled)
	}
}

func TestMemoryListAccountsFilters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.SaveAccount(ctx, &Account{ID: "a1", InstanceID: "inst_1", Enabled: true})
	_ = m.SaveAccount(ctx, &Account{ID: "a2", InstanceID: "inst_1", Enabled: false})
	_ = m.SaveAccount(ctx, &Account{ID: "b1", InstanceID: "inst_2", Enabled: true})

	scoped, err := m.ListAccounts(ctx, "inst_1", true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(scoped) != 1 || scoped[0].ID != "a1" {
		t.Fatalf("expected one enabled inst_1 account, got %+v", scoped)
	}
	spanning, err := m.ListAccounts(ctx, "", false)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(spanning) != 3 {
		t.Fatalf("expected empty instance id to span instances, got %d", len(spanning))
	}
}

func TestMemoryFindApplicationAbsentIsNilNil(t *testing.T) {
	m := NewMemory()
	app, err := m.FindApplication(context.Background(), "inst_1", "remote_1")
	if err != nil {
		t.Fatalf("expected nil error for absent app, got %v", err)
	}
	if app != nil {
		t.Fatalf("expected nil app, got %+v", app)
	}
}

func TestMemoryApplicationConfigSurvivesRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	app := &Application{
		ID: "app_1", InstanceID: "inst_1", RemoteAppID: "remote_1",
		Type: AppTypeChatAssistant,
		Config: ChatAssistantConfig{
			ModelConfig:      []byte(`{"provider":"openai"}`),
			OpeningStatement: "hello",
		},
	}
	if err := m.SaveApplication(ctx, app); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := m.GetApplication(ctx, "app_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	cfg, ok := got.Config.(ChatAssistantConfig)
	if !ok {
		t.Fatalf("expected chat assistant config back, got %T", got.Config)
	}
	if cfg.OpeningStatement != "hello" {
		t.Fatalf("config lost in round trip: %+v", cfg)
	}
}

func TestMemorySiteNaturalKey(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.SaveSite(ctx, &Site{ID: "site_local", ApplicationID: "app_1", RemoteSiteID: "site_remote", Title: "t"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	found, err := m.FindSite(ctx, "app_1", "site_remote")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found == nil || found.ID != "site_local" {
		t.Fatalf("expected saved site, got %+v", found)
	}
	absent, err := m.FindSite(ctx, "app_1", "other")
	if err != nil || absent != nil {
		t.Fatalf("expected (nil, nil) for absent site, got %+v / %v", absent, err)
	}
}

func versionFixture(appID string, version int, hash string) *DSLVersion {
	return &DSLVersion{
		ID:            appID + "-v" + hash,
		ApplicationID: appID,
		Version:       version,
		ContentHash:   hash,
		Content:       map[string]any{"app": map[string]any{"v": version}},
		CreatedAt:     time.Now().UTC(),
	}
}

func TestMemoryVersionHistory(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	latest, err := m.LatestDSLVersion(ctx, "app_1")
	if err != nil || latest != nil {
		t.Fatalf("expected no latest before appends, got %+v / %v", latest, err)
	}
	for i := 1; i <= 3; i++ {
		if err := m.AppendDSLVersion(ctx, versionFixture("app_1", i, string(rune('a'+i)))); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	latest, err = m.LatestDSLVersion(ctx, "app_1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Version != 3 {
		t.Fatalf("expected latest version 3, got %d", latest.Version)
	}
	versions, err := m.ListDSLVersions(ctx, "app_1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(versions) != 3 {
		t.Fatalf("expected 3 versions, got %d", len(versions))
	}
	for i, v := range versions {
		if v.Version != i+1 {
			t.Fatalf("expected ascending versions, got %+v", versions)
		}
	}
}

func TestMemoryAppendRejectsDuplicateVersion(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.AppendDSLVersion(ctx, versionFixture("app_1", 1, "h1")); err != nil {
		t.Fatalf("append: %v", err)
	}
	err := m.AppendDSLVersion(ctx, versionFixture("app_1", 1, "h2"))
	if !errors.Is(err, ErrDuplicateVersion) {
		t.Fatalf("expected ErrDuplicateVersion, got %v", err)
	}
}

func TestMemoryFindVersionByHash(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.AppendDSLVersion(ctx, versionFixture("app_1", 1, "hash_a"))

	hit, err := m.FindDSLVersionByHash(ctx, "app_1", "hash_a")
	if err != nil || hit == nil {
		t.Fatalf("expected hash hit, got %+v / %v", hit, err)
	}
	miss, err := m.FindDSLVersionByHash(ctx, "app_1", "hash_b")
	if err != nil || miss != nil {
		t.Fatalf("expected (nil, nil) miss, got %+v / %v", miss, err)
	}
	otherApp, err := m.FindDSLVersionByHash(ctx, "app_2", "hash_a")
	if err != nil || otherApp != nil {
		t.Fatalf("expected hash lookups scoped per app, got %+v / %v", otherApp, err)
	}
}

func TestMemoryGetDSLVersion(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.AppendDSLVersion(ctx, versionFixture("app_1", 1, "h1"))

	got, err := m.GetDSLVersion(ctx, "app_1", 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ContentHash != "h1" {
		t.Fatalf("unexpected version: %+v", got)
	}
	if _, err := m.GetDSLVersion(ctx, "app_1", 2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryVersionContentIsIsolated(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	original := versionFixture("app_1", 1, "h1")
	if err := m.AppendDSLVersion(ctx, original); err != nil {
		t.Fatalf("append: %v", err)
	}
	original.Content["app"].(map[string]any)["v"] = "mutated after append"

	stored, err := m.GetDSLVersion(ctx, "app_1", 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Content["app"].(map[string]any)["v"] != 1 {
		t.Fatalf("stored version shares memory with caller: %+v", stored.Content)
	}
	stored.Content["app"].(map[string]any)["v"] = "mutated after read"
	again, _ := m.GetDSLVersion(ctx, "app_1", 1)
	if again.Content["app"].(map[string]any)["v"] != 1 {
		t.Fatalf("reads share memory between callers: %+v", again.Content)
	}
}

func TestMemorySavesCopyEntities(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	inst := &Instance{ID: "inst_1", Name: "before", Enabled: true}
	_ = m.SaveInstance(ctx, inst)
	inst.Name = "after"

	got, _ := m.GetInstance(ctx, "inst_1")
	if got.Name != "before" {
		t.Fatalf("expected save to copy, got %q", got.Name)
	}
}
