package dslversion

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/difytools/difymirror/internal/dify"
	"github.com/difytools/difymirror/internal/store"
)

type fakeExporter struct {
	results []dify.ExportResult
	calls   int
}

func (f *fakeExporter) ExportAppDSL(_ context.Context, _ *store.Instance, _ *store.Account, _ string) dify.ExportResult {
	result := f.results[f.calls%len(f.results)]
	f.calls++
	return result
}

func exportOf(content map[string]any) dify.ExportResult {
	return dify.ExportResult{Success: true, Content: content, Raw: "raw"}
}

func syncFixture(t *testing.T, exporter *fakeExporter) (*Manager, *store.Instance, *store.Account, *store.Application) {
	t.Helper()
	st := store.NewMemory()
	manager, err := NewManager(Options{Store: st, Client: exporter})
	require.NoError(t, err)
	inst := &store.Instance{ID: "inst_1", BaseURL: "http://dify.local", Enabled: true}
	acct := &store.Account{ID: "acct_1", InstanceID: "inst_1", Enabled: true}
	app := &store.Application{ID: "app_local", InstanceID: "inst_1", RemoteAppID: "app_remote", Type: store.AppTypeChatAssistant}
	return manager, inst, acct, app
}

func TestSyncAppDSLCreatesFirstVersion(t *testing.T) {
	exporter := &fakeExporter{results: []dify.ExportResult{exportOf(map[string]any{
		"app": map[string]any{"name": "demo"},
	})}}
	manager, inst, acct, app := syncFixture(t, exporter)

	result := manager.SyncAppDSL(context.Background(), inst, acct, app)
	require.True(t, result.Success, result.Message)
	assert.True(t, result.IsNewVersion)
	require.NotNil(t, result.Version)
	assert.Equal(t, 1, result.Version.Version)
	assert.NotEmpty(t, result.Version.ContentHash)
}

func TestSyncAppDSLUnchangedContentReturnsLatest(t *testing.T) {
	exporter := &fakeExporter{results: []dify.ExportResult{exportOf(map[string]any{
		"app": map[string]any{"name": "demo"},
	})}}
	manager, inst, acct, app := syncFixture(t, exporter)

	first := manager.SyncAppDSL(context.Background(), inst, acct, app)
	second := manager.SyncAppDSL(context.Background(), inst, acct, app)
	require.True(t, second.Success, second.Message)
	assert.False(t, second.IsNewVersion)
	require.NotNil(t, second.Version)
	assert.Equal(t, first.Version.Version, second.Version.Version)
	assert.Equal(t, "content unchanged", second.Message)
}

func TestSyncAppDSLVersionsAreContiguous(t *testing.T) {
	exporter := &fakeExporter{results: []dify.ExportResult{
		exportOf(map[string]any{"app": map[string]any{"name": "v1"}}),
		exportOf(map[string]any{"app": map[string]any{"name": "v2"}}),
		exportOf(map[string]any{"app": map[string]any{"name": "v3"}}),
	}}
	manager, inst, acct, app := syncFixture(t, exporter)

	for want := 1; want <= 3; want++ {
		result := manager.SyncAppDSL(context.Background(), inst, acct, app)
		require.True(t, result.IsNewVersion, result.Message)
		assert.Equal(t, want, result.Version.Version)
	}
}

func TestSyncAppDSLVolatileOnlyChangeDoesNotVersion(t *testing.T) {
	exporter := &fakeExporter{results: []dify.ExportResult{
		exportOf(map[string]any{"app": map[string]any{"name": "demo"}}),
		exportOf(map[string]any{"app": map[string]any{"name": "demo", "updated_at": "2026-01-01"}}),
	}}
	manager, inst, acct, app := syncFixture(t, exporter)

	manager.SyncAppDSL(context.Background(), inst, acct, app)
	second := manager.SyncAppDSL(context.Background(), inst, acct, app)
	require.True(t, second.Success, second.Message)
	assert.False(t, second.IsNewVersion, "timestamp-only change must not version")
}

func TestSyncAppDSLExportFailureIsResult(t *testing.T) {
	exporter := &fakeExporter{results: []dify.ExportResult{{Message: "export blew up"}}}
	manager, inst, acct, app := syncFixture(t, exporter)

	result := manager.SyncAppDSL(context.Background(), inst, acct, app)
	assert.False(t, result.Success)
	assert.Equal(t, "export blew up", result.Message)
}

func TestSyncAppDSLRejectsSchemaInvalidPayload(t *testing.T) {
	exporter := &fakeExporter{results: []dify.ExportResult{exportOf(map[string]any{
		"not_app": "nope",
	})}}
	manager, inst, acct, app := syncFixture(t, exporter)

	result := manager.SyncAppDSL(context.Background(), inst, acct, app)
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "schema validation")
}

func TestShouldCreateNewVersion(t *testing.T) {
	exporter := &fakeExporter{results: []dify.ExportResult{exportOf(map[string]any{
		"app": map[string]any{"name": "demo"},
	})}}
	manager, inst, acct, app := syncFixture(t, exporter)

	result := manager.SyncAppDSL(context.Background(), inst, acct, app)
	require.True(t, result.Success, result.Message)

	should, err := manager.ShouldCreateNewVersion(context.Background(), app, result.Version.ContentHash)
	require.NoError(t, err)
	assert.False(t, should, "known hash must not need a new version")

	should, err = manager.ShouldCreateNewVersion(context.Background(), app, "deadbeef")
	require.NoError(t, err)
	assert.True(t, should, "unknown hash needs a new version")
}

func TestLatestVersionNilBeforeFirstSync(t *testing.T) {
	exporter := &fakeExporter{results: []dify.ExportResult{exportOf(map[string]any{
		"app": map[string]any{},
	})}}
	manager, _, _, app := syncFixture(t, exporter)

	latest, err := manager.LatestVersion(context.Background(), app)
	require.NoError(t, err)
	assert.Nil(t, latest)
}
