package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is the in-process Store used by tests and dry runs. All reads and
// writes copy values so callers never share internal state.
type Memory struct {
	mu        sync.Mutex
	instances map[string]Instance
	accounts  map[string]Account
	apps      map[string]Application
	sites     map[string]Site
	versions  map[string][]DSLVersion
}

func NewMemory() *Memory {
	return &Memory{
		instances: map[string]Instance{},
		accounts:  map[string]Account{},
		apps:      map[string]Application{},
		sites:     map[string]Site{},
		versions:  map[string][]DSLVersion{},
	}
}

func (m *Memory) ListInstances(_ context.Context, enabledOnly bool) ([]Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		if enabledOnly && !inst.Enabled {
			continue
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetInstance(_ context.Context, id string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := inst
	return &clone, nil
}

func (m *Memory) SaveInstance(_ context.Context, inst *Instance) error {
	if inst == nil || strings.TrimSpace(inst.ID) == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[inst.ID] = *inst
	return nil
}

func (m *Memory) ListAccounts(_ context.Context, instanceID string, enabledOnly bool) ([]Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Account, 0, len(m.accounts))
	for _, acct := range m.accounts {
		if instanceID != "" && acct.InstanceID != instanceID {
			continue
		}
		if enabledOnly && !acct.Enabled {
			continue
		}
		out = append(out, acct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetAccount(_ context.Context, id string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := acct
	return &clone, nil
}

func (m *Memory) SaveAccount(_ context.Context, acct *Account) error {
	if acct == nil || strings.TrimSpace(acct.ID) == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[acct.ID] = *acct
	return nil
}

func (m *Memory) ListApplications(_ context.Context, instanceID string) ([]Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Application, 0, len(m.apps))
	for _, app := range m.apps {
		if instanceID != "" && app.InstanceID != instanceID {
			continue
		}
		out = append(out, app)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetApplication(_ context.Context, id string) (*Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := app
	return &clone, nil
}

func (m *Memory) FindApplication(_ context.Context, instanceID, remoteAppID string) (*Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, app := range m.apps {
		if app.InstanceID == instanceID && app.RemoteAppID == remoteAppID {
			clone := app
			return &clone, nil
		}
	}
	return nil, nil
}

func (m *Memory) SaveApplication(_ context.Context, app *Application) error {
	if app == nil || strings.TrimSpace(app.ID) == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apps[app.ID] = *app
	return nil
}

func (m *Memory) FindSite(_ context.Context, applicationID, remoteSiteID string) (*Site, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, site := range m.sites {
		if site.ApplicationID == applicationID && site.RemoteSiteID == remoteSiteID {
			clone := site
			return &clone, nil
		}
	}
	return nil, nil
}

func (m *Memory) SaveSite(_ context.Context, site *Site) error {
	if site == nil || strings.TrimSpace(site.ID) == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sites[site.ID] = *site
	return nil
}

func (m *Memory) LatestDSLVersion(_ context.Context, applicationID string) (*DSLVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.versions[applicationID]
	if len(versions) == 0 {
		return nil, nil
	}
	clone := cloneVersion(versions[len(versions)-1])
	return &clone, nil
}

func (m *Memory) FindDSLVersionByHash(_ context.Context, applicationID, contentHash string) (*DSLVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.versions[applicationID] {
		if v.ContentHash == contentHash {
			clone := cloneVersion(v)
			return &clone, nil
		}
	}
	return nil, nil
}

func (m *Memory) GetDSLVersion(_ context.Context, applicationID string, version int) (*DSLVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.versions[applicationID] {
		if v.Version == version {
			clone := cloneVersion(v)
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListDSLVersions(_ context.Context, applicationID string) ([]DSLVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.versions[applicationID]
	out := make([]DSLVersion, 0, len(versions))
	for _, v := range versions {
		out = append(out, cloneVersion(v))
	}
	return out, nil
}

func (m *Memory) AppendDSLVersion(_ context.Context, v *DSLVersion) error {
	if v == nil || strings.TrimSpace(v.ID) == "" || strings.TrimSpace(v.ApplicationID) == "" || v.Version < 1 {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.versions[v.ApplicationID] {
		if existing.Version == v.Version {
			return ErrDuplicateVersion
		}
	}
	m.versions[v.ApplicationID] = append(m.versions[v.ApplicationID], cloneVersion(*v))
	sort.Slice(m.versions[v.ApplicationID], func(i, j int) bool {
		return m.versions[v.ApplicationID][i].Version < m.versions[v.ApplicationID][j].Version
	})
	return nil
}

func (m *Memory) Close() error { return nil }

func cloneVersion(v DSLVersion) DSLVersion {
	clone := v
	if v.Content != nil {
		clone.Content = cloneContentMap(v.Content)
	}
	return clone
}

func cloneContentMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, val := range in {
		out[k] = cloneContentValue(val)
	}
	return out
}

func cloneContentValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return cloneContentMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneContentValue(item)
		}
		return out
	default:
		return v
	}
}
