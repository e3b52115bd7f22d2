package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrDuplicateVersion = errors.New("duplicate version")
	ErrNotImplemented   = errors.New("not implemented")
)

// AppType discriminates the supported application variants. The remote API
// reports it as the "mode" field; modes outside this set are never stored.
type AppType string

const (
	AppTypeChatAssistant AppType = "chat"
	AppTypeWorkflow      AppType = "workflow"
	AppTypeChatflow      AppType = "advanced-chat"
)

func ParseAppType(mode string) (AppType, bool) {
	switch AppType(mode) {
	case AppTypeChatAssistant, AppTypeWorkflow, AppTypeChatflow:
		return AppType(mode), true
	default:
		return "", false
	}
}

// Instance is one deployment of the remote console API.
type Instance struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	BaseURL   string    `json:"baseUrl"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"createdAt"`
}

// Account is a credential set scoped to one instance. Token and TokenExpiry
// are mutable session state refreshed in place before authenticated calls.
type Account struct {
	ID          string    `json:"id"`
	InstanceID  string    `json:"instanceId"`
	Email       string    `json:"email"`
	Password    string    `json:"-"`
	Token       string    `json:"-"`
	TokenExpiry time.Time `json:"tokenExpiry"`
	Enabled     bool      `json:"enabled"`
}

// AppConfig is the type-specific payload of an Application. Exactly one
// implementation exists per supported AppType.
type AppConfig interface {
	AppType() AppType
}

type ChatAssistantConfig struct {
	ModelConfig      json.RawMessage `json:"modelConfig,omitempty"`
	OpeningStatement string          `json:"openingStatement,omitempty"`
}

func (ChatAssistantConfig) AppType() AppType { return AppTypeChatAssistant }

type WorkflowConfig struct {
	Workflow json.RawMessage `json:"workflow,omitempty"`
}

func (WorkflowConfig) AppType() AppType { return AppTypeWorkflow }

type ChatflowConfig struct {
	Workflow         json.RawMessage `json:"workflow,omitempty"`
	ModelConfig      json.RawMessage `json:"modelConfig,omitempty"`
	OpeningStatement string          `json:"openingStatement,omitempty"`
}

func (ChatflowConfig) AppType() AppType { return AppTypeChatflow }

// Application mirrors one remote app. The reconciliation natural key is
// (InstanceID, RemoteAppID); re-syncing the same remote id updates in place.
type Application struct {
	ID              string    `json:"id"`
	InstanceID      string    `json:"instanceId"`
	AccountID       string    `json:"accountId"`
	RemoteAppID     string    `json:"remoteAppId"`
	Type            AppType   `json:"type"`
	Name            string    `json:"name"`
	Description     string    `json:"description,omitempty"`
	Icon            string    `json:"icon,omitempty"`
	IsPublic        bool      `json:"isPublic"`
	RemoteCreatedAt string    `json:"remoteCreatedAt,omitempty"`
	RemoteUpdatedAt string    `json:"remoteUpdatedAt,omitempty"`
	LastSyncedAt    time.Time `json:"lastSyncedAt"`
	Config          AppConfig `json:"config,omitempty"`
}

// Site is the published-access sub-resource of an application, reconciled by
// RemoteSiteID independent of the application's type.
type Site struct {
	ID            string          `json:"id"`
	ApplicationID string          `json:"applicationId"`
	RemoteSiteID  string          `json:"remoteSiteId"`
	Title         string          `json:"title,omitempty"`
	URL           string          `json:"url,omitempty"`
	Enabled       bool            `json:"enabled"`
	Config        json.RawMessage `json:"config,omitempty"`
}

// DSLVersion is an immutable snapshot of an application's DSL export.
// Versions form a contiguous 1..N sequence per application and are
// deduplicated by ContentHash; rows are never updated or deleted.
type DSLVersion struct {
	ID            string         `json:"id"`
	ApplicationID string         `json:"applicationId"`
	Version       int            `json:"version"`
	ContentHash   string         `json:"contentHash"`
	Content       map[string]any `json:"content,omitempty"`
	RawContent    string         `json:"rawContent,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// Store is the persistence boundary consumed by the sync core. Find methods
// return (nil, nil) when no row matches; Get methods return ErrNotFound.
// Save methods upsert by primary id. AppendDSLVersion never overwrites: a
// duplicate (application, version) pair fails with ErrDuplicateVersion.
type Store interface {
	ListInstances(ctx context.Context, enabledOnly bool) ([]Instance, error)
	GetInstance(ctx context.Context, id string) (*Instance, error)
	SaveInstance(ctx context.Context, inst *Instance) error

	// ListAccounts with an empty instanceID spans every instance.
	ListAccounts(ctx context.Context, instanceID string, enabledOnly bool) ([]Account, error)
	GetAccount(ctx context.Context, id string) (*Account, error)
	SaveAccount(ctx context.Context, acct *Account) error

	ListApplications(ctx context.Context, instanceID string) ([]Application, error)
	GetApplication(ctx context.Context, id string) (*Application, error)
	FindApplication(ctx context.Context, instanceID, remoteAppID string) (*Application, error)
	SaveApplication(ctx context.Context, app *Application) error

	FindSite(ctx context.Context, applicationID, remoteSiteID string) (*Site, error)
	SaveSite(ctx context.Context, site *Site) error

	LatestDSLVersion(ctx context.Context, applicationID string) (*DSLVersion, error)
	FindDSLVersionByHash(ctx context.Context, applicationID, contentHash string) (*DSLVersion, error)
	GetDSLVersion(ctx context.Context, applicationID string, version int) (*DSLVersion, error)
	ListDSLVersions(ctx context.Context, applicationID string) ([]DSLVersion, error)
	AppendDSLVersion(ctx context.Context, v *DSLVersion) error

	Close() error
}

// appConfigEnvelope carries the tagged union across the Postgres config
// column, which stores untyped JSON.
type appConfigEnvelope struct {
	ChatAssistant *ChatAssistantConfig `json:"chatAssistant,omitempty"`
	Workflow      *WorkflowConfig      `json:"workflow,omitempty"`
	Chatflow      *ChatflowConfig      `json:"chatflow,omitempty"`
}

func encodeAppConfig(cfg AppConfig) ([]byte, error) {
	var env appConfigEnvelope
	switch c := cfg.(type) {
	case nil:
	case ChatAssistantConfig:
		env.ChatAssistant = &c
	case *ChatAssistantConfig:
		env.ChatAssistant = c
	case WorkflowConfig:
		env.Workflow = &c
	case *WorkflowConfig:
		env.Workflow = c
	case ChatflowConfig:
		env.Chatflow = &c
	case *ChatflowConfig:
		env.Chatflow = c
	default:
		return nil, ErrInvalidInput
	}
	return json.Marshal(env)
}

func decodeAppConfig(data []byte) (AppConfig, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var env appConfigEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch {
	case env.ChatAssistant != nil:
		return *env.ChatAssistant, nil
	case env.Workflow != nil:
		return *env.Workflow, nil
	case env.Chatflow != nil:
		return *env.Chatflow, nil
	default:
		return nil, nil
	}
}
