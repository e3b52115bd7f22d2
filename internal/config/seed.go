package config

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/difytools/difymirror/internal/store"
)

// Seed declares instances and their accounts to provision into the store.
type Seed struct {
	Instances []SeedInstance `mapstructure:"instances"`
}

type SeedInstance struct {
	ID       string        `mapstructure:"id"`
	Name     string        `mapstructure:"name"`
	BaseURL  string        `mapstructure:"base_url"`
	Enabled  *bool         `mapstructure:"enabled"`
	Accounts []SeedAccount `mapstructure:"accounts"`
}

type SeedAccount struct {
	ID       string `mapstructure:"id"`
	Email    string `mapstructure:"email"`
	Password string `mapstructure:"password"`
	Enabled  *bool  `mapstructure:"enabled"`
}

func LoadSeed(path string) (*Seed, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var seed Seed
	if err := v.Unmarshal(&seed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal seed file: %w", err)
	}
	return &seed, nil
}

// ApplySeed upserts the declared instances and accounts. Existing token state
// on an account survives a re-apply.
func ApplySeed(ctx context.Context, st store.Store, seed *Seed) error {
	for _, si := range seed.Instances {
		if si.ID == "" || si.BaseURL == "" {
			return fmt.Errorf("seed instance needs id and base_url")
		}
		inst := &store.Instance{
			ID:      si.ID,
			Name:    si.Name,
			BaseURL: si.BaseURL,
			Enabled: si.Enabled == nil || *si.Enabled,
		}
		if existing, err := st.GetInstance(ctx, si.ID); err == nil {
			inst.CreatedAt = existing.CreatedAt
		}
		if err := st.SaveInstance(ctx, inst); err != nil {
			return fmt.Errorf("save instance %s: %w", si.ID, err)
		}
		for _, sa := range si.Accounts {
			if sa.ID == "" || sa.Email == "" {
				return fmt.Errorf("seed account under instance %s needs id and email", si.ID)
			}
			acct := &store.Account{
				ID:         sa.ID,
				InstanceID: si.ID,
				Email:      sa.Email,
				Password:   sa.Password,
				Enabled:    sa.Enabled == nil || *sa.Enabled,
			}
			if existing, err := st.GetAccount(ctx, sa.ID); err == nil {
				acct.Token = existing.Token
				acct.TokenExpiry = existing.TokenExpiry
			}
			if err := st.SaveAccount(ctx, acct); err != nil {
				return fmt.Errorf("save account %s: %w", sa.ID, err)
			}
		}
	}
	return nil
}

// WatchSeed re-applies the seed file whenever it is rewritten, until the
// context is cancelled. Errors are logged, never fatal: a broken edit keeps
// the last good state.
func WatchSeed(ctx context.Context, st store.Store, path string, logger *zap.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return err
	}
	logger = logger.Named("seed_watcher")
	go func() {
		defer watcher.Close()
		// Editors often replace rather than write in place; debounce so one
		// save does not apply twice.
		var lastApply time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if time.Since(lastApply) < 500*time.Millisecond {
					continue
				}
				lastApply = time.Now()
				seed, err := LoadSeed(path)
				if err != nil {
					logger.Warn("seed reload failed", zap.Error(err))
					continue
				}
				if err := ApplySeed(ctx, st, seed); err != nil {
					logger.Warn("seed re-apply failed", zap.Error(err))
					continue
				}
				logger.Info("seed re-applied", zap.String("path", path))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("seed watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
