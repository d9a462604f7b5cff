// Package directory resolves app descriptors.
package directory

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrAppNotFound is returned for unknown package names.
var ErrAppNotFound = errors.New("app not found")

// Category classifies an app.
type Category string

const (
	CategoryStandard   Category = "standard"
	CategoryBackground Category = "background"
	CategorySystem     Category = "system"
)

// App describes one TPA.
type App struct {
	PackageName  string   `toml:"package_name" bson:"packageName" json:"packageName"`
	Name         string   `toml:"name" bson:"name" json:"name"`
	WebhookURL   string   `toml:"webhook_url" bson:"webhookURL" json:"webhookURL"`
	Category     Category `toml:"category" bson:"category" json:"category"`
	HashedAPIKey string   `toml:"hashed_api_key" bson:"hashedApiKey,omitempty" json:"-"`
}

// Directory is the read side of the app catalogue.
type Directory interface {
	GetApp(ctx context.Context, packageName string) (App, error)
	AllApps(ctx context.Context) ([]App, error)
}

// Memory is an in-process Directory.
type Memory struct {
	mu   sync.RWMutex
	apps map[string]App
}

// NewMemory creates a directory holding apps.
func NewMemory(apps ...App) *Memory {
	m := &Memory{apps: make(map[string]App, len(apps))}
	for _, a := range apps {
		m.apps[a.PackageName] = a
	}
	return m
}

func (m *Memory) GetApp(_ context.Context, packageName string) (App, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	app, ok := m.apps[packageName]
	if !ok {
		return App{}, ErrAppNotFound
	}
	return app, nil
}

func (m *Memory) AllApps(_ context.Context) ([]App, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedApps(m.apps), nil
}

// Put inserts or replaces an app.
func (m *Memory) Put(app App) {
	m.mu.Lock()
	m.apps[app.PackageName] = app
	m.mu.Unlock()
}

// Replace swaps the whole catalogue.
func (m *Memory) Replace(apps []App) {
	next := make(map[string]App, len(apps))
	for _, a := range apps {
		next[a.PackageName] = a
	}
	m.mu.Lock()
	m.apps = next
	m.mu.Unlock()
}

func sortedApps(apps map[string]App) []App {
	out := make([]App, 0, len(apps))
	for _, a := range apps {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PackageName < out[j].PackageName })
	return out
}
