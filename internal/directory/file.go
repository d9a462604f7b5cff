package directory

import (
	"context"
	"fmt"
	"os"

	"glasshub/internal/watcher"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
)

type catalogue struct {
	Apps []App `toml:"apps"`
}

// File is a Directory backed by a TOML file of [[apps]] tables.
type File struct {
	path   string
	mem    *Memory
	logger *zap.Logger
}

// LoadFile reads path into a new File directory.
func LoadFile(path string, logger *zap.Logger) (*File, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &File{path: path, mem: NewMemory(), logger: logger}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// ParseCatalogue decodes a TOML catalogue.
func ParseCatalogue(data []byte) ([]App, error) {
	var c catalogue
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode app catalogue: %w", err)
	}
	seen := make(map[string]bool, len(c.Apps))
	for i, a := range c.Apps {
		if a.PackageName == "" {
			return nil, fmt.Errorf("app #%d: missing package_name", i+1)
		}
		if seen[a.PackageName] {
			return nil, fmt.Errorf("duplicate app %s", a.PackageName)
		}
		seen[a.PackageName] = true
		if a.Category == "" {
			c.Apps[i].Category = CategoryStandard
		}
	}
	return c.Apps, nil
}

// Reload re-reads the file. The previous catalogue is kept on error.
func (f *File) Reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read app catalogue: %w", err)
	}
	apps, err := ParseCatalogue(data)
	if err != nil {
		return err
	}
	f.mem.Replace(apps)
	f.logger.Info("app catalogue loaded", zap.String("path", f.path), zap.Int("apps", len(apps)))
	return nil
}

// Watch reloads the catalogue whenever the file changes.
func (f *File) Watch(w *watcher.Watcher) error {
	return w.Watch(f.path, f.path)
}

// OnChange is a watcher.ChangeCallback.
func (f *File) OnChange(_, _ string) {
	if err := f.Reload(); err != nil {
		f.logger.Warn("app catalogue reload failed", zap.Error(err))
	}
}

func (f *File) GetApp(ctx context.Context, packageName string) (App, error) {
	return f.mem.GetApp(ctx, packageName)
}

func (f *File) AllApps(ctx context.Context) ([]App, error) {
	return f.mem.AllApps(ctx)
}
