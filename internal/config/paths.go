package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Paths holds the resolved, absolute file system locations used at runtime
type Paths struct {
	WorkingDir string
	DataDir    string
	CacheFile  string
	// Database is empty for network and in-memory drivers
	Database string
	LogFile  string
}

// ResolvePaths resolves every configured path against the working directory.
func (c *Config) ResolvePaths() (*Paths, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	return c.ResolvePathsFrom(wd), nil
}

// ResolvePathsFrom resolves relative paths against base.
func (c *Config) ResolvePathsFrom(base string) *Paths {
	p := &Paths{
		WorkingDir: base,
		DataDir:    resolve(base, c.Paths.DataDir),
		CacheFile:  resolve(base, c.Paths.CacheFile),
		LogFile:    resolve(base, c.Logging.FilePath),
	}
	if c.Storage.Driver == DriverSQLite || c.Storage.Driver == DriverBolt {
		p.Database = resolve(base, c.Storage.DSN)
	}
	return p
}

// EnsureDirectories creates the parent directories of every file path
func (p *Paths) EnsureDirectories() error {
	dirs := []string{p.DataDir, filepath.Dir(p.CacheFile)}
	if p.Database != "" {
		dirs = append(dirs, filepath.Dir(p.Database))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// LogPathResolution logs all resolved paths for debugging
func (p *Paths) LogPathResolution(logger *slog.Logger) {
	logger.Debug("Path resolution",
		slog.String("working_dir", p.WorkingDir),
		slog.String("data_dir", p.DataDir),
		slog.String("cache_file", p.CacheFile),
		slog.String("database", p.Database),
		slog.String("log_file", p.LogFile))
}

func resolve(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}
