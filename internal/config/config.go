// Package config loads the TOML configuration shared by the CLI and the
// document service: storage DSN, run document files, registry tuning,
// history sinks, partition size, logging and the server address.
package config

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/runbroker/runbroker/internal/document"
	"github.com/runbroker/runbroker/internal/errdefs"
	"github.com/runbroker/runbroker/internal/history"
	historyfactory "github.com/runbroker/runbroker/internal/history/factory"
	"github.com/runbroker/runbroker/internal/jsoncodec"
	"github.com/runbroker/runbroker/internal/logger"
	"github.com/runbroker/runbroker/internal/registry"
	"github.com/runbroker/runbroker/internal/store/memory"
)

// FileConfig represents the top-level TOML structure.
//
//	[store]
//	dsn = "sqlite://assets.db"
//	ignore_duplicates = false
//
//	[runs]
//	files = ["night1.jsonl", "night2.jsonl"]
//
//	[registry]
//	datum_cache = 1000000
//	resource_cache = 1000
//	handler_cache = 1000
//	[registry.root_map]
//	"/nfs/archive" = "/mnt/archive"
//	[registry.specs]
//	"AD_HDF5" = "registered by the embedding program"
//
//	[history]
//	sinks = ["sqlite://history.db", "clickhouse://ch:9000?table=resource_history"]
//
//	[partition]
//	size = 100
//
//	[log]
//	level = "info"
//	format = "text"
//
//	[server]
//	listen = ":8089"
//	base_path = "/api"
type FileConfig struct {
	Store     StoreConfig     `toml:"store" mapstructure:"store"`
	Runs      RunsConfig      `toml:"runs" mapstructure:"runs"`
	Registry  RegistryConfig  `toml:"registry" mapstructure:"registry"`
	History   HistoryConfig   `toml:"history" mapstructure:"history"`
	Partition PartitionConfig `toml:"partition" mapstructure:"partition"`
	Log       *logger.Config  `toml:"log" mapstructure:"log"`
	Server    ServerConfig    `toml:"server" mapstructure:"server"`
}

type StoreConfig struct {
	DSN              string `toml:"dsn" mapstructure:"dsn"`
	IgnoreDuplicates bool   `toml:"ignore_duplicates" mapstructure:"ignore_duplicates"`
}

// RunsConfig names JSON-lines document streams to load into the in-memory
// run store at startup, one pair per line as emitted by the documents dump.
type RunsConfig struct {
	Files []string `toml:"files" mapstructure:"files"`
}

type RegistryConfig struct {
	DatumCache    int               `toml:"datum_cache" mapstructure:"datum_cache"`
	ResourceCache int               `toml:"resource_cache" mapstructure:"resource_cache"`
	HandlerCache  int               `toml:"handler_cache" mapstructure:"handler_cache"`
	RootMap       map[string]string `toml:"root_map" mapstructure:"root_map"`
	// Specs documents which handler specs the embedding program is expected
	// to register, keyed by spec name with a free-form note. Handlers are Go
	// values and cannot be constructed from configuration; the CLI reports
	// any listed spec that is still unregistered at startup.
	Specs map[string]string `toml:"specs" mapstructure:"specs"`
}

type HistoryConfig struct {
	Sinks []string `toml:"sinks" mapstructure:"sinks"`
}

type PartitionConfig struct {
	Size int `toml:"size" mapstructure:"size"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

// Load reads and validates a TOML config file.
func Load(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, err
	}
	if err := fc.Validate(); err != nil {
		return nil, err
	}
	return &fc, nil
}

// Validate fails fast on values the builders would otherwise hit later.
func (fc *FileConfig) Validate() error {
	if strings.TrimSpace(fc.Store.DSN) == "" {
		return fmt.Errorf("%w: store.dsn is required", errdefs.ErrInvalidConfiguration)
	}
	if fc.Partition.Size < 0 {
		return fmt.Errorf("%w: partition.size must not be negative, got %d", errdefs.ErrInvalidConfiguration, fc.Partition.Size)
	}
	if fc.Registry.DatumCache < 0 || fc.Registry.ResourceCache < 0 || fc.Registry.HandlerCache < 0 {
		return fmt.Errorf("%w: registry cache sizes must not be negative", errdefs.ErrInvalidConfiguration)
	}
	for _, dsn := range fc.History.Sinks {
		if strings.TrimSpace(dsn) == "" {
			return fmt.Errorf("%w: empty history sink DSN", errdefs.ErrInvalidConfiguration)
		}
	}
	for _, f := range fc.Runs.Files {
		if strings.TrimSpace(f) == "" {
			return fmt.Errorf("%w: empty runs file entry", errdefs.ErrInvalidConfiguration)
		}
	}
	return nil
}

// Logger builds the configured slog logger. The closer is non-nil when the
// logger writes to a rotated file.
func (fc *FileConfig) Logger() (*slog.Logger, io.Closer) {
	cfg := logger.Config{}
	if fc.Log != nil {
		cfg = *fc.Log
	}
	return cfg.New()
}

// RegistryConfig converts the section into registry construction options.
func (rc RegistryConfig) RegistryConfig(log *slog.Logger) registry.Config {
	return registry.Config{
		DatumCacheSize:    rc.DatumCache,
		ResourceCacheSize: rc.ResourceCache,
		HandlerCacheSize:  rc.HandlerCache,
		RootMap:           rc.RootMap,
		Logger:            log,
	}
}

// BuildSinks constructs every configured history sink.
func (hc HistoryConfig) BuildSinks() ([]history.Sink, error) {
	sinks := make([]history.Sink, 0, len(hc.Sinks))
	for _, dsn := range hc.Sinks {
		s, err := historyfactory.NewSinkFromDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("%w: history sink %q: %v", errdefs.ErrInvalidConfiguration, dsn, err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

// LoadInto reads each configured JSON-lines file and inserts its document
// pairs into the run store. Files load in the order listed.
func (rc RunsConfig) LoadInto(ctx context.Context, st *memory.Store) error {
	for _, p := range rc.Files {
		if err := loadRunFile(ctx, st, p); err != nil {
			return fmt.Errorf("loading run documents from %s: %w", p, err)
		}
	}
	return nil
}

func loadRunFile(ctx context.Context, st *memory.Store, path string) error {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	// columnar event pages can exceed the default token size
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var pr document.Pair
		if err := jsoncodec.Unmarshal(b, &pr); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := st.InsertPair(ctx, pr); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
	return sc.Err()
}
