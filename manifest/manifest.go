// Package manifest handles kava.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"

	"github.com/azuracode464/Kava/vm"
)

// Manifest represents a kava.toml project configuration.
type Manifest struct {
	Project Project     `toml:"project"`
	VM      VMSection   `toml:"vm"`
	GC      GCSection   `toml:"gc"`
	JIT     JITSection  `toml:"jit"`
	Trace   TraceConfig `toml:"trace"`

	// Dir is the directory containing the kava.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
	Entry   string `toml:"entry"`
}

// VMSection configures the interpreter core.
type VMSection struct {
	MaxCallDepth int `toml:"max-call-depth"`
}

// GCSection configures heap sizing and collection policy. Sizes accept
// human-readable values like "64MB".
type GCSection struct {
	Enabled          *bool   `toml:"enabled"`
	InitialHeap      string  `toml:"initial-heap"`
	MaxHeap          string  `toml:"max-heap"`
	YoungGenRatio    int     `toml:"young-gen-ratio"`
	SurvivorRatio    int     `toml:"survivor-ratio"`
	TenureThreshold  int     `toml:"tenure-threshold"`
	TriggerThreshold float64 `toml:"trigger-threshold"`
	Verbose          bool    `toml:"verbose"`
}

// JITSection configures profiling and compilation.
type JITSection struct {
	Enabled   bool   `toml:"enabled"`
	OptLevel  string `toml:"opt-level"`
	CacheFile string `toml:"cache-file"`
}

// TraceConfig configures the execution trace recorder.
type TraceConfig struct {
	Enabled  bool   `toml:"enabled"`
	Database string `toml:"database"`
}

// Load parses a kava.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "kava.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	return &m, nil
}

// FindAndLoad walks up from startDir to find a kava.toml file, then loads
// and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "kava.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// VMConfig converts the manifest into a runtime configuration, starting
// from the built-in defaults and overriding only what the file sets.
func (m *Manifest) VMConfig() (vm.VMConfig, error) {
	cfg := vm.DefaultVMConfig()

	if m.VM.MaxCallDepth > 0 {
		cfg.MaxCallDepth = m.VM.MaxCallDepth
	}

	if m.GC.Enabled != nil {
		cfg.EnableGC = *m.GC.Enabled
	}
	if m.GC.InitialHeap != "" {
		n, err := units.RAMInBytes(m.GC.InitialHeap)
		if err != nil {
			return cfg, fmt.Errorf("bad initial-heap %q: %w", m.GC.InitialHeap, err)
		}
		cfg.GC.InitialHeapSize = n
	}
	if m.GC.MaxHeap != "" {
		n, err := units.RAMInBytes(m.GC.MaxHeap)
		if err != nil {
			return cfg, fmt.Errorf("bad max-heap %q: %w", m.GC.MaxHeap, err)
		}
		cfg.GC.MaxHeapSize = n
	}
	if m.GC.YoungGenRatio > 0 {
		cfg.GC.YoungGenRatio = int64(m.GC.YoungGenRatio)
	}
	if m.GC.SurvivorRatio > 0 {
		cfg.GC.SurvivorRatio = int64(m.GC.SurvivorRatio)
	}
	if m.GC.TenureThreshold > 0 {
		cfg.GC.TenureThreshold = uint16(m.GC.TenureThreshold)
	}
	if m.GC.TriggerThreshold > 0 {
		cfg.GC.TriggerRatio = m.GC.TriggerThreshold
	}
	cfg.GC.Verbose = m.GC.Verbose

	cfg.EnableJIT = m.JIT.Enabled
	if m.JIT.OptLevel != "" {
		level, ok := vm.ParseOptLevel(m.JIT.OptLevel)
		if !ok {
			return cfg, fmt.Errorf("bad opt-level %q", m.JIT.OptLevel)
		}
		cfg.OptLevel = level
	}

	return cfg, nil
}

// JITCachePath returns the absolute path of the configured JIT cache file,
// or empty when none is set.
func (m *Manifest) JITCachePath() string {
	if m.JIT.CacheFile == "" {
		return ""
	}
	return filepath.Join(m.Dir, m.JIT.CacheFile)
}

// TraceDBPath returns the absolute path of the trace database, defaulting
// to kava-trace.db next to the manifest.
func (m *Manifest) TraceDBPath() string {
	db := m.Trace.Database
	if db == "" {
		db = "kava-trace.db"
	}
	return filepath.Join(m.Dir, db)
}
