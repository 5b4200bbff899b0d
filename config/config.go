// Package config loads compilation configuration from jit.conf files.
//
// Configuration files are TOML. Loading starts in a directory and
// walks up to the file system root; files closer to the starting
// directory override files further up, which in turn override the
// defaults. List options may contain "inherit" to splice in the
// inherited value at that point, "all" to stand for every known
// element, and "-name" to remove a single element.
package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("jit.config")

// Optimization is a category of speculative optimization. Speculative
// optimizations rely on profiling information and deoptimize when
// their assumption turns out to be wrong.
type Optimization string

const (
	// RemoveNeverExecutedCode replaces branches that were never taken
	// by deoptimization.
	RemoveNeverExecutedCode Optimization = "remove_never_executed_code"
	// ProfileGuidedInlining skips call sites that never executed and
	// raises the size budget of hot ones.
	ProfileGuidedInlining Optimization = "profile_guided_inlining"
	// UseExceptionProbability replaces exception edges that were never
	// taken by deoptimization.
	UseExceptionProbability Optimization = "use_exception_probability"
)

// Optimizations lists every known optimization category.
var Optimizations = []Optimization{
	RemoveNeverExecutedCode,
	ProfileGuidedInlining,
	UseExceptionProbability,
}

type config struct {
	cfg  Config
	meta toml.MetaData
}

func mergeLists(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	for _, el := range b {
		if el == "inherit" {
			out = append(out, a...)
		} else {
			out = append(out, el)
		}
	}
	return out
}

// normalizeList resolves "all" and "-name" against the known
// elements and returns the sorted result. A list naming every known
// element collapses to "all".
func normalizeList(list []string, known []string) []string {
	set := map[string]bool{}
	for _, el := range list {
		switch {
		case el == "inherit":
			// This should never happen, because the default config
			// should not use "inherit"
			panic(`unresolved "inherit"`)
		case el == "all":
			for _, k := range known {
				set[k] = true
			}
		case strings.HasPrefix(el, "-"):
			delete(set, el[1:])
		default:
			set[el] = true
		}
	}
	out := slices.Sorted(maps.Keys(set))
	if len(out) == len(known) && !slices.ContainsFunc(out, func(el string) bool { return !slices.Contains(known, el) }) {
		return []string{"all"}
	}
	return out
}

func (cfg config) Merge(ocfg config) config {
	if ocfg.meta.IsDefined("strict") {
		cfg.cfg.Strict = ocfg.cfg.Strict
	}
	if ocfg.meta.IsDefined("optimistic", "enabled") {
		cfg.cfg.Optimistic.Enabled = mergeLists(cfg.cfg.Optimistic.Enabled, ocfg.cfg.Optimistic.Enabled)
	}
	if ocfg.meta.IsDefined("inlining", "enabled") {
		cfg.cfg.Inlining.Enabled = ocfg.cfg.Inlining.Enabled
	}
	if ocfg.meta.IsDefined("inlining", "max_depth") {
		cfg.cfg.Inlining.MaxDepth = ocfg.cfg.Inlining.MaxDepth
	}
	if ocfg.meta.IsDefined("inlining", "max_callee_size") {
		cfg.cfg.Inlining.MaxCalleeSize = ocfg.cfg.Inlining.MaxCalleeSize
	}
	if ocfg.meta.IsDefined("graph", "max_nodes") {
		cfg.cfg.Graph.MaxNodes = ocfg.cfg.Graph.MaxNodes
	}
	if ocfg.meta.IsDefined("intrinsics", "enabled") {
		cfg.cfg.Intrinsics.Enabled = ocfg.cfg.Intrinsics.Enabled
	}
	return cfg
}

// Config controls how methods are compiled.
type Config struct {
	// Strict makes unknown keys in configuration files an error
	// instead of a warning.
	Strict     bool             `toml:"strict"`
	Optimistic OptimisticConfig `toml:"optimistic"`
	Inlining   InliningConfig   `toml:"inlining"`
	Graph      GraphConfig      `toml:"graph"`
	Intrinsics IntrinsicsConfig `toml:"intrinsics"`
}

type OptimisticConfig struct {
	// Enabled lists the optimization categories that may be used.
	// "-name" removes a category enabled by an earlier element.
	Enabled []string `toml:"enabled"`
}

// Allows reports whether the optimization category is enabled.
func (c OptimisticConfig) Allows(opt Optimization) bool {
	ok := false
	for _, el := range c.Enabled {
		switch {
		case el == "all" || el == string(opt):
			ok = true
		case el == "-"+string(opt):
			ok = false
		}
	}
	return ok
}

type InliningConfig struct {
	Enabled bool `toml:"enabled"`
	// MaxDepth limits how deeply calls are inlined into each other.
	MaxDepth int `toml:"max_depth"`
	// MaxCalleeSize is the size in bytes of the largest method that
	// gets inlined.
	MaxCalleeSize int `toml:"max_callee_size"`
}

type GraphConfig struct {
	// MaxNodes bounds the size of a graph; building a larger one fails.
	MaxNodes int `toml:"max_nodes"`
}

type IntrinsicsConfig struct {
	// Enabled allows calls to methods with a native implementation
	// to be replaced by dedicated nodes.
	Enabled bool `toml:"enabled"`
}

var defaultConfig = Config{
	Optimistic: OptimisticConfig{
		Enabled: []string{"all"},
	},
	Inlining: InliningConfig{
		Enabled:       true,
		MaxDepth:      8,
		MaxCalleeSize: 100,
	},
	Graph: GraphConfig{
		MaxNodes: 20000,
	},
	Intrinsics: IntrinsicsConfig{
		Enabled: true,
	},
}

// Default returns the configuration used when no files override it.
func Default() Config {
	cfg := defaultConfig
	cfg.Optimistic.Enabled = slices.Clone(cfg.Optimistic.Enabled)
	return cfg
}

const configName = "jit.conf"

// Diagnostics accumulates problems found while loading configuration
// files that don't prevent loading by themselves.
type Diagnostics struct {
	// Unknown lists keys that don't correspond to any option, as
	// file:key. Every key is reported once even if several files
	// use it.
	Unknown []string

	seen map[string]bool
}

func (d *Diagnostics) unknownKey(file string, key toml.Key) {
	if d.seen == nil {
		d.seen = map[string]bool{}
	}
	k := key.String()
	if d.seen[k] {
		return
	}
	d.seen[k] = true
	d.Unknown = append(d.Unknown, file+":"+k)
}

func parseConfigs(dir string, diags *Diagnostics) ([]config, error) {
	var out []config

	for dir != "" {
		path := filepath.Join(dir, configName)
		f, err := os.Open(path)
		if os.IsNotExist(err) {
			ndir := filepath.Dir(dir)
			if ndir == dir {
				break
			}
			dir = ndir
			continue
		}
		if err != nil {
			return nil, err
		}
		var cfg Config
		meta, err := toml.NewDecoder(f).Decode(&cfg)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		for _, key := range meta.Undecoded() {
			diags.unknownKey(path, key)
		}
		out = append(out, config{cfg, meta})
		ndir := filepath.Dir(dir)
		if ndir == dir {
			break
		}
		dir = ndir
	}
	out = append(out, config{
		cfg:  Default(),
		meta: toml.MetaData{}, // meta of the base config should never be accessed
	})
	slices.Reverse(out)
	return out, nil
}

func mergeConfigs(confs []config) Config {
	if len(confs) == 0 {
		// This shouldn't happen because we always have at least a
		// default config.
		panic("trying to merge zero configs")
	}
	conf := confs[0]
	for _, oconf := range confs[1:] {
		conf = conf.Merge(oconf)
	}
	return conf.cfg
}

// Validate checks that option values are in range.
func (cfg Config) Validate() error {
	var errs []error
	if cfg.Inlining.MaxDepth < 0 {
		errs = append(errs, fmt.Errorf("inlining.max_depth must not be negative, got %d", cfg.Inlining.MaxDepth))
	}
	if cfg.Inlining.MaxCalleeSize < 0 {
		errs = append(errs, fmt.Errorf("inlining.max_callee_size must not be negative, got %d", cfg.Inlining.MaxCalleeSize))
	}
	if cfg.Graph.MaxNodes <= 0 {
		errs = append(errs, fmt.Errorf("graph.max_nodes must be positive, got %d", cfg.Graph.MaxNodes))
	}
	for _, el := range cfg.Optimistic.Enabled {
		name := strings.TrimPrefix(el, "-")
		if name != "all" && !slices.Contains(Optimizations, Optimization(name)) {
			errs = append(errs, fmt.Errorf("optimistic.enabled: unknown optimization %q", name))
		}
	}
	return errors.Join(errs...)
}

// Load loads the configuration that applies to dir. Unknown keys are
// added to diags; they are logged as warnings, or make Load fail if
// the resulting configuration is strict.
func Load(dir string, diags *Diagnostics) (Config, error) {
	if diags == nil {
		diags = &Diagnostics{}
	}
	confs, err := parseConfigs(dir, diags)
	if err != nil {
		return Config{}, err
	}
	conf := mergeConfigs(confs)
	known := make([]string, len(Optimizations))
	for i, opt := range Optimizations {
		known[i] = string(opt)
	}
	conf.Optimistic.Enabled = normalizeList(conf.Optimistic.Enabled, known)

	if len(diags.Unknown) > 0 {
		if conf.Strict {
			return Config{}, fmt.Errorf("unknown configuration keys: %s", strings.Join(diags.Unknown, ", "))
		}
		for _, k := range diags.Unknown {
			log.Warningf("ignoring unknown configuration key %s", k)
		}
	}
	if err := conf.Validate(); err != nil {
		return Config{}, err
	}
	return conf, nil
}
