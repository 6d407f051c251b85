// Package config implements the configuration oracle: it loads the
// resolver's ambient settings from a TOML file and republishes immutable
// snapshots whenever that file changes on disk.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	"github.com/semihalev/zlog/v2"
)

// Config is one immutable snapshot of the resolver's settings.
type Config struct {
	RetryCount            int      `toml:"retry_count"`
	BaseTimeoutMsec       int      `toml:"base_timeout_msec"`
	SampleValiditySec     int      `toml:"sample_validity_sec"`
	SuccessThresholdPct   int      `toml:"success_threshold_pct"`
	MinSamples            int      `toml:"min_samples"`
	MaxSamples            int      `toml:"max_samples"`
	Subsampling           string   `toml:"subsampling"`
	DoTConnectTimeoutMsec int      `toml:"dot_connect_timeout_msec"`
	StrictStartupWaitMsec int      `toml:"strict_startup_wait_msec"`
	CacheCapacity         int      `toml:"cache_capacity"`
	CacheBuckets          int      `toml:"cache_buckets"`
	ListenAddr            string   `toml:"listen_addr"`
	DebugAddr             string   `toml:"debug_addr"`
	AccessList            []string `toml:"access_list"`
}

// Default returns the configuration used when no file is present, mirroring
// registry.Params' own defaults so the two stay consistent when a value is
// simply absent from the file.
func Default() Config {
	return Config{
		RetryCount:            2,
		BaseTimeoutMsec:       5000,
		SampleValiditySec:     1800,
		SuccessThresholdPct:   75,
		MinSamples:            8,
		MaxSamples:            64,
		Subsampling:           "default:1 0:100 7:10",
		DoTConnectTimeoutMsec: 1000,
		StrictStartupWaitMsec: 4200,
		CacheCapacity:         512,
		CacheBuckets:          640,
		ListenAddr:            "127.0.0.1:53",
		DebugAddr:             "127.0.0.1:8853",
	}
}

// ParseSubsampling parses the "default:1 0:100 7:10" form into a
// per-rcode denominator map, keyed -1 for the "default" bucket.
func ParseSubsampling(s string) (map[int]int, error) {
	out := make(map[int]int)
	for _, field := range strings.Fields(s) {
		parts := strings.SplitN(field, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("config: malformed subsampling entry %q", field)
		}
		key := -1
		if parts[0] != "default" {
			v, err := strconv.Atoi(parts[0])
			if err != nil {
				return nil, fmt.Errorf("config: bad rcode %q in subsampling entry: %w", parts[0], err)
			}
			key = v
		}
		denom, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("config: bad denominator %q in subsampling entry: %w", parts[1], err)
		}
		out[key] = denom
	}
	return out, nil
}

// Load reads and parses path, falling back to Default() for any field left
// unset — BurntSushi/toml happily decodes into a struct pre-populated with
// defaults, so callers always get Default() overlaid with whatever the
// file actually specifies.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	return cfg, nil
}

// Oracle publishes the current Config and watches path for changes via
// fsnotify, republishing a fresh snapshot whenever the file is written.
type Oracle struct {
	path string
	cur  atomic.Pointer[Config]

	mu        sync.Mutex
	listeners []func(Config)

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewOracle loads path once and starts watching it for further changes.
// Watch failures (e.g. the directory doesn't support inotify) are logged
// but not fatal — the oracle still serves the config it loaded.
func NewOracle(path string) (*Oracle, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	o := &Oracle{path: path, done: make(chan struct{})}
	o.cur.Store(&cfg)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		zlog.Warn("config: could not start file watcher, hot reload disabled", "error", err)
		return o, nil
	}
	if err := w.Add(path); err != nil {
		zlog.Warn("config: could not watch config file, hot reload disabled", "path", path, "error", err)
		w.Close()
		return o, nil
	}
	o.watcher = w

	go o.watchLoop()
	return o, nil
}

// Current returns the most recently published snapshot.
func (o *Oracle) Current() Config {
	return *o.cur.Load()
}

// OnChange registers fn to be called with every new snapshot after the
// first. fn must not block.
func (o *Oracle) OnChange(fn func(Config)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, fn)
}

// Close stops the file watcher.
func (o *Oracle) Close() {
	if o.watcher != nil {
		o.watcher.Close()
	}
	close(o.done)
}

func (o *Oracle) watchLoop() {
	for {
		select {
		case <-o.done:
			return
		case ev, ok := <-o.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(o.path)
			if err != nil {
				zlog.Warn("config: reload failed, keeping previous snapshot", "error", err)
				continue
			}
			o.cur.Store(&cfg)
			o.notify(cfg)
		case err, ok := <-o.watcher.Errors:
			if !ok {
				return
			}
			zlog.Warn("config: watcher error", "error", err)
		}
	}
}

func (o *Oracle) notify(cfg Config) {
	o.mu.Lock()
	fns := append([]func(Config){}, o.listeners...)
	o.mu.Unlock()
	for _, fn := range fns {
		fn(cfg)
	}
}
