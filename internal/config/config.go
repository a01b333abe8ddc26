// Package config loads, validates and hot-reloads the DiscordFS
// configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps any failed validation, surfaced as a fatal startup
// error.
var ErrInvalid = errors.New("config: invalid")

// Discord holds the chat-service connection settings.
type Discord struct {
	BotToken  string `yaml:"botToken"`
	ChannelID uint64 `yaml:"channelId"`
}

// FileSystem holds the mount-facing settings.
type FileSystem struct {
	DriveLetter string `yaml:"driveLetter"`
	CacheSizeMB int    `yaml:"cacheSizeMB"`
}

// Security holds encryption settings.
type Security struct {
	EnableEncryption bool   `yaml:"enableEncryption"`
	MasterKey        string `yaml:"masterKey"`
	KMIP             KMIP   `yaml:"kmip"`
}

// KMIP configures wrapping the master key with an external key-management
// server instead of storing it (or a base64 copy of it) directly. When
// Endpoint is empty KMIP is disabled and Security.MasterKey /
// LoadOrCreateMasterKeyFile govern the key as before.
type KMIP struct {
	Endpoint   string `yaml:"endpoint"`
	KeyID      string `yaml:"keyId"`
	CertFile   string `yaml:"certFile"`
	KeyFile    string `yaml:"keyFile"`
	CACertFile string `yaml:"caCertFile"`
}

// Config is the full, validated configuration tree.
type Config struct {
	Discord    Discord    `yaml:"discord"`
	FileSystem FileSystem `yaml:"fileSystem"`
	Security   Security   `yaml:"security"`
}

// defaults returns a Config pre-populated with every default value so
// that Load only needs to fill in what the file overrides.
func defaults() Config {
	return Config{
		FileSystem: FileSystem{DriveLetter: "Z", CacheSizeMB: 256},
		Security:   Security{EnableEncryption: true},
	}
}

// Load reads and validates the YAML file at path, starting from defaults.
func Load(path string) (Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the required fields the spec calls out as fatal at
// startup when missing.
func (c Config) Validate() error {
	if c.Discord.BotToken == "" {
		return fmt.Errorf("%w: discord.botToken is required", ErrInvalid)
	}
	if c.Discord.ChannelID == 0 {
		return fmt.Errorf("%w: discord.channelId is required", ErrInvalid)
	}
	return nil
}

// Watcher hot-reloads Config from its backing file on write events,
// notifying subscribers with the newly validated configuration. A
// reload that fails validation is logged and the previous configuration
// is kept in force.
type Watcher struct {
	path    string
	log     *logrus.Entry
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	current Config

	subscribers []chan<- Config
}

// NewWatcher loads path once and begins watching it for changes.
func NewWatcher(path string, log *logrus.Entry) (*Watcher, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	w := &Watcher{
		path:    path,
		log:     log.WithField("component", "config"),
		watcher: fsw,
		current: cfg,
	}
	go w.run()
	return w, nil
}

// Current returns the most recently successfully loaded configuration.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Subscribe registers ch to receive every successfully reloaded
// configuration. ch should be buffered or drained promptly.
func (w *Watcher) Subscribe(ch chan<- Config) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subscribers = append(w.subscribers, ch)
}

// Close stops the underlying filesystem watch.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("config watch error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.WithError(err).Warn("config reload failed, keeping previous configuration")
		return
	}

	w.mu.Lock()
	w.current = cfg
	subs := append([]chan<- Config(nil), w.subscribers...)
	w.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- cfg:
		default:
			w.log.Warn("config subscriber channel full, dropping reload notification")
		}
	}
}
