package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/viper"
)

const (
	// AppName names the config file and the user directories.
	AppName = "readaloud"

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "READALOUD_"
)

// ErrNoConfigFile is returned by Watch when no config file was found.
var ErrNoConfigFile = errors.New("no config file in use")

// Options locate the configuration sources.
type Options struct {
	// File is an explicit config file. Empty searches ConfigDirs.
	File string

	// DotEnv lists .env files to read. Nil reads ".env" in the working
	// directory; missing files are ignored.
	DotEnv []string

	// Environ replaces the process environment when non-nil.
	Environ map[string]string

	Logger *log.Logger
}

// Loader merges the configuration sources. Later sources win: defaults,
// .env, config file, environment.
type Loader struct {
	opts   Options
	dirs   []string
	dotenv map[string]string
	logger *log.Logger

	mu   sync.Mutex
	used string
}

// NewLoader prepares a Loader. The .env files are read once here.
func NewLoader(opts Options) (*Loader, error) {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	l := &Loader{opts: opts, logger: opts.Logger.With("component", "config")}

	if opts.File != "" {
		path, err := homedir.Expand(opts.File)
		if err != nil {
			return nil, fmt.Errorf("expand config path: %w", err)
		}
		l.opts.File = path
	} else {
		dirs, err := ConfigDirs()
		if err != nil {
			return nil, err
		}
		l.dirs = dirs
	}

	dotenv, err := readDotEnv(opts.DotEnv)
	if err != nil {
		return nil, err
	}
	l.dotenv = dotenv
	return l, nil
}

// ConfigDirs lists the directories searched for readaloud.yml, most
// specific first.
func ConfigDirs() ([]string, error) {
	dirs, err := gap.NewScope(gap.User, AppName).ConfigDirs()
	if err != nil {
		return nil, fmt.Errorf("could not find configuration directory: %w", err)
	}
	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, AppName)}, dirs...)
	}
	if c := os.Getenv("READALOUD_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}
	return dirs, nil
}

func readDotEnv(files []string) (map[string]string, error) {
	if files == nil {
		files = []string{".env"}
	}
	out := map[string]string{}
	for _, f := range files {
		vals, err := godotenv.Read(f)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f, err)
		}
		for k, v := range vals {
			out[k] = v
		}
	}
	return out, nil
}

func (l *Loader) newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	if l.opts.File != "" {
		v.SetConfigFile(l.opts.File)
		return v
	}
	for _, d := range l.dirs {
		v.AddConfigPath(d)
	}
	v.SetConfigName(AppName)
	return v
}

// Load reads every source and validates the result.
func (l *Loader) Load() (Config, error) {
	cfg := DefaultConfig()

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix, Environment: l.dotenv}); err != nil {
		return cfg, fmt.Errorf("parse .env: %w", err)
	}

	v := l.newViper()
	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	switch {
	case err == nil:
		if err := v.Unmarshal(&cfg); err != nil {
			return cfg, fmt.Errorf("decode %s: %w", v.ConfigFileUsed(), err)
		}
		l.logger.Debug("using configuration file", "path", v.ConfigFileUsed())
	case errors.As(err, &notFound), errors.Is(err, fs.ErrNotExist):
		l.logger.Debug("no configuration file")
	default:
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	l.mu.Lock()
	l.used = v.ConfigFileUsed()
	if err != nil {
		l.used = ""
	}
	l.mu.Unlock()

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix, Environment: l.opts.Environ}); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.resolvePaths(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// FileUsed returns the config file read by the last Load, if any.
func (l *Loader) FileUsed() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used
}

// DefaultFile is where a new config file is created: the explicit file,
// or readaloud.yml in the most specific config directory.
func (l *Loader) DefaultFile() string {
	if l.opts.File != "" {
		return l.opts.File
	}
	if used := l.FileUsed(); used != "" {
		return used
	}
	if len(l.dirs) == 0 {
		return AppName + ".yml"
	}
	return filepath.Join(l.dirs[0], AppName+".yml")
}

// Watch reloads the configuration whenever the file in use changes and
// passes valid results to fn. Invalid edits are logged and skipped.
func (l *Loader) Watch(fn func(Config)) error {
	path := l.FileUsed()
	if path == "" {
		return ErrNoConfigFile
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.Load()
		if err != nil {
			l.logger.Warn("ignoring config change", "file", e.Name, "error", err)
			return
		}
		l.logger.Info("configuration reloaded", "file", e.Name)
		fn(cfg)
	})
	v.WatchConfig()
	return nil
}

// resolvePaths expands ~ and fills unset paths from the user directories.
func (c *Config) resolvePaths() error {
	scope := gap.NewScope(gap.User, AppName)

	if c.Cache.Enabled {
		if c.Cache.Dir == "" {
			dir, err := scope.CacheDir()
			if err != nil {
				return fmt.Errorf("could not find cache directory: %w", err)
			}
			c.Cache.Dir = filepath.Join(dir, "audio")
		}
		dir, err := homedir.Expand(c.Cache.Dir)
		if err != nil {
			return fmt.Errorf("expand cache dir: %w", err)
		}
		c.Cache.Dir = dir
	}

	if c.History.Enabled {
		if c.History.Path == "" {
			path, err := scope.DataPath("history.db")
			if err != nil {
				return fmt.Errorf("could not find data directory: %w", err)
			}
			c.History.Path = path
		}
		path, err := homedir.Expand(c.History.Path)
		if err != nil {
			return fmt.Errorf("expand history path: %w", err)
		}
		c.History.Path = path
	}

	if c.Voice.RefAudio != "" {
		path, err := homedir.Expand(c.Voice.RefAudio)
		if err != nil {
			return fmt.Errorf("expand ref_audio: %w", err)
		}
		c.Voice.RefAudio = path
	}
	return nil
}

// LogPath is the file the CLI logs to.
func LogPath() (string, error) {
	dir, err := gap.NewScope(gap.User, AppName).CacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, AppName+".log"), nil
}
