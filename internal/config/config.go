// Package config resolves kintampo settings from defaults, an optional
// TOML or YAML file, KINTAMPO_* environment variables and flags, in that
// order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"kintampo/internal/cli"
	"kintampo/internal/config/filekeys"
	"kintampo/internal/logging"
)

const (
	DefaultRoot       = "/tmp/kintampo"
	DefaultHost       = "localhost"
	DefaultBasePort   = 5563
	DefaultDebounce   = time.Second
	DefaultMaxWatches = 8192

	// The discovery port is the base port with a trailing zero, so the base
	// port must leave room for it.
	maxBasePort = 65535 / 10

	envPrefix = "KINTAMPO_"
)

const (
	KeyRoot          = "root"
	KeyDebounce      = "debounce"
	KeyHost          = "host"
	KeyPort          = "port"
	KeyMaxWatches    = "max-watches"
	KeyLogLevel      = "log-level"
	KeyIncludeWrites = "include-writes"
	KeyConfig        = "config"
)

var ErrInvalidConfig = errors.New("invalid config")

type Source string

const (
	SourceDefault Source = "default"
	SourceFile    Source = "file"
	SourceEnv     Source = "env"
	SourceFlag    Source = "flag"
)

type Config struct {
	Root          string
	Debounce      time.Duration
	Host          string
	BasePort      int
	MaxWatches    int
	LogLevel      logging.Level
	IncludeWrites bool
	ConfigFile    string
	ShowVersion   bool
	Sources       map[string]Source
}

// PublicPort serves the topic websocket.
func (c Config) PublicPort() int {
	return c.BasePort
}

// DiscoveryPort serves topology requests, metrics and health checks.
func (c Config) DiscoveryPort() int {
	return c.BasePort * 10
}

func Defaults() Config {
	return Config{
		Root:       DefaultRoot,
		Debounce:   DefaultDebounce,
		Host:       DefaultHost,
		BasePort:   DefaultBasePort,
		MaxWatches: DefaultMaxWatches,
		LogLevel:   logging.LevelInfo,
		Sources:    make(map[string]Source),
	}
}

type LoadOptions struct {
	// Program names the flag set in usage output.
	Program string
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
	// Register adds command specific flags to the shared flag set.
	Register func(fs *flag.FlagSet)
	// Usage receives help output; defaults to os.Stdout.
	Usage io.Writer
	// Summary is printed under the usage line.
	Summary string
}

type flagValues struct {
	Root          string
	Debounce      time.Duration
	Host          string
	Port          int
	MaxWatches    int
	LogLevel      string
	IncludeWrites bool
	ConfigFile    string
	Verbose       bool
	Version       bool
	Set           map[string]bool
}

// Load parses args and resolves every setting. It returns flag.ErrHelp after
// printing usage when help is requested.
func Load(args []string, options LoadOptions) (Config, error) {
	getenv := options.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	defaults := Defaults()
	flags, err := parseFlags(args, defaults, options)
	if err != nil {
		return Config{}, err
	}

	cfg := defaults
	cfg.ShowVersion = flags.Version
	for _, key := range []string{KeyRoot, KeyDebounce, KeyHost, KeyPort, KeyMaxWatches, KeyLogLevel, KeyIncludeWrites} {
		cfg.Sources[key] = SourceDefault
	}

	configFile := strings.TrimSpace(getenv(envName(KeyConfig)))
	if flags.Set[KeyConfig] {
		configFile = strings.TrimSpace(flags.ConfigFile)
	}
	cfg.ConfigFile = configFile
	if configFile != "" {
		if err := applyFile(&cfg, configFile); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg, getenv)
	if err := applyFlags(&cfg, flags); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Root) == "" {
		return fmt.Errorf("%w: root cannot be empty", ErrInvalidConfig)
	}
	if c.Debounce <= 0 {
		return fmt.Errorf("%w: debounce must be > 0", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidConfig)
	}
	if c.BasePort <= 0 || c.BasePort > maxBasePort {
		return fmt.Errorf("%w: port must be between 1 and %d", ErrInvalidConfig, maxBasePort)
	}
	if c.MaxWatches <= 0 {
		return fmt.Errorf("%w: max-watches must be > 0", ErrInvalidConfig)
	}
	return nil
}

func parseFlags(args []string, defaults Config, options LoadOptions) (flagValues, error) {
	if args == nil {
		args = []string{}
	}
	program := options.Program
	if program == "" {
		program = "kintampo"
	}
	fs := flag.NewFlagSet(program, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	root := fs.String(KeyRoot, defaults.Root, "Directory tree to watch")
	debounce := fs.Duration(KeyDebounce, defaults.Debounce, "Debounce window per path")
	host := fs.String(KeyHost, defaults.Host, "Host to bind or connect to")
	port := fs.Int(KeyPort, defaults.BasePort, "Base port; discovery listens on the base port followed by 0")
	maxWatches := fs.Int(KeyMaxWatches, defaults.MaxWatches, "Max active directory watches")
	logLevel := fs.String(KeyLogLevel, string(defaults.LogLevel), "Log level (debug, info, warning, error)")
	includeWrites := fs.Bool(KeyIncludeWrites, defaults.IncludeWrites, "Also subscribe to write events")
	configFile := fs.String(KeyConfig, "", "Config file (.toml, .yaml or .yml)")
	verbose := fs.Bool("verbose", false, "Enable debug logging")
	helpVersion := cli.AddHelpVersionFlags(fs, "Show help", "Print version and exit")
	if options.Register != nil {
		options.Register(fs)
	}

	if err := fs.Parse(args); err != nil {
		return flagValues{}, err
	}
	if helpVersion.Help {
		out := options.Usage
		if out == nil {
			out = os.Stdout
		}
		cli.PrintUsage(out, fs, program, options.Summary)
		return flagValues{}, flag.ErrHelp
	}

	set := make(map[string]bool)
	fs.Visit(func(flag *flag.Flag) {
		set[flag.Name] = true
	})

	return flagValues{
		Root:          *root,
		Debounce:      *debounce,
		Host:          *host,
		Port:          *port,
		MaxWatches:    *maxWatches,
		LogLevel:      *logLevel,
		IncludeWrites: *includeWrites,
		ConfigFile:    *configFile,
		Verbose:       *verbose,
		Version:       helpVersion.Version,
		Set:           set,
	}, nil
}

func applyFile(cfg *Config, path string) error {
	format, err := filekeys.FormatForPath(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	store, err := filekeys.Decode(payload, format)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}

	invalid := func(key string) error {
		return fmt.Errorf("%w: %s: bad value for %q", ErrInvalidConfig, path, key)
	}
	if store.Has(KeyRoot) {
		value, ok := store.GetString(KeyRoot)
		if !ok {
			return invalid(KeyRoot)
		}
		cfg.Root = strings.TrimSpace(value)
		cfg.Sources[KeyRoot] = SourceFile
	}
	if store.Has(KeyDebounce) {
		value, ok := store.GetDuration(KeyDebounce)
		if !ok {
			return invalid(KeyDebounce)
		}
		cfg.Debounce = value
		cfg.Sources[KeyDebounce] = SourceFile
	}
	if store.Has(KeyHost) {
		value, ok := store.GetString(KeyHost)
		if !ok {
			return invalid(KeyHost)
		}
		cfg.Host = strings.TrimSpace(value)
		cfg.Sources[KeyHost] = SourceFile
	}
	if store.Has(KeyPort) {
		value, ok := store.GetInt(KeyPort)
		if !ok {
			return invalid(KeyPort)
		}
		cfg.BasePort = int(value)
		cfg.Sources[KeyPort] = SourceFile
	}
	if store.Has(KeyMaxWatches) {
		value, ok := store.GetInt(KeyMaxWatches)
		if !ok {
			return invalid(KeyMaxWatches)
		}
		cfg.MaxWatches = int(value)
		cfg.Sources[KeyMaxWatches] = SourceFile
	}
	if store.Has(KeyLogLevel) {
		value, ok := store.GetString(KeyLogLevel)
		if !ok {
			return invalid(KeyLogLevel)
		}
		level, ok := logging.ParseLevel(value)
		if !ok {
			return invalid(KeyLogLevel)
		}
		cfg.LogLevel = level
		cfg.Sources[KeyLogLevel] = SourceFile
	}
	if store.Has(KeyIncludeWrites) {
		value, ok := store.GetBool(KeyIncludeWrites)
		if !ok {
			return invalid(KeyIncludeWrites)
		}
		cfg.IncludeWrites = value
		cfg.Sources[KeyIncludeWrites] = SourceFile
	}
	return nil
}

// applyEnv ignores values that fail to parse, leaving the earlier source in place.
func applyEnv(cfg *Config, getenv func(string) string) {
	if raw := strings.TrimSpace(getenv(envName(KeyRoot))); raw != "" {
		cfg.Root = raw
		cfg.Sources[KeyRoot] = SourceEnv
	}
	if raw := strings.TrimSpace(getenv(envName(KeyDebounce))); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			cfg.Debounce = parsed
			cfg.Sources[KeyDebounce] = SourceEnv
		}
	}
	if raw := strings.TrimSpace(getenv(envName(KeyHost))); raw != "" {
		cfg.Host = raw
		cfg.Sources[KeyHost] = SourceEnv
	}
	if raw := strings.TrimSpace(getenv(envName(KeyPort))); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			cfg.BasePort = parsed
			cfg.Sources[KeyPort] = SourceEnv
		}
	}
	if raw := strings.TrimSpace(getenv(envName(KeyMaxWatches))); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			cfg.MaxWatches = parsed
			cfg.Sources[KeyMaxWatches] = SourceEnv
		}
	}
	if raw := strings.TrimSpace(getenv(envName(KeyLogLevel))); raw != "" {
		if level, ok := logging.ParseLevel(raw); ok {
			cfg.LogLevel = level
			cfg.Sources[KeyLogLevel] = SourceEnv
		}
	}
	if raw := strings.TrimSpace(getenv(envName(KeyIncludeWrites))); raw != "" {
		if parsed, err := strconv.ParseBool(raw); err == nil {
			cfg.IncludeWrites = parsed
			cfg.Sources[KeyIncludeWrites] = SourceEnv
		}
	}
}

func applyFlags(cfg *Config, flags flagValues) error {
	if flags.Set[KeyRoot] {
		trimmed := strings.TrimSpace(flags.Root)
		if trimmed == "" {
			return fmt.Errorf("invalid --root: value cannot be empty")
		}
		cfg.Root = trimmed
		cfg.Sources[KeyRoot] = SourceFlag
	}
	if flags.Set[KeyDebounce] {
		if flags.Debounce <= 0 {
			return fmt.Errorf("invalid --debounce: must be > 0")
		}
		cfg.Debounce = flags.Debounce
		cfg.Sources[KeyDebounce] = SourceFlag
	}
	if flags.Set[KeyHost] {
		trimmed := strings.TrimSpace(flags.Host)
		if trimmed == "" {
			return fmt.Errorf("invalid --host: value cannot be empty")
		}
		cfg.Host = trimmed
		cfg.Sources[KeyHost] = SourceFlag
	}
	if flags.Set[KeyPort] {
		if flags.Port <= 0 {
			return fmt.Errorf("invalid --port: must be > 0")
		}
		cfg.BasePort = flags.Port
		cfg.Sources[KeyPort] = SourceFlag
	}
	if flags.Set[KeyMaxWatches] {
		if flags.MaxWatches <= 0 {
			return fmt.Errorf("invalid --max-watches: must be > 0")
		}
		cfg.MaxWatches = flags.MaxWatches
		cfg.Sources[KeyMaxWatches] = SourceFlag
	}
	if flags.Set[KeyLogLevel] {
		level, ok := logging.ParseLevel(flags.LogLevel)
		if !ok {
			return fmt.Errorf("invalid --log-level: %q", flags.LogLevel)
		}
		cfg.LogLevel = level
		cfg.Sources[KeyLogLevel] = SourceFlag
	}
	if flags.Verbose && !flags.Set[KeyLogLevel] {
		cfg.LogLevel = logging.LevelDebug
		cfg.Sources[KeyLogLevel] = SourceFlag
	}
	if flags.Set[KeyIncludeWrites] {
		cfg.IncludeWrites = flags.IncludeWrites
		cfg.Sources[KeyIncludeWrites] = SourceFlag
	}
	return nil
}

// LogFields summarizes the resolved settings and where each came from.
func (c Config) LogFields() map[string]string {
	fields := map[string]string{
		KeyRoot:          c.Root,
		KeyDebounce:      c.Debounce.String(),
		KeyHost:          c.Host,
		KeyPort:          strconv.Itoa(c.PublicPort()),
		"discovery-port": strconv.Itoa(c.DiscoveryPort()),
		KeyMaxWatches:    strconv.Itoa(c.MaxWatches),
		KeyLogLevel:      string(c.LogLevel),
		KeyIncludeWrites: strconv.FormatBool(c.IncludeWrites),
	}
	if c.ConfigFile != "" {
		fields[KeyConfig] = c.ConfigFile
	}
	for key, source := range c.Sources {
		fields[key+".source"] = string(source)
	}
	return fields
}

func envName(key string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}
