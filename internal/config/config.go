package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Paths     PathsConfig     `mapstructure:"paths"`
	Tokenizer TokenizerConfig `mapstructure:"tokenizer"`
	Server    ServerConfig    `mapstructure:"server"`
	LogLevel  string          `mapstructure:"log_level"`
}

type PathsConfig struct {
	ModelPath   string `mapstructure:"model_path"`
	DataDir     string `mapstructure:"data_dir"`
	AssetSource string `mapstructure:"asset_source"`
	ModelSHA256 string `mapstructure:"model_sha256"`
}

type TokenizerConfig struct {
	Kind          string `mapstructure:"kind"`
	AddBOS        bool   `mapstructure:"add_bos"`
	AddEOS        bool   `mapstructure:"add_eos"`
	ReplaceMarker bool   `mapstructure:"replace_marker"`
	BatchWorkers  int    `mapstructure:"batch_workers"`
}

type ServerConfig struct {
	ListenAddr      string  `mapstructure:"listen_addr"`
	MaxTextBytes    int     `mapstructure:"max_text_bytes"`
	MaxBatch        int     `mapstructure:"max_batch"`
	Workers         int     `mapstructure:"workers"`
	RequestTimeout  int     `mapstructure:"request_timeout"`
	ShutdownTimeout int     `mapstructure:"shutdown_timeout"`
	RateLimit       float64 `mapstructure:"rate_limit"`
	RateBurst       int     `mapstructure:"rate_burst"`
	ModelRoot       string  `mapstructure:"model_root"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		Paths: PathsConfig{
			ModelPath:   "models/tokenizer.model",
			DataDir:     "",
			AssetSource: "",
			ModelSHA256: "",
		},
		Tokenizer: TokenizerConfig{
			Kind:          KindAuto,
			AddBOS:        false,
			AddEOS:        false,
			ReplaceMarker: false,
			BatchWorkers:  4,
		},
		Server: ServerConfig{
			ListenAddr:      ":8080",
			MaxTextBytes:    16384,
			MaxBatch:        64,
			Workers:         8,
			RequestTimeout:  30,
			ShutdownTimeout: 30,
			RateLimit:       0,
			RateBurst:       20,
			ModelRoot:       "",
		},
		LogLevel: "info",
	}
}

// ResolvedModelPath is where the model is read from: DataDir joined with
// the base name of ModelPath when DataDir is set, ModelPath otherwise.
func (c Config) ResolvedModelPath() string {
	if c.Paths.DataDir == "" {
		return c.Paths.ModelPath
	}
	return filepath.Join(c.Paths.DataDir, filepath.Base(c.Paths.ModelPath))
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("paths-model-path", defaults.Paths.ModelPath, "Path to SentencePiece model")
	fs.String("paths-data-dir", defaults.Paths.DataDir, "Directory the model is installed into before loading")
	fs.String("paths-asset-source", defaults.Paths.AssetSource, "Local path or URL used to install a missing model")
	fs.String("paths-model-sha256", defaults.Paths.ModelSHA256, "Expected SHA-256 of the model file")
	fs.String("tokenizer-kind", defaults.Tokenizer.Kind, "Engine kind (auto|unigram|bpe)")
	fs.Bool("tokenizer-add-bos", defaults.Tokenizer.AddBOS, "Prepend the BOS id when encoding")
	fs.Bool("tokenizer-add-eos", defaults.Tokenizer.AddEOS, "Append the EOS id when encoding")
	fs.Bool("tokenizer-replace-marker", defaults.Tokenizer.ReplaceMarker, "Translate the ▁ word marker to a space when decoding")
	fs.Int("tokenizer-batch-workers", defaults.Tokenizer.BatchWorkers, "Max goroutines per batch encode")
	fs.String("server-listen-addr", defaults.Server.ListenAddr, "HTTP listen address")
	fs.Int("server-max-text-bytes", defaults.Server.MaxTextBytes, "Max text size accepted by /encode")
	fs.Int("server-max-batch", defaults.Server.MaxBatch, "Max texts per batch request")
	fs.Int("server-workers", defaults.Server.Workers, "Max concurrent encode requests")
	fs.Int("server-request-timeout", defaults.Server.RequestTimeout, "Per-request timeout in seconds")
	fs.Int("server-shutdown-timeout", defaults.Server.ShutdownTimeout, "Graceful shutdown timeout in seconds")
	fs.Float64("server-rate-limit", defaults.Server.RateLimit, "Requests per second across all clients (0 disables)")
	fs.Int("server-rate-burst", defaults.Server.RateBurst, "Rate limiter burst size")
	fs.String("server-model-root", defaults.Server.ModelRoot, "Directory clients may open extra models from (empty disables /v1/tokenizers)")
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := bindFlags(v, opts.Cmd.Flags()); err != nil {
			return Config{}, err
		}
	}

	v.SetEnvPrefix("SPMBRIDGE")
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)
	if err := v.BindEnv("paths.model_path", "SPMBRIDGE_PATHS_MODEL_PATH", "SPMBRIDGE_MODEL"); err != nil {
		return Config{}, fmt.Errorf("bind model env vars: %w", err)
	}
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("spmbridge")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	kind, err := NormalizeKind(cfg.Tokenizer.Kind)
	if err != nil {
		return Config{}, err
	}
	cfg.Tokenizer.Kind = kind

	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("paths.model_path", c.Paths.ModelPath)
	v.SetDefault("paths.data_dir", c.Paths.DataDir)
	v.SetDefault("paths.asset_source", c.Paths.AssetSource)
	v.SetDefault("paths.model_sha256", c.Paths.ModelSHA256)
	v.SetDefault("tokenizer.kind", c.Tokenizer.Kind)
	v.SetDefault("tokenizer.add_bos", c.Tokenizer.AddBOS)
	v.SetDefault("tokenizer.add_eos", c.Tokenizer.AddEOS)
	v.SetDefault("tokenizer.replace_marker", c.Tokenizer.ReplaceMarker)
	v.SetDefault("tokenizer.batch_workers", c.Tokenizer.BatchWorkers)
	v.SetDefault("server.listen_addr", c.Server.ListenAddr)
	v.SetDefault("server.max_text_bytes", c.Server.MaxTextBytes)
	v.SetDefault("server.max_batch", c.Server.MaxBatch)
	v.SetDefault("server.workers", c.Server.Workers)
	v.SetDefault("server.request_timeout", c.Server.RequestTimeout)
	v.SetDefault("server.shutdown_timeout", c.Server.ShutdownTimeout)
	v.SetDefault("server.rate_limit", c.Server.RateLimit)
	v.SetDefault("server.rate_burst", c.Server.RateBurst)
	v.SetDefault("server.model_root", c.Server.ModelRoot)
	v.SetDefault("log_level", c.LogLevel)
}

// flagKeys maps flag names to config keys. Binding each flag to its nested
// key keeps config file values visible when the flag is left unset.
var flagKeys = map[string]string{
	"paths-model-path":         "paths.model_path",
	"paths-data-dir":           "paths.data_dir",
	"paths-asset-source":       "paths.asset_source",
	"paths-model-sha256":       "paths.model_sha256",
	"tokenizer-kind":           "tokenizer.kind",
	"tokenizer-add-bos":        "tokenizer.add_bos",
	"tokenizer-add-eos":        "tokenizer.add_eos",
	"tokenizer-replace-marker": "tokenizer.replace_marker",
	"tokenizer-batch-workers":  "tokenizer.batch_workers",
	"server-listen-addr":       "server.listen_addr",
	"server-max-text-bytes":    "server.max_text_bytes",
	"server-max-batch":         "server.max_batch",
	"server-workers":           "server.workers",
	"server-request-timeout":   "server.request_timeout",
	"server-shutdown-timeout":  "server.shutdown_timeout",
	"server-rate-limit":        "server.rate_limit",
	"server-rate-burst":        "server.rate_burst",
	"server-model-root":        "server.model_root",
	"log-level":                "log_level",
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}
