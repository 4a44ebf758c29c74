package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort                = 8000
	defaultDataDir             = "data"
	defaultMaxWorkers          = 4
	defaultQueueSize           = 256
	defaultJobTimeout          = 2 * time.Minute
	defaultQuality             = 90
	defaultWebOptimizedQuality = 85
	defaultMaxImagesPerUpload  = 10
	defaultMaxImageSizeMB      = 20
	defaultURLTimeout          = 60 * time.Second
	defaultRetentionTTL        = 24 * time.Hour
	defaultRetentionInterval   = 10 * time.Minute
	defaultLogLevel            = "info"
)

// Config describes runtime configuration for the service.
type Config struct {
	Port                int               `yaml:"port"`
	DataDir             string            `yaml:"data_dir"`
	MaxWorkers          int               `yaml:"max_workers"`
	QueueSize           int               `yaml:"queue_size"`
	JobTimeout          time.Duration     `yaml:"job_timeout"`
	OutputFormats       []string          `yaml:"output_formats"`
	InputExtensions     []string          `yaml:"input_extensions"`
	SizePresets         map[string][2]int `yaml:"size_presets"`
	DefaultQuality      int               `yaml:"default_quality"`
	WebOptimizedQuality int               `yaml:"web_optimized_quality"`
	MaxImagesPerUpload  int               `yaml:"max_images_per_upload"`
	MaxImageSizeMB      int               `yaml:"max_image_size_mb"`
	URLDownloadTimeout  time.Duration     `yaml:"url_download_timeout"`
	URLDownloadMaxMB    int               `yaml:"url_download_max_mb"`
	BatchFailFast       bool              `yaml:"batch_fail_fast"`
	RetentionTTL        time.Duration     `yaml:"retention_ttl"`
	RetentionInterval   time.Duration     `yaml:"retention_interval"`
	DatabaseURL         string            `yaml:"database_url"`
	LogLevel            string            `yaml:"log_level"`
}

// Default returns the configuration used when no file or env overrides exist.
func Default() Config {
	return Config{
		Port:                defaultPort,
		DataDir:             defaultDataDir,
		MaxWorkers:          defaultMaxWorkers,
		QueueSize:           defaultQueueSize,
		JobTimeout:          defaultJobTimeout,
		OutputFormats:       []string{"webp", "jpeg", "png", "gif", "tiff", "bmp"},
		InputExtensions:     []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tiff", ".webp"},
		SizePresets:         DefaultPresets(),
		DefaultQuality:      defaultQuality,
		WebOptimizedQuality: defaultWebOptimizedQuality,
		MaxImagesPerUpload:  defaultMaxImagesPerUpload,
		MaxImageSizeMB:      defaultMaxImageSizeMB,
		URLDownloadTimeout:  defaultURLTimeout,
		URLDownloadMaxMB:    defaultMaxImageSizeMB,
		RetentionTTL:        defaultRetentionTTL,
		RetentionInterval:   defaultRetentionInterval,
		LogLevel:            defaultLogLevel,
	}
}

// DefaultPresets are the social/ad canvas sizes offered to clients.
func DefaultPresets() map[string][2]int {
	return map[string][2]int{
		"instagram_square":    {1080, 1080},
		"instagram_portrait":  {1080, 1350},
		"instagram_story":     {1080, 1920},
		"facebook_post":       {1200, 630},
		"twitter_post":        {1200, 675},
		"linkedin_banner":     {1200, 627},
		"linkedin_background": {1584, 396},
		"pinterest":           {1000, 1500},
		"youtube_thumbnail":   {1280, 720},
		"google_display":      {1200, 628},
	}
}

// MaxImageSizeBytes is the per-file upload limit.
func (c Config) MaxImageSizeBytes() int64 { return int64(c.MaxImageSizeMB) << 20 }

// URLDownloadMaxBytes is the byte budget for a single URL fetch.
func (c Config) URLDownloadMaxBytes() int64 { return int64(c.URLDownloadMaxMB) << 20 }

// Load reads YAML config from the provided path, then applies .env and
// environment overrides. A missing or empty file yields defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	fileData, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(fileData) > 0 {
		if err := yaml.Unmarshal(fileData, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := normalize(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func applyEnv(cfg *Config) error {
	ints := map[string]*int{
		"PORT":                  &cfg.Port,
		"MAX_WORKERS":           &cfg.MaxWorkers,
		"QUEUE_SIZE":            &cfg.QueueSize,
		"MAX_IMAGES_PER_UPLOAD": &cfg.MaxImagesPerUpload,
		"MAX_IMAGE_SIZE_MB":     &cfg.MaxImageSizeMB,
		"URL_DOWNLOAD_MAX_MB":   &cfg.URLDownloadMaxMB,
		"DEFAULT_QUALITY":       &cfg.DefaultQuality,
		"WEB_OPTIMIZED_QUALITY": &cfg.WebOptimizedQuality,
	}
	for key, dst := range ints {
		raw, ok := os.LookupEnv(key)
		if !ok || raw == "" {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("env %s: %w", key, err)
		}
		*dst = v
	}

	durations := map[string]*time.Duration{
		"JOB_TIMEOUT":          &cfg.JobTimeout,
		"URL_DOWNLOAD_TIMEOUT": &cfg.URLDownloadTimeout,
		"RETENTION_TTL":        &cfg.RetentionTTL,
	}
	for key, dst := range durations {
		raw, ok := os.LookupEnv(key)
		if !ok || raw == "" {
			continue
		}
		d, err := parseDuration(raw)
		if err != nil {
			return fmt.Errorf("env %s: %w", key, err)
		}
		*dst = d
	}

	if v, ok := os.LookupEnv("DATA_DIR"); ok && v != "" {
		cfg.DataDir = v
	}
	if v, ok := os.LookupEnv("DATABASE_URL"); ok {
		cfg.DatabaseURL = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok && v != "" {
		cfg.LogLevel = v
	}
	if v, ok := os.LookupEnv("BATCH_FAIL_FAST"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("env BATCH_FAIL_FAST: %w", err)
		}
		cfg.BatchFailFast = b
	}
	return nil
}

// parseDuration accepts Go durations ("90s") or bare seconds ("90").
func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", raw, err)
	}
	return d, nil
}

func normalize(cfg *Config) error {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	if cfg.MaxWorkers < 1 {
		return fmt.Errorf("invalid max_workers: %d (must be >= 1)", cfg.MaxWorkers)
	}
	if cfg.QueueSize < 1 {
		return fmt.Errorf("invalid queue_size: %d (must be >= 1)", cfg.QueueSize)
	}
	if cfg.JobTimeout <= 0 {
		return fmt.Errorf("invalid job_timeout: %s", cfg.JobTimeout)
	}
	if cfg.DefaultQuality < 1 || cfg.DefaultQuality > 100 {
		return fmt.Errorf("invalid default_quality: %d", cfg.DefaultQuality)
	}
	if cfg.WebOptimizedQuality < 1 || cfg.WebOptimizedQuality > 100 {
		return fmt.Errorf("invalid web_optimized_quality: %d", cfg.WebOptimizedQuality)
	}
	if cfg.RetentionInterval <= 0 {
		cfg.RetentionInterval = defaultRetentionInterval
	}
	if len(cfg.SizePresets) == 0 {
		cfg.SizePresets = DefaultPresets()
	}
	cfg.OutputFormats = normalizeFormats(cfg.OutputFormats)
	if len(cfg.OutputFormats) == 0 {
		return errors.New("output_formats must not be empty")
	}
	cfg.InputExtensions = normalizeExtensions(cfg.InputExtensions)
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	return nil
}

func normalizeFormats(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, f := range in {
		f = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(f)), ".")
		if f == "jpg" {
			f = "jpeg"
		}
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

func normalizeExtensions(in []string) []string {
	if len(in) == 0 {
		return Default().InputExtensions
	}
	seen := make(map[string]struct{}, len(in))
	normalized := make([]string, 0, len(in))
	for _, ext := range in {
		e := strings.ToLower(strings.TrimSpace(ext))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		normalized = append(normalized, e)
	}
	return normalized
}
