package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type LoggerConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"` // json | console
	ServiceName string `yaml:"serviceName"`
	LogFile     string `yaml:"logFile"`
	MaxSize     int    `yaml:"maxSize"`
	MaxBackups  int    `yaml:"maxBackups"`
	MaxAge      int    `yaml:"maxAge"`
	Compress    bool   `yaml:"compress"`
	AddSource   bool   `yaml:"addSource"`
}

type ModelConfig struct {
	BaseURL        string        `yaml:"baseURL"`
	APIKey         string        `yaml:"apiKey"`
	Name           string        `yaml:"name"`
	Temperature    float32       `yaml:"temperature"`
	MaxTokens      int           `yaml:"maxTokens"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

type OCRConfig struct {
	Enabled bool          `yaml:"enabled"`
	Mode    string        `yaml:"mode"` // service | vision
	URL     string        `yaml:"url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

type GenerationConfig struct {
	InactivityTimeout time.Duration `yaml:"inactivityTimeout"`
	MaxRetries        int           `yaml:"maxRetries"`
	InitialBackoff    time.Duration `yaml:"initialBackoff"`
	MaxBackoff        time.Duration `yaml:"maxBackoff"`
}

type ImagesConfig struct {
	MaxBytes int `yaml:"maxBytes"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"` // sqlite | mysql | postgres
	DSN    string `yaml:"dsn"`
}

type MinioConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Endpoint   string `yaml:"endpoint"`
	AccessKey  string `yaml:"accessKey"`
	SecretKey  string `yaml:"secretKey"`
	BucketName string `yaml:"bucketName"`
	Region     string `yaml:"region"`
	UseSSL     bool   `yaml:"useSSL"`
}

type Config struct {
	Server struct {
		Port           int      `yaml:"port"`
		AllowedOrigins []string `yaml:"allowedOrigins"`
		// body cap for /combine; merged documents carry inline images
		MaxCombineBytes int64 `yaml:"maxCombineBytes"`
	} `yaml:"server"`

	Logger     LoggerConfig     `yaml:"logger"`
	Model      ModelConfig      `yaml:"model"`
	OCR        OCRConfig        `yaml:"ocr"`
	Generation GenerationConfig `yaml:"generation"`
	Images     ImagesConfig     `yaml:"images"`
	Storage    StorageConfig    `yaml:"storage"`
	Minio      MinioConfig      `yaml:"minio"`

	Auth struct {
		// project -> api key; empty disables auth
		APIKeys map[string]string `yaml:"apiKeys"`
	} `yaml:"auth"`

	RateLimit struct {
		Capacity   int `yaml:"capacity"`
		RefillRate int `yaml:"refillRate"`
	} `yaml:"rateLimit"`
}

// Default returns a config usable against a local Ollama with an embedded sqlite store.
func Default() *Config {
	var cfg Config
	cfg.Server.Port = 8000
	cfg.Server.AllowedOrigins = []string{"*"}
	cfg.Server.MaxCombineBytes = 128 << 20
	cfg.Logger = LoggerConfig{
		Level:       "info",
		Format:      "json",
		ServiceName: "vulnreport",
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
	}
	cfg.Model = ModelConfig{
		BaseURL:        "http://localhost:11434/v1",
		APIKey:         "ollama",
		Name:           "gemma3:27b",
		Temperature:    0.1,
		MaxTokens:      2048,
		RequestTimeout: 180 * time.Second,
	}
	cfg.OCR = OCRConfig{
		Enabled: true,
		Mode:    "service",
		URL:     "http://127.0.0.1:8001/ocr",
		Model:   "benhaotang/Nanonets-OCR-s",
		Timeout: 160 * time.Second,
	}
	cfg.Generation = GenerationConfig{
		InactivityTimeout: 120 * time.Second,
		MaxRetries:        3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
	}
	cfg.Images.MaxBytes = 20 << 20
	cfg.Storage = StorageConfig{Driver: "sqlite", DSN: "file:reports.db?_pragma=busy_timeout(5000)"}
	cfg.RateLimit.Capacity = 60
	cfg.RateLimit.RefillRate = 1
	return &cfg
}

// Load baca file config.yaml di atas default, lalu terapkan override env.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	set("MODEL_BASE_URL", &c.Model.BaseURL)
	set("MODEL_NAME", &c.Model.Name)
	set("MODEL_API_KEY", &c.Model.APIKey)
	set("OCR_URL", &c.OCR.URL)
	set("STORAGE_DRIVER", &c.Storage.Driver)
	set("STORAGE_DSN", &c.Storage.DSN)
	set("LOG_LEVEL", &c.Logger.Level)
}

// Validate checks the values the pipeline cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be a positive integer"))
	}
	if strings.TrimSpace(c.Model.BaseURL) == "" {
		errs = append(errs, errors.New("model.baseURL is required"))
	}
	if strings.TrimSpace(c.Model.Name) == "" {
		errs = append(errs, errors.New("model.name is required"))
	}
	if c.Generation.InactivityTimeout <= 0 {
		errs = append(errs, errors.New("generation.inactivityTimeout must be positive"))
	}
	if c.Generation.MaxRetries < 0 {
		errs = append(errs, errors.New("generation.maxRetries must not be negative"))
	}
	if c.Images.MaxBytes <= 0 {
		errs = append(errs, errors.New("images.maxBytes must be positive"))
	}
	if c.Server.MaxCombineBytes <= 0 {
		errs = append(errs, errors.New("server.maxCombineBytes must be positive"))
	}
	if c.OCR.Enabled {
		switch c.OCR.Mode {
		case "service":
			if strings.TrimSpace(c.OCR.URL) == "" {
				errs = append(errs, errors.New("ocr.url is required in service mode"))
			}
		case "vision":
		default:
			errs = append(errs, fmt.Errorf("ocr.mode must be service or vision, got %q", c.OCR.Mode))
		}
	}
	switch c.Storage.Driver {
	case "sqlite", "mysql", "postgres":
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be sqlite, mysql or postgres, got %q", c.Storage.Driver))
	}
	if c.Minio.Enabled && (c.Minio.Endpoint == "" || c.Minio.BucketName == "") {
		errs = append(errs, errors.New("minio.endpoint and minio.bucketName are required when minio is enabled"))
	}
	return errors.Join(errs...)
}
