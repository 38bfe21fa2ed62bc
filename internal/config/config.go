package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	MinIO    MinIOConfig    `yaml:"minio"`
	Vision   VisionConfig   `yaml:"vision"`
	Camera   CameraConfig   `yaml:"camera"`
	Kiosk    KioskConfig    `yaml:"kiosk"`
	Match    MatchConfig    `yaml:"match"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port  int    `yaml:"port"`
	Token string `yaml:"token"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type VisionConfig struct {
	ModelsDir          string  `yaml:"models_dir"`
	DetectionThreshold float64 `yaml:"detection_threshold"`
	MinFacePx          int     `yaml:"min_face_px"`
	FrameWidth         int     `yaml:"frame_width"`
}

type CameraConfig struct {
	Device string `yaml:"device"`
	FPS    int    `yaml:"fps"`
}

// KioskConfig describes one capture device: which session it serves, how
// often it samples, and where the device itself sits (for geofenced
// sessions).
type KioskConfig struct {
	SessionID    string        `yaml:"session_id"`
	Interval     time.Duration `yaml:"interval"`
	CycleTimeout time.Duration `yaml:"cycle_timeout"`
	APIBaseURL   string        `yaml:"api_base_url"`
	APIToken     string        `yaml:"api_token"`
	Lat          *float64      `yaml:"lat"`
	Lng          *float64      `yaml:"lng"`
	LocalPath    string        `yaml:"local_path"`
}

// MatchConfig holds the externally tunable matching policy. This is the
// hot-reloadable section of the file; see Dynamic.
type MatchConfig struct {
	RecognitionThreshold float64 `yaml:"recognition_threshold"`
	LockoutWindowMinutes int     `yaml:"lockout_window_minutes"`
	StorageMode          string  `yaml:"storage_mode"` // local, remote
}

// LockoutWindow returns the lockout duration.
func (m MatchConfig) LockoutWindow() time.Duration {
	return time.Duration(m.LockoutWindowMinutes) * time.Minute
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads config from a YAML file and applies environment variable
// overrides. A .env file next to the process, if present, is loaded first.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Match.RecognitionThreshold < 0 || cfg.Match.RecognitionThreshold > 1 {
		return fmt.Errorf("recognition_threshold must be in [0,1], got %v", cfg.Match.RecognitionThreshold)
	}
	switch cfg.Match.StorageMode {
	case "local", "remote":
	default:
		return fmt.Errorf("storage_mode must be local or remote, got %q", cfg.Match.StorageMode)
	}
	return nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 20
	}
	if cfg.Vision.DetectionThreshold == 0 {
		cfg.Vision.DetectionThreshold = 0.5
	}
	if cfg.Vision.MinFacePx == 0 {
		cfg.Vision.MinFacePx = 150
	}
	if cfg.Vision.FrameWidth == 0 {
		cfg.Vision.FrameWidth = 640
	}
	if cfg.Camera.Device == "" {
		cfg.Camera.Device = "/dev/video0"
	}
	if cfg.Camera.FPS == 0 {
		cfg.Camera.FPS = 5
	}
	if cfg.Kiosk.Interval == 0 {
		cfg.Kiosk.Interval = 300 * time.Millisecond
	}
	if cfg.Kiosk.CycleTimeout == 0 {
		cfg.Kiosk.CycleTimeout = 10 * time.Second
	}
	if cfg.Kiosk.LocalPath == "" {
		cfg.Kiosk.LocalPath = "presence.db.json"
	}
	if cfg.Match.RecognitionThreshold == 0 {
		cfg.Match.RecognitionThreshold = 0.6
	}
	if cfg.Match.LockoutWindowMinutes == 0 {
		cfg.Match.LockoutWindowMinutes = 10
	}
	if cfg.Match.StorageMode == "" {
		cfg.Match.StorageMode = "local"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PRESENCE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("PRESENCE_API_TOKEN"); v != "" {
		cfg.Server.Token = v
		if cfg.Kiosk.APIToken == "" {
			cfg.Kiosk.APIToken = v
		}
	}
	if v := os.Getenv("PRESENCE_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("PRESENCE_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("PRESENCE_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("PRESENCE_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("PRESENCE_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("PRESENCE_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("PRESENCE_MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("PRESENCE_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := os.Getenv("PRESENCE_MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretKey = v
	}
	if v := os.Getenv("PRESENCE_MINIO_BUCKET"); v != "" {
		cfg.MinIO.Bucket = v
	}
	if v := os.Getenv("PRESENCE_MODELS_DIR"); v != "" {
		cfg.Vision.ModelsDir = v
	}
	if v := os.Getenv("PRESENCE_CAMERA_DEVICE"); v != "" {
		cfg.Camera.Device = v
	}
	if v := os.Getenv("PRESENCE_SESSION_ID"); v != "" {
		cfg.Kiosk.SessionID = v
	}
	if v := os.Getenv("PRESENCE_STORAGE_MODE"); v != "" {
		cfg.Match.StorageMode = v
	}
}
