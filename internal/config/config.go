package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all application configuration
type Config struct {
	Service   ServiceConfig   `json:"service"`
	Camera    CameraConfig    `json:"camera"`
	Detection DetectionConfig `json:"detection"`
	Vibration VibrationConfig `json:"vibration"`
	Schedule  ScheduleConfig  `json:"schedule"`
	Frying    FryingConfig    `json:"frying"`
	MQTT      MQTTConfig      `json:"mqtt"`
	Storage   StorageConfig   `json:"storage"`
	Notify    NotifyConfig    `json:"notify"`
	API       APIConfig       `json:"api"`
	Log       LogConfig       `json:"log"`
}

// ServiceConfig contains service-level configuration
type ServiceConfig struct {
	Name            string        `json:"name"`
	DataDir         string        `json:"data_dir"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// CameraConfig contains capture settings for the monitoring camera
type CameraConfig struct {
	DeviceID  int `json:"device_id"`
	Width     int `json:"width"`
	Height    int `json:"height"`
	FrameRate int `json:"frame_rate"`
}

// DetectionConfig drives the day/night person-detection gate
type DetectionConfig struct {
	// Day window, inclusive on both ends. "HH:MM" wall clock.
	DayStart string `json:"day_start"`
	DayEnd   string `json:"day_end"`

	// ForceMode pins the gate to "day" or "night"; "auto" follows the window.
	ForceMode string `json:"force_mode"`

	HoldSeconds         int `json:"hold_seconds"`
	NightCheckMinutes   int `json:"night_check_minutes"`
	WarmupFrames        int `json:"warmup_frames"`
	MotionMinArea       int `json:"motion_min_area"`
	SaveCooldownSeconds int `json:"save_cooldown_seconds"`

	SnapshotDir string `json:"snapshot_dir"`

	// Person detector model (ONNX). Empty path disables the detector
	// and the gate idles with detectorReady=false.
	ModelPath  string  `json:"model_path"`
	InputSize  int     `json:"input_size"`
	Confidence float32 `json:"confidence"`
}

// VibrationConfig drives the RS485 sampling pipeline
type VibrationConfig struct {
	Enabled bool `json:"enabled"`

	// Protocol is one of "modbus", "ascii", "simulated".
	Protocol string `json:"protocol"`
	Port     string `json:"port"`
	BaudRate int    `json:"baud_rate"`
	SlaveID  byte   `json:"slave_id"`

	SamplingRateHz float64 `json:"sampling_rate_hz"`
	WindowSize     int     `json:"window_size"`

	Thresholds    VibrationThresholds `json:"thresholds"`
	AlertCooldown time.Duration       `json:"alert_cooldown"`

	OutputDir string `json:"output_dir"`
}

// VibrationThresholds are ordered severity bands in m/s².
type VibrationThresholds struct {
	Low      float64 `json:"low"`
	Medium   float64 `json:"medium"`
	High     float64 `json:"high"`
	Critical float64 `json:"critical"`
}

// ScheduleConfig contains the work-hours window
type ScheduleConfig struct {
	WorkStart string `json:"work_start"`
	WorkEnd   string `json:"work_end"`

	// EnabledDays uses time.Weekday values (0=Sunday).
	EnabledDays []int `json:"enabled_days"`

	AutoStart          bool          `json:"auto_start"`
	AutoStop           bool          `json:"auto_stop"`
	GracePeriodMinutes int           `json:"grace_period_minutes"`
	PollInterval       time.Duration `json:"poll_interval"`
}

// FryingConfig drives the frying dataset collector
type FryingConfig struct {
	Enabled        bool          `json:"enabled"`
	OutputDir      string        `json:"output_dir"`
	FoodType       string        `json:"food_type"`
	CameraDeviceID int           `json:"camera_device_id"`
	FrameInterval  time.Duration `json:"frame_interval"`
	SensorInterval time.Duration `json:"sensor_interval"`
}

// MQTTConfig contains the power-signal publisher settings
type MQTTConfig struct {
	Enabled   bool          `json:"enabled"`
	Broker    string        `json:"broker"`
	Port      int           `json:"port"`
	Topic     string        `json:"topic"`
	QoS       byte          `json:"qos"`
	ClientID  string        `json:"client_id"`
	Username  string        `json:"username"`
	Password  string        `json:"password"`
	KeepAlive time.Duration `json:"keep_alive"`
}

// StorageConfig contains archive and event-store configuration
type StorageConfig struct {
	MinIO    MinIOConfig    `json:"minio"`
	Postgres PostgresConfig `json:"postgres"`

	// Snapshot and session writes are skipped below this floor.
	MinFreeDiskMB uint64 `json:"min_free_disk_mb"`
}

// MinIOConfig contains MinIO-specific configuration
type MinIOConfig struct {
	Enabled         bool          `json:"enabled"`
	Endpoint        string        `json:"endpoint"`
	AccessKeyID     string        `json:"access_key_id"`
	SecretAccessKey string        `json:"secret_access_key"`
	UseSSL          bool          `json:"use_ssl"`
	Bucket          string        `json:"bucket"`
	Region          string        `json:"region"`
	MaxUploads      int           `json:"max_uploads"`
	ConnectTimeout  time.Duration `json:"connect_timeout"`
	RequestTimeout  time.Duration `json:"request_timeout"`
	MaxRetries      int           `json:"max_retries"`
}

// PostgresConfig contains event-store connection settings
type PostgresConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`

	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
}

// NotifyConfig contains the critical-alert email settings
type NotifyConfig struct {
	Enabled      bool          `json:"enabled"`
	ClientID     string        `json:"client_id"`
	ClientSecret string        `json:"client_secret"`
	RefreshToken string        `json:"refresh_token"`
	FromEmail    string        `json:"from_email"`
	ToEmail      string        `json:"to_email"`
	Cooldown     time.Duration `json:"cooldown"`
}

// APIConfig contains the HTTP control surface settings
type APIConfig struct {
	Enabled        bool          `json:"enabled"`
	Port           int           `json:"port"`
	AllowedOrigins []string      `json:"allowed_origins"`
	RateLimit      int           `json:"rate_limit"`
	RateWindow     time.Duration `json:"rate_window"`
	PushInterval   time.Duration `json:"push_interval"`
}

// ListenAddr returns the listen address for the API server.
func (c APIConfig) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// LogConfig contains zap logger settings
type LogConfig struct {
	Level       string   `json:"level"`
	Encoding    string   `json:"encoding"`
	OutputPaths []string `json:"output_paths"`
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "kitchen-sentry",
			DataDir:         "data",
			ShutdownTimeout: 30 * time.Second,
		},
		Camera: CameraConfig{
			DeviceID:  0,
			Width:     1280,
			Height:    720,
			FrameRate: 15,
		},
		Detection: DetectionConfig{
			DayStart:            "08:00",
			DayEnd:              "20:00",
			ForceMode:           "auto",
			HoldSeconds:         30,
			NightCheckMinutes:   10,
			WarmupFrames:        30,
			MotionMinArea:       1500,
			SaveCooldownSeconds: 10,
			SnapshotDir:         "Detection",
			ModelPath:           "models/yolov8n.onnx",
			InputSize:           416,
			Confidence:          0.5,
		},
		Vibration: VibrationConfig{
			Enabled:        true,
			Protocol:       "modbus",
			Port:           "/dev/ttyUSB0",
			BaudRate:       9600,
			SlaveID:        1,
			SamplingRateHz: 10,
			WindowSize:     100,
			Thresholds: VibrationThresholds{
				Low:      2.0,
				Medium:   5.0,
				High:     10.0,
				Critical: 20.0,
			},
			AlertCooldown: 5 * time.Second,
			OutputDir:     "data/vibration_logs",
		},
		Schedule: ScheduleConfig{
			WorkStart:          "08:30",
			WorkEnd:            "19:00",
			EnabledDays:        []int{0, 1, 2, 3, 4, 5, 6},
			AutoStart:          true,
			AutoStop:           true,
			GracePeriodMinutes: 5,
			PollInterval:       60 * time.Second,
		},
		Frying: FryingConfig{
			Enabled:        false,
			OutputDir:      "data/frying_sessions",
			FoodType:       "unknown",
			CameraDeviceID: 1,
			FrameInterval:  500 * time.Millisecond,
			SensorInterval: time.Second,
		},
		MQTT: MQTTConfig{
			Enabled:   false,
			Broker:    "localhost",
			Port:      1883,
			Topic:     "robot/control",
			QoS:       1,
			ClientID:  "robotcam_jetson",
			KeepAlive: 60 * time.Second,
		},
		Storage: StorageConfig{
			MinIO: MinIOConfig{
				Enabled:        false,
				Endpoint:       "localhost:9000",
				UseSSL:         false,
				Bucket:         "kitchen-sentry",
				Region:         "us-east-1",
				MaxUploads:     4,
				ConnectTimeout: 30 * time.Second,
				RequestTimeout: 2 * time.Minute,
				MaxRetries:     3,
			},
			Postgres: PostgresConfig{
				Enabled:         false,
				Host:            "localhost",
				Port:            5432,
				User:            "sentry",
				Database:        "kitchensentry",
				SSLMode:         "disable",
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: 30 * time.Minute,
			},
			MinFreeDiskMB: 200,
		},
		Notify: NotifyConfig{
			Enabled:  false,
			Cooldown: 5 * time.Minute,
		},
		API: APIConfig{
			Enabled:      true,
			Port:         8080,
			RateLimit:    30,
			RateWindow:   time.Minute,
			PushInterval: 2 * time.Second,
		},
		Log: LogConfig{
			Level:       "info",
			Encoding:    "console",
			OutputPaths: []string{"stdout"},
		},
	}
}

// Load reads a JSON config file over the defaults. A missing path returns
// the defaults untouched.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks ranges and clock strings and creates the data directories.
func (c *Config) Validate() error {
	if _, _, err := ParseClock(c.Detection.DayStart); err != nil {
		return fmt.Errorf("detection.day_start: %w", err)
	}
	if _, _, err := ParseClock(c.Detection.DayEnd); err != nil {
		return fmt.Errorf("detection.day_end: %w", err)
	}
	switch c.Detection.ForceMode {
	case "auto", "day", "night":
	default:
		return fmt.Errorf("detection.force_mode must be auto, day or night, got %q", c.Detection.ForceMode)
	}
	if c.Detection.HoldSeconds <= 0 {
		return fmt.Errorf("detection.hold_seconds must be positive, got %d", c.Detection.HoldSeconds)
	}
	if c.Detection.NightCheckMinutes <= 0 {
		return fmt.Errorf("detection.night_check_minutes must be positive, got %d", c.Detection.NightCheckMinutes)
	}

	if _, _, err := ParseClock(c.Schedule.WorkStart); err != nil {
		return fmt.Errorf("schedule.work_start: %w", err)
	}
	if _, _, err := ParseClock(c.Schedule.WorkEnd); err != nil {
		return fmt.Errorf("schedule.work_end: %w", err)
	}
	for _, d := range c.Schedule.EnabledDays {
		if d < 0 || d > 6 {
			return fmt.Errorf("schedule.enabled_days entries must be 0-6, got %d", d)
		}
	}
	if c.Schedule.PollInterval <= 0 {
		return fmt.Errorf("schedule.poll_interval must be positive, got %v", c.Schedule.PollInterval)
	}

	if c.Vibration.Enabled {
		switch c.Vibration.Protocol {
		case "modbus", "ascii", "simulated":
		default:
			return fmt.Errorf("vibration.protocol must be modbus, ascii or simulated, got %q", c.Vibration.Protocol)
		}
		if c.Vibration.SamplingRateHz <= 0 {
			return fmt.Errorf("vibration.sampling_rate_hz must be positive, got %v", c.Vibration.SamplingRateHz)
		}
		if c.Vibration.WindowSize < 1 {
			return fmt.Errorf("vibration.window_size must be at least 1, got %d", c.Vibration.WindowSize)
		}
		t := c.Vibration.Thresholds
		if !(t.Low < t.Medium && t.Medium < t.High && t.High < t.Critical) {
			return fmt.Errorf("vibration.thresholds must be strictly increasing: %v", t)
		}
	}

	if c.MQTT.Enabled && c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		return fmt.Errorf("api.port out of range: %d", c.API.Port)
	}

	dirs := []string{
		c.Service.DataDir,
		c.Detection.SnapshotDir,
		c.Vibration.OutputDir,
	}
	if c.Frying.Enabled {
		dirs = append(dirs, c.Frying.OutputDir)
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Clean(dir), 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}

// ParseClock parses an "HH:MM" wall clock string.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid clock string %q: %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}
