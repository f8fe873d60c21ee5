package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Threshold bounds enforced for the recognition threshold.
const (
	MinThreshold = 0.20
	MaxThreshold = 1.00
)

// Config is the main application configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	Camera      CameraConfig      `mapstructure:"camera"`
	Detector    DetectorConfig    `mapstructure:"detector"`
	Recognition RecognitionConfig `mapstructure:"recognition"`
	Storage     StorageConfig     `mapstructure:"storage"`
	DB          DBConfig          `mapstructure:"db"`
	MQTT        MQTTConfig        `mapstructure:"mqtt"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	I18n        I18nConfig        `mapstructure:"i18n"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	DataDir       string `mapstructure:"data_dir"`
	Timezone      string `mapstructure:"timezone"`
	SessionSecret string `mapstructure:"session_secret"`
	// AllowOrigins is passed to the CORS middleware; empty allows all origins.
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// CameraConfig describes the capture device feeding the scan loop
type CameraConfig struct {
	Device             string        `mapstructure:"device"` // device index ("0") or a stream URL
	Width              int           `mapstructure:"width"`
	Height             int           `mapstructure:"height"`
	Mirror             bool          `mapstructure:"mirror"`
	FrameInterval      time.Duration `mapstructure:"frame_interval"`
	MaxCaptureFailures int           `mapstructure:"max_capture_failures"`
}

// DetectorConfig holds the Haar cascade face locator parameters
type DetectorConfig struct {
	CascadePath  string  `mapstructure:"cascade_path"`
	ScaleFactor  float64 `mapstructure:"scale_factor"`
	MinNeighbors int     `mapstructure:"min_neighbors"`
	MinSize      int     `mapstructure:"min_size"`
}

// RecognitionConfig holds matching and enrollment settings
type RecognitionConfig struct {
	Threshold      float64       `mapstructure:"threshold"`
	Cooldown       time.Duration `mapstructure:"cooldown"`
	SampleCount    int           `mapstructure:"sample_count"`
	CaptureDelay   time.Duration `mapstructure:"capture_delay"`
	CaptureTimeout time.Duration `mapstructure:"capture_timeout"`
	MinFaceSize    int           `mapstructure:"min_face_size"`
}

// StorageConfig holds the locations of the persisted face database and ledger
type StorageConfig struct {
	FacesDir      string `mapstructure:"faces_dir"`
	RegistryFile  string `mapstructure:"registry_file"`
	TemplatesFile string `mapstructure:"templates_file"`
	AttendanceLog string `mapstructure:"attendance_log"`
}

// DBConfig holds settings for the SQLite attendance history
type DBConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	File    string `mapstructure:"file"`
	// RetentionDays prunes history rows older than this; 0 keeps everything.
	// The CSV ledger is never pruned.
	RetentionDays   int           `mapstructure:"retention_days"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// MQTTConfig holds settings for the MQTT client connection
type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	Port        int    `mapstructure:"port"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	// HomeAssistant publishes MQTT discovery configs for the state and attendance sensors
	HomeAssistant bool `mapstructure:"home_assistant"`
}

// MetricsConfig toggles the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// I18nConfig holds the language settings for status texts
type I18nConfig struct {
	DefaultLanguage string `mapstructure:"default_language"`
}

// Load reads the configuration from file, environment variables and defaults
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			log.Warnf("Config file %s does not exist, using defaults", configPath)
		} else {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			log.Infof("Config loaded from %s", configPath)
		}
	}

	// Environment variables override the file
	v.SetEnvPrefix("FACEATTEND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.normalize()

	if err := ensureDirectories(&cfg); err != nil {
		return nil, fmt.Errorf("failed to create required directories: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers the default values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.data_dir", "data")
	v.SetDefault("server.timezone", "Local")
	v.SetDefault("server.session_secret", "faceattend")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("camera.device", "0")
	v.SetDefault("camera.width", 640)
	v.SetDefault("camera.height", 480)
	v.SetDefault("camera.mirror", true)
	v.SetDefault("camera.frame_interval", 33*time.Millisecond)
	v.SetDefault("camera.max_capture_failures", 30)

	v.SetDefault("detector.cascade_path", "haarcascade_frontalface_default.xml")
	v.SetDefault("detector.scale_factor", 1.3)
	v.SetDefault("detector.min_neighbors", 5)
	v.SetDefault("detector.min_size", 30)

	v.SetDefault("recognition.threshold", 0.6)
	v.SetDefault("recognition.cooldown", 2*time.Second)
	v.SetDefault("recognition.sample_count", 20)
	v.SetDefault("recognition.capture_delay", 500*time.Millisecond)
	v.SetDefault("recognition.capture_timeout", 60*time.Second)
	v.SetDefault("recognition.min_face_size", 50)

	v.SetDefault("storage.faces_dir", "faces_db")
	v.SetDefault("storage.registry_file", "names.json")
	v.SetDefault("storage.templates_file", "face_templates.gob")
	v.SetDefault("storage.attendance_log", "attendance_log.csv")

	v.SetDefault("db.enabled", true)
	v.SetDefault("db.file", "attendance.db")
	v.SetDefault("db.retention_days", 0)
	v.SetDefault("db.cleanup_interval", 24*time.Hour)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.client_id", "faceattend")
	v.SetDefault("mqtt.topic_prefix", "faceattend")
	v.SetDefault("mqtt.home_assistant", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("i18n.default_language", "en")
}

// normalize resolves relative storage paths against the data directory and
// clamps values that would otherwise break the scan loop.
func (c *Config) normalize() {
	c.Log.Level = strings.ToLower(c.Log.Level)

	if c.Recognition.Threshold < MinThreshold {
		log.Warnf("recognition.threshold %.2f below %.2f, clamping", c.Recognition.Threshold, MinThreshold)
		c.Recognition.Threshold = MinThreshold
	}
	if c.Recognition.Threshold > MaxThreshold {
		log.Warnf("recognition.threshold %.2f above %.2f, clamping", c.Recognition.Threshold, MaxThreshold)
		c.Recognition.Threshold = MaxThreshold
	}
	if c.Camera.FrameInterval <= 0 {
		c.Camera.FrameInterval = 33 * time.Millisecond
	}
	if c.Recognition.SampleCount < 5 {
		c.Recognition.SampleCount = 5
	}

	c.Storage.FacesDir = c.resolve(c.Storage.FacesDir)
	c.Storage.RegistryFile = c.resolve(c.Storage.RegistryFile)
	c.Storage.TemplatesFile = c.resolve(c.Storage.TemplatesFile)
	c.Storage.AttendanceLog = c.resolve(c.Storage.AttendanceLog)
	c.DB.File = c.resolve(c.DB.File)
}

func (c *Config) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || c.Server.DataDir == "" {
		return path
	}
	return filepath.Join(c.Server.DataDir, path)
}

// ensureDirectories creates all directories the application writes into
func ensureDirectories(cfg *Config) error {
	dirs := []string{
		cfg.Server.DataDir,
		cfg.Storage.FacesDir,
		filepath.Dir(cfg.Storage.RegistryFile),
		filepath.Dir(cfg.Storage.TemplatesFile),
		filepath.Dir(cfg.Storage.AttendanceLog),
	}
	if cfg.DB.Enabled && cfg.DB.File != "" {
		dirs = append(dirs, filepath.Dir(cfg.DB.File))
	}
	if cfg.Log.File != "" {
		dirs = append(dirs, filepath.Dir(cfg.Log.File))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
