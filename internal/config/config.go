// Package config provides YAML configuration with hot reload
package config

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/Spatial-NVR/watchpost/internal/identity"
	"github.com/Spatial-NVR/watchpost/internal/motion"
	"github.com/Spatial-NVR/watchpost/internal/weapons"
)

const encryptedPrefix = "encrypted:"

// Config is the root configuration
type Config struct {
	Version       string              `yaml:"version"`
	System        SystemConfig        `yaml:"system"`
	Camera        CameraConfig        `yaml:"camera"`
	Detectors     DetectorsConfig     `yaml:"detectors"`
	Tracking      TrackingConfig      `yaml:"tracking"`
	Motion        motion.Thresholds   `yaml:"motion"`
	Weapons       WeaponsConfig       `yaml:"weapons"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Events        EventsConfig        `yaml:"events"`
	Streams       StreamsConfig       `yaml:"streams"`

	mu       sync.RWMutex    `yaml:"-"`
	path     string          `yaml:"-"`
	watchers []func(*Config) `yaml:"-"`
	encKey   []byte          `yaml:"-"`
}

// SystemConfig holds process-level settings
type SystemConfig struct {
	Name     string        `yaml:"name"`
	DataPath string        `yaml:"data_path"`
	Logging  LoggingConfig `yaml:"logging"`
	HTTP     HTTPConfig    `yaml:"http"`
	NATS     NATSConfig    `yaml:"nats"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level      string `yaml:"level"`
	BufferSize int    `yaml:"buffer_size"`
}

// HTTPConfig holds the API listener settings
type HTTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the listen address
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// NATSConfig holds embedded event bus settings
type NATSConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// CameraConfig selects the frame source. SnapshotURL wins over Go2RTC.
type CameraConfig struct {
	SnapshotURL string        `yaml:"snapshot_url,omitempty"`
	Go2RTCURL   string        `yaml:"go2rtc_url,omitempty"`
	Stream      string        `yaml:"stream,omitempty"`
	FPS         int           `yaml:"fps"`
	Timeout     time.Duration `yaml:"timeout"`
}

// DetectorsConfig holds the inference backends
type DetectorsConfig struct {
	Object DetectorConfig `yaml:"object"`
	Weapon DetectorConfig `yaml:"weapon"`
	Pose   PoseConfig     `yaml:"pose"`
}

// DetectorConfig configures an object detection backend
type DetectorConfig struct {
	URL           string        `yaml:"url"`
	Timeout       time.Duration `yaml:"timeout"`
	MinConfidence float64       `yaml:"min_confidence"`
	NMSThreshold  float64       `yaml:"nms_threshold,omitempty"`
	Classes       []string      `yaml:"classes,omitempty"`
}

// PoseConfig configures the pose estimation backend
type PoseConfig struct {
	URL                    string        `yaml:"url"`
	Timeout                time.Duration `yaml:"timeout"`
	Scale                  float64       `yaml:"scale"`
	MinDetectionConfidence float64       `yaml:"min_detection_confidence"`
	MinTrackingConfidence  float64       `yaml:"min_tracking_confidence"`
}

// TrackingConfig holds identity tracker tuning
type TrackingConfig struct {
	MatchThreshold  float64       `yaml:"match_threshold"`
	Staleness       time.Duration `yaml:"staleness"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	MaxLearningRate float64       `yaml:"max_learning_rate"`
}

// WeaponsConfig holds weapon monitor settings
type WeaponsConfig struct {
	Classes     map[string]string `yaml:"classes"`
	Cooldown    time.Duration     `yaml:"cooldown"`
	HistorySize int               `yaml:"history_size"`
}

// NotificationsConfig holds alert delivery settings
type NotificationsConfig struct {
	MQTT MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig holds MQTT broker settings
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	Topic    string `yaml:"topic"`
}

// EventsConfig holds alert persistence settings
type EventsConfig struct {
	RetentionDays int `yaml:"retention_days"`
}

// Retention returns the retention window. Negative days disable pruning.
func (e EventsConfig) Retention() time.Duration {
	return time.Duration(e.RetentionDays) * 24 * time.Hour
}

// StreamsConfig holds MJPEG output settings
type StreamsConfig struct {
	JPEGQuality int `yaml:"jpeg_quality"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{encKey: getEncryptionKey()}
	cfg.setDefaults()
	return cfg
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.path = path
	cfg.encKey = getEncryptionKey()

	if err := cfg.decryptSecrets(); err != nil {
		return nil, fmt.Errorf("failed to decrypt secrets: %w", err)
	}

	cfg.applyEnv()
	cfg.setDefaults()

	return &cfg, nil
}

// LoadOrCreate loads path, writing the defaults there first when the file
// does not exist
func LoadOrCreate(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		cfg.applyEnv()
		cfg.path = path
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}
		if err := cfg.Save(); err != nil {
			return nil, err
		}
		slog.Info("Wrote default configuration", "path", path)
	}
	return Load(path)
}

// Save writes the configuration atomically
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.saveUnlocked()
}

func (c *Config) copyFields() *Config {
	return &Config{
		Version:       c.Version,
		System:        c.System,
		Camera:        c.Camera,
		Detectors:     c.Detectors,
		Tracking:      c.Tracking,
		Motion:        c.Motion,
		Weapons:       c.Weapons,
		Notifications: c.Notifications,
		Events:        c.Events,
		Streams:       c.Streams,
		path:          c.path,
		encKey:        c.encKey,
	}
}

// saveUnlocked saves without acquiring lock (caller must hold lock)
func (c *Config) saveUnlocked() error {
	if c.path == "" {
		return fmt.Errorf("config path not set")
	}

	cfgCopy := c.copyFields()
	if err := cfgCopy.encryptSecrets(); err != nil {
		return fmt.Errorf("failed to encrypt secrets: %w", err)
	}

	data, err := yaml.Marshal(cfgCopy)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	data = append([]byte("# watchpost configuration\n\n"), data...)

	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return os.Rename(tmpPath, c.path)
}

// Watch reloads the configuration whenever the file changes, until ctx is
// cancelled. The directory is watched so atomic replacements are seen.
func (c *Config) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	path := c.Path()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var debounce <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					debounce = time.After(100 * time.Millisecond)
				}
			case <-debounce:
				debounce = nil
				c.reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watch error", "error", err)
			}
		}
	}()

	return nil
}

// OnChange registers a callback for config changes
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

func (c *Config) reload() {
	newCfg, err := Load(c.Path())
	if err != nil {
		slog.Error("Failed to reload config", "error", err)
		return
	}

	c.mu.Lock()
	c.Version = newCfg.Version
	c.System = newCfg.System
	c.Camera = newCfg.Camera
	c.Detectors = newCfg.Detectors
	c.Tracking = newCfg.Tracking
	c.Motion = newCfg.Motion
	c.Weapons = newCfg.Weapons
	c.Notifications = newCfg.Notifications
	c.Events = newCfg.Events
	c.Streams = newCfg.Streams
	watchers := append([]func(*Config){}, c.watchers...)
	c.mu.Unlock()

	slog.Info("Configuration reloaded")

	for _, fn := range watchers {
		fn(c)
	}
}

// Snapshot returns a copy safe to read without locking
func (c *Config) Snapshot() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.copyFields()
}

// Path returns the config file path
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// SetPath sets the path used by Save and Watch
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// applyEnv applies environment overrides
func (c *Config) applyEnv() {
	if v := os.Getenv("DATA_PATH"); v != "" {
		c.System.DataPath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.System.Logging.Level = v
	}
}

// setDefaults sets default values for unset fields
func (c *Config) setDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.System.Name == "" {
		c.System.Name = "watchpost"
	}
	if c.System.DataPath == "" {
		c.System.DataPath = "/data"
	}
	if c.System.Logging.Level == "" {
		c.System.Logging.Level = "info"
	}
	if c.System.Logging.BufferSize <= 0 {
		c.System.Logging.BufferSize = 1000
	}
	if c.System.HTTP.Host == "" {
		c.System.HTTP.Host = "0.0.0.0"
	}
	if c.System.HTTP.Port == 0 {
		c.System.HTTP.Port = 5000
	}
	if c.System.NATS.Host == "" {
		c.System.NATS.Host = "127.0.0.1"
	}

	if c.Camera.FPS <= 0 {
		c.Camera.FPS = 15
	}
	if c.Camera.Timeout <= 0 {
		c.Camera.Timeout = 10 * time.Second
	}
	if c.Camera.SnapshotURL == "" && c.Camera.Go2RTCURL == "" {
		c.Camera.Go2RTCURL = "http://127.0.0.1:1984"
	}
	if c.Camera.Stream == "" {
		c.Camera.Stream = "camera"
	}

	if c.Detectors.Object.URL == "" {
		c.Detectors.Object.URL = "http://127.0.0.1:5001"
	}
	if c.Detectors.Object.MinConfidence <= 0 {
		c.Detectors.Object.MinConfidence = 0.55
	}
	if c.Detectors.Object.NMSThreshold <= 0 {
		c.Detectors.Object.NMSThreshold = 0.2
	}
	if c.Detectors.Weapon.URL == "" {
		c.Detectors.Weapon.URL = c.Detectors.Object.URL
	}
	if c.Detectors.Weapon.MinConfidence <= 0 {
		c.Detectors.Weapon.MinConfidence = 0.5
	}
	if c.Detectors.Pose.URL == "" {
		c.Detectors.Pose.URL = "http://127.0.0.1:5002"
	}
	if c.Detectors.Pose.Scale <= 0 {
		c.Detectors.Pose.Scale = 0.5
	}
	if c.Detectors.Pose.MinDetectionConfidence <= 0 {
		c.Detectors.Pose.MinDetectionConfidence = 0.5
	}
	if c.Detectors.Pose.MinTrackingConfidence <= 0 {
		c.Detectors.Pose.MinTrackingConfidence = 0.5
	}

	track := identity.DefaultConfig()
	if c.Tracking.MatchThreshold <= 0 {
		c.Tracking.MatchThreshold = track.MatchThreshold
	}
	if c.Tracking.Staleness <= 0 {
		c.Tracking.Staleness = track.Staleness
	}
	if c.Tracking.SweepInterval <= 0 {
		c.Tracking.SweepInterval = track.SweepInterval
	}
	if c.Tracking.MaxLearningRate <= 0 {
		c.Tracking.MaxLearningRate = track.MaxLearningRate
	}

	c.Motion = c.Motion.WithDefaults()

	if len(c.Weapons.Classes) == 0 {
		c.Weapons.Classes = weapons.DefaultMapping()
	}
	if c.Weapons.Cooldown <= 0 {
		c.Weapons.Cooldown = 10 * time.Second
	}
	if c.Weapons.HistorySize <= 0 {
		c.Weapons.HistorySize = weapons.HistorySize
	}

	if c.Notifications.MQTT.Port == 0 {
		c.Notifications.MQTT.Port = 1883
	}
	if c.Notifications.MQTT.Topic == "" {
		c.Notifications.MQTT.Topic = "watchpost/alerts/weapon"
	}

	if c.Events.RetentionDays == 0 {
		c.Events.RetentionDays = 30
	}
	if c.Streams.JPEGQuality <= 0 || c.Streams.JPEGQuality > 100 {
		c.Streams.JPEGQuality = 80
	}
}

func (c *Config) encryptSecrets() error {
	pw := c.Notifications.MQTT.Password
	if pw == "" || strings.HasPrefix(pw, encryptedPrefix) {
		return nil
	}
	encrypted, err := encrypt(c.encKey, pw)
	if err != nil {
		return err
	}
	c.Notifications.MQTT.Password = encryptedPrefix + encrypted
	return nil
}

func (c *Config) decryptSecrets() error {
	pw := c.Notifications.MQTT.Password
	if !strings.HasPrefix(pw, encryptedPrefix) {
		return nil
	}
	decrypted, err := decrypt(c.encKey, strings.TrimPrefix(pw, encryptedPrefix))
	if err != nil {
		return err
	}
	c.Notifications.MQTT.Password = decrypted
	return nil
}

// getEncryptionKey returns the secret key from the environment or a fixed
// fallback
func getEncryptionKey() []byte {
	if keyStr := os.Getenv("WATCHPOST_ENCRYPTION_KEY"); keyStr != "" {
		key, err := base64.StdEncoding.DecodeString(keyStr)
		if err == nil && len(key) == 32 {
			return key
		}
	}
	// Must be exactly 32 bytes for AES-256
	return []byte("watchpost-default-key-change-me!")
}

// encrypt encrypts a string using AES-GCM
func encrypt(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decrypt decrypts a string using AES-GCM
func decrypt(key []byte, ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
