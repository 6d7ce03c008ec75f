// Package config loads the YAML configuration shared by the handlink binaries.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ayusman/handlink/internal/host"
	"github.com/ayusman/handlink/internal/logging"
	"github.com/ayusman/handlink/internal/protocol"
)

// maxFileSize bounds the configuration file size.
const maxFileSize = 1 << 20

// Config is the root of the configuration file.
type Config struct {
	Log      logging.Config `yaml:"log"`
	Producer Producer       `yaml:"producer"`
	Consumer Consumer       `yaml:"consumer"`
}

// Producer configures the vision producer.
type Producer struct {
	// Addr is the TCP address to listen on.
	Addr string `yaml:"addr"`

	Camera   Camera   `yaml:"camera"`
	Detector Detector `yaml:"detector"`

	// Preview opens a window showing the annotated camera feed. ESC or q in
	// the window ends the session.
	Preview bool `yaml:"preview"`

	// StorePath is the SQLite database used for recordings.
	StorePath string `yaml:"store_path"`

	// RestartDelay is the pause before retrying after a startup failure.
	RestartDelay time.Duration `yaml:"restart_delay"`

	// ReplayLoop restarts a replayed recording when it ends.
	ReplayLoop bool `yaml:"replay_loop"`
}

// Camera selects and sizes the capture device.
type Camera struct {
	DeviceID int  `yaml:"device_id"`
	Width    int  `yaml:"width"`
	Height   int  `yaml:"height"`
	FPS      int  `yaml:"fps"`
	Mirror   bool `yaml:"mirror"`
}

// Detector configures the MediaPipe service.
type Detector struct {
	ModelComplexity        int     `yaml:"model_complexity"`
	MinDetectionConfidence float64 `yaml:"min_detection_confidence"`
	MinTrackingConfidence  float64 `yaml:"min_tracking_confidence"`
	ScriptPath             string  `yaml:"script_path"`
	PythonPath             string  `yaml:"python_path"`
}

// Consumer configures the transform consumer.
type Consumer struct {
	// Addr is the producer address to connect to.
	Addr string `yaml:"addr"`

	// DialTimeout bounds the initial connect.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// Object is the name of the scene object created and driven by the
	// consumer binary.
	Object string `yaml:"object"`

	Scene host.SceneConfig `yaml:"scene"`

	// HTTPAddr serves the status API. Empty disables it.
	HTTPAddr string `yaml:"http_addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: logging.Config{Level: "info"},
		Producer: Producer{
			Addr: protocol.DefaultAddr,
			Camera: Camera{
				Width:  640,
				Height: 480,
				FPS:    30,
				Mirror: true,
			},
			Detector: Detector{
				ModelComplexity:        1,
				MinDetectionConfidence: 0.7,
				MinTrackingConfidence:  0.7,
			},
			Preview:      true,
			StorePath:    defaultStorePath(),
			RestartDelay: 2 * time.Second,
		},
		Consumer: Consumer{
			Addr:        protocol.DefaultAddr,
			DialTimeout: 5 * time.Second,
			Object:      "Cube",
			Scene: host.SceneConfig{
				QueueSize:    host.DefaultQueueSize,
				TickInterval: host.DefaultTickInterval,
			},
			HTTPAddr: "127.0.0.1:8090",
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return validated(cfg)
	}

	clean := filepath.Clean(path)
	info, err := os.Stat(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := cfg.decode(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("%s: %w", clean, err)
	}
	return validated(cfg)
}

// Parse decodes YAML from r over the defaults.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(r); err != nil {
		return nil, err
	}
	return validated(cfg)
}

func validated(cfg *Config) (*Config, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// Validate checks the configuration for values the binaries cannot use.
func (c *Config) Validate() error {
	var errs []error

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if err := validateAddr("producer.addr", c.Producer.Addr, false); err != nil {
		errs = append(errs, err)
	}
	if err := validateAddr("consumer.addr", c.Consumer.Addr, false); err != nil {
		errs = append(errs, err)
	}
	if err := validateAddr("consumer.http_addr", c.Consumer.HTTPAddr, true); err != nil {
		errs = append(errs, err)
	}

	cam := c.Producer.Camera
	if cam.Width < 0 || cam.Height < 0 || cam.FPS < 0 {
		errs = append(errs, fmt.Errorf("producer.camera: width, height and fps must not be negative"))
	}

	det := c.Producer.Detector
	if !unit(det.MinDetectionConfidence) || !unit(det.MinTrackingConfidence) {
		errs = append(errs, fmt.Errorf("producer.detector: confidences must be within [0, 1]"))
	}
	if det.ModelComplexity < 0 || det.ModelComplexity > 1 {
		errs = append(errs, fmt.Errorf("producer.detector.model_complexity must be 0 or 1"))
	}

	if c.Producer.RestartDelay < 0 {
		errs = append(errs, fmt.Errorf("producer.restart_delay must not be negative"))
	}
	if c.Consumer.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("consumer.dial_timeout must not be negative"))
	}
	if c.Consumer.Object == "" {
		errs = append(errs, fmt.Errorf("consumer.object must be set"))
	}

	return errors.Join(errs...)
}

func validateAddr(field, addr string, optional bool) error {
	if addr == "" {
		if optional {
			return nil
		}
		return fmt.Errorf("%s must be set", field)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	return nil
}

func unit(v float64) bool { return v >= 0 && v <= 1 }

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "handlink.db"
	}
	return filepath.Join(home, ".handlink", "handlink.db")
}
