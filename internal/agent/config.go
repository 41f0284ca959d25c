package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caesium-cloud/fleetline/internal/provision"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPollInterval  = 10 * time.Second
	DefaultGlobalTimeout = 4 * time.Hour
	DefaultOutputTimeout = 15 * time.Minute
)

// Config is the agent configuration file.
type Config struct {
	AgentID          string        `yaml:"agent_id" validate:"required"`
	ServerAddress    string        `yaml:"server_address" validate:"required,url"`
	JobQueues        []string      `yaml:"job_queues" validate:"required,min=1,dive,required"`
	DeviceType       string        `yaml:"device_type" validate:"required"`
	ExecutionBasedir string        `yaml:"execution_basedir"`
	RestartFile      string        `yaml:"restart_file"`
	PollInterval     time.Duration `yaml:"poll_interval" validate:"gte=0"`
	// GlobalTimeout and OutputTimeout are the defaults and upper bounds for
	// the test phase timeouts a job may request.
	GlobalTimeout time.Duration    `yaml:"global_timeout" validate:"gte=0"`
	OutputTimeout time.Duration    `yaml:"output_timeout" validate:"gte=0"`
	Device        provision.Config `yaml:"device"`
}

// LoadConfig reads and validates an agent configuration file.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("parse agent config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	c.applyDefaults()
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid agent config: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.GlobalTimeout == 0 {
		c.GlobalTimeout = DefaultGlobalTimeout
	}
	if c.OutputTimeout == 0 {
		c.OutputTimeout = DefaultOutputTimeout
	}
	if c.ExecutionBasedir == "" {
		c.ExecutionBasedir = filepath.Join(os.TempDir(), "fleetline", c.AgentID)
	}
	if c.RestartFile == "" {
		c.RestartFile = filepath.Join(os.TempDir(), "fleetline-"+c.AgentID+".restart")
	}
	if c.Device.AgentName == "" {
		c.Device.AgentName = c.AgentID
	}
	if c.Device.ServerAddress == "" {
		c.Device.ServerAddress = c.ServerAddress
	}
}
