package provision

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caesium-cloud/fleetline/pkg/jsonmap"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config is the device configuration an agent is deployed with.
type Config struct {
	AgentName      string            `yaml:"agent_name"`
	DeviceIP       string            `yaml:"device_ip"`
	ControlHost    string            `yaml:"control_host"`
	ServerAddress  string            `yaml:"server_address"`
	SerialHost     string            `yaml:"serial_host"`
	SerialPort     int               `yaml:"serial_port"`
	SSHKeyPath     string            `yaml:"ssh_key_path"`
	KnownHostsPath string            `yaml:"known_hosts_path"`
	Env            map[string]string `yaml:"env"`
	// Extra holds family specific keys that are not modelled above.
	Extra map[string]any `yaml:",inline"`
}

// LoadConfig reads a YAML device configuration file.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read device config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("parse device config %s: %w", path, err)
	}
	return cfg, nil
}

// Job is the view of a dequeued job a driver works with.
type Job struct {
	ID   uuid.UUID
	Data map[string]any
}

// Section returns a top-level object of the job data such as
// "provision_data" or "test_data"; it is never nil.
func (j *Job) Section(name string) map[string]any {
	if j == nil {
		return map[string]any{}
	}
	if section := jsonmap.Object(j.Data, name); section != nil {
		return section
	}
	return map[string]any{}
}

// String returns section[key] as a trimmed string, or "".
func String(section map[string]any, key string) string {
	switch v := section[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Strings returns section[key] as a string slice. A single string is
// treated as a one element list.
func Strings(section map[string]any, key string) []string {
	switch v := section[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}

// Seconds reads section[key] as a whole number of seconds. Both numbers
// and numeric strings are accepted.
func Seconds(section map[string]any, key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := section[key]
	if !ok || raw == nil {
		return fallback, nil
	}

	var secs float64
	switch v := raw.(type) {
	case float64:
		secs = v
	case int:
		secs = float64(v)
	case int64:
		secs = float64(v)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, &ConfigError{Field: key, Reason: fmt.Sprintf("is not a number of seconds: %q", v)}
		}
		secs = parsed
	default:
		return 0, &ConfigError{Field: key, Reason: fmt.Sprintf("is not a number of seconds: %v", raw)}
	}

	if secs < 0 {
		return 0, &ConfigError{Field: key, Reason: "must not be negative"}
	}
	return time.Duration(secs * float64(time.Second)), nil
}
