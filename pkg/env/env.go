package env

import (
	"time"

	"github.com/caesium-cloud/fleetline/pkg/log"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

var variables = new(Environment)

// Process the environment variables set for fleetline.
func Process() error {
	if err := envconfig.Process("fleetline", variables); err != nil {
		return errors.Wrap(err, "failed to process environment variables")
	}

	// set the log level
	if err := log.SetLevel(variables.LogLevel); err != nil {
		return errors.Wrap(err, "failed to set log level")
	}

	return nil
}

// Variables returns the processed environment variables.
func Variables() Environment {
	return *variables
}

// Environment defines the environment variables used
// by fleetline.
type Environment struct {
	LogLevel          string        `default:"info"`
	Port              int           `default:"8080"`
	DatabaseType      string        `default:"sqlite"`
	DatabaseDSN       string        `default:"fleetline.db"`
	RetentionTTL      time.Duration `default:"2160h"`
	RetentionSchedule string        `default:"@every 1h"`
	SecretsProvider   string        `default:"database"`
	VaultAddress      string        `default:""`
	VaultToken        string        `default:""`
	VaultNamespace    string        `default:""`
	VaultMount        string        `default:"secret"`
}
