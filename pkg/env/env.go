package env

import (
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"github.com/tabflow-cloud/tabflow/pkg/log"
)

var variables = new(Environment)

// Process the environment variables set for tabflow.
func Process() error {
	if err := envconfig.Process("tabflow", variables); err != nil {
		return errors.Wrap(err, "failed to process environment variables")
	}

	// set the log level
	if err := log.SetLevelFromString(variables.LogLevel); err != nil {
		return errors.Wrap(err, "failed to set log level")
	}

	return nil
}

// Variables returns the processed environment variables.
func Variables() Environment {
	return *variables
}

// Environment defines the environment variables used
// by tabflow.
type Environment struct {
	LogLevel          string `split_words:"true" default:"info"`
	Port              int    `default:"8080"`
	DatabaseType      string `split_words:"true" default:"postgres"`
	DatabaseDSN       string `split_words:"true" default:"host=postgres user=postgres password=postgres dbname=tabflow port=5432 sslmode=disable"`
	TransactionPolicy string `split_words:"true" default:"execution"`
	DispatchSchedule  string `split_words:"true" default:"@every 5s"`
	DispatchBatchSize int    `split_words:"true" default:"64"`
	QueueCapacity     int    `split_words:"true" default:"1024"`
	CallbackBaseURL   string `split_words:"true" default:"http://localhost:8080/callback"`
}
