package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/overmindtech/mbsetup/bootstrap"
	"github.com/overmindtech/mbsetup/metabase"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// databaseConfig is one entry of the `databases` list in the config file.
// is_full_sync defaults to true when left out.
type databaseConfig struct {
	Engine     string         `mapstructure:"engine"`
	Name       string         `mapstructure:"name"`
	Details    map[string]any `mapstructure:"details"`
	IsOnDemand bool           `mapstructure:"is_on_demand"`
	IsFullSync *bool          `mapstructure:"is_full_sync"`
	Schedules  map[string]any `mapstructure:"schedules"`
}

func (d databaseConfig) database() metabase.Database {
	fullSync := true
	if d.IsFullSync != nil {
		fullSync = *d.IsFullSync
	}
	return metabase.Database{
		Engine:     d.Engine,
		Name:       d.Name,
		Details:    d.Details,
		IsOnDemand: d.IsOnDemand,
		IsFullSync: fullSync,
		Schedules:  d.Schedules,
	}
}

// ConfigFromViper builds the run config from flags, the environment and the
// optional config file
func ConfigFromViper() (*bootstrap.Config, error) {
	if configErr != nil {
		return nil, configErr
	}

	dbs, err := databasesFromViper()
	if err != nil {
		return nil, err
	}

	cfg := &bootstrap.Config{
		URL: viper.GetString("url"),
		Admin: metabase.Admin{
			Email:      viper.GetString("admin-email"),
			Password:   viper.GetString("admin-password"),
			FirstName:  viper.GetString("admin-first-name"),
			LastName:   viper.GetString("admin-last-name"),
			SiteName:   viper.GetString("site-name"),
			SetupToken: viper.GetString("setup-token"),
		},
		Databases:        dbs,
		ReadyInterval:    durationOrZero("ready-interval"),
		ReadyTimeout:     durationOrZero("ready-timeout"),
		SetupSettle:      durationOrZero("setup-settle"),
		MinServerVersion: viper.GetString("min-server-version"),
		Client: metabase.Options{
			ProbeTimeout:   durationOrZero("probe-timeout"),
			RequestTimeout: durationOrZero("request-timeout"),
			Retries:        viper.GetInt("http-retries"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// databasesFromViper returns the built-in data sources whose host is set,
// followed by the ones declared in the config file
func databasesFromViper() ([]metabase.Database, error) {
	var dbs []metabase.Database

	if host := viper.GetString("inventory-db-host"); host != "" {
		dbs = append(dbs, metabase.PostgresDatabase(
			viper.GetString("inventory-db-name"),
			host,
			viper.GetInt("inventory-db-port"),
			viper.GetString("inventory-db-dbname"),
			viper.GetString("inventory-db-user"),
			viper.GetString("inventory-db-pass"),
		))
	}

	if host := viper.GetString("trino-db-host"); host != "" {
		dbs = append(dbs, metabase.TrinoDatabase(
			viper.GetString("trino-db-name"),
			host,
			viper.GetInt("trino-db-port"),
			viper.GetString("trino-db-user"),
			viper.GetString("trino-db-catalog"),
			viper.GetString("trino-db-schema"),
		))
	}

	var extra []databaseConfig
	if err := viper.UnmarshalKey("databases", &extra); err != nil {
		return nil, fmt.Errorf("could not parse databases from config: %w", err)
	}
	for _, d := range extra {
		dbs = append(dbs, d.database())
	}

	return dbs, nil
}

// loadEnvFile loads a dotenv file into the environment without overriding
// variables that are already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("could not load env file %v: %w", path, err)
	}

	log.WithField("file", path).Debug("Loaded env file")
	return nil
}
