package main

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	responsetransformer "github.com/edge-cache/edge-cache/pkg/response-transformer"
)

// duration decodes yaml values like "500ms" or "1m30s".
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	*d = duration(parsed)
	return nil
}

func (d duration) value() time.Duration {
	return time.Duration(d)
}

type fileConfig struct {
	Listen string `yaml:"listen"`
	Origin string `yaml:"origin"`
	Host   string `yaml:"host"`

	Storage storageConfig `yaml:"storage"`

	MaxObjectBytes int64 `yaml:"maxObjectBytes"`
	MaxTotalBytes  int64 `yaml:"maxTotalBytes"`

	LockWaitTimeout duration `yaml:"lockWaitTimeout"`
	LockMaxLifetime duration `yaml:"lockMaxLifetime"`
	UncacheableFor  duration `yaml:"uncacheableFor"`

	DefaultStale duration `yaml:"defaultStale"`
	StaleIfError duration `yaml:"staleIfError"`
	RangeWait    duration `yaml:"rangeWait"`

	VaryAllowlist []string `yaml:"varyAllowlist"`

	StatusHeader   string `yaml:"statusHeader"`
	LockWaitHeader string `yaml:"lockWaitHeader"`

	RevalidateWorkers int `yaml:"revalidateWorkers"`

	Rules responsetransformer.Rules `yaml:"rules"`
}

type storageConfig struct {
	// Backend is one of memory, sqlite, leveldb, postgres.
	Backend string `yaml:"backend"`
	// Path is the database file (sqlite) or directory (leveldb).
	Path string `yaml:"path"`
	// DSN is the postgres connection string.
	DSN string `yaml:"dsn"`
}

func getConfig(filename string) (fileConfig, error) {
	var config fileConfig
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, errors.Wrap(err, "could not read config file")
	}
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return config, errors.Wrap(err, "could not parse config file")
	}
	return config, nil
}
