// Package config loads gtask's settings from defaults, gtask.toml and GTASK_* environment variables.
package config

import (
	"os"
	"path/filepath"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigtoml"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/griddy/build-tools/pkg/deploy"
)

// FileName is the config file looked up in the project root
const FileName = "gtask.toml"

// Config describes all configuration options
type Config struct {
	Binary    string `default:"griddy" usage:"Name of the binary produced by the build"`
	TargetDir string `default:"target" toml:"target_dir" usage:"Cargo target directory relative to the project root"`
	Log       struct {
		Level string `default:"info"`
		JSON  bool   `default:"false" usage:"Output JSON lines instead of pretty console messages"`
	}
	Toolchain struct {
		Cargo string `default:"cargo" usage:"Cargo executable"`
		Git   string `default:"git" usage:"Git executable used to look up the revision"`
	}
	Deploy struct {
		Destination string `default:"woods:bin/griddy" usage:"Remote destination as host:path"`
		Mode        string `default:"plain" usage:"Default deploy mode (plain or revision)"`
		Transport   string `default:"scp" usage:"Transfer method (scp or sftp)"`
		Scp         string `default:"scp" usage:"scp executable"`
		Progress    bool   `default:"true" usage:"Show a progress bar for sftp uploads"`
		SFTP        struct {
			Address      string `usage:"host:port to connect to, defaults to the destination host on port 22"`
			User         string `usage:"Remote user, defaults to the local user"`
			IdentityFile string `toml:"identity_file" usage:"Private key used before falling back to the ssh agent"`
			KnownHosts   string `toml:"known_hosts" usage:"known_hosts file, defaults to ~/.ssh/known_hosts"`
		} `toml:"sftp"`
	}
}

var logLevels = map[string]zerolog.Level{
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
}

// Loader initializes an empty config object and returns a new Loader for this object.
// If file is empty, gtask.toml in projectRoot is used when it exists.
func Loader(projectRoot, file string) (*Config, *aconfig.Loader) {
	files := []string{}
	if file != "" {
		files = append(files, file)
	} else if projectRoot != "" {
		files = append(files, filepath.Join(projectRoot, FileName))
	}

	cfg := Config{}
	return &cfg, aconfig.LoaderFor(&cfg, aconfig.Config{
		SkipFlags: true,
		EnvPrefix: "GTASK",
		Files:     files,
		FileDecoders: map[string]aconfig.FileDecoder{
			".toml": aconfigtoml.New(),
		},
	})
}

// Load reads the configuration and validates it. An explicitly passed file must exist.
func Load(projectRoot, file string) (*Config, error) {
	if file != "" {
		if _, err := os.Stat(file); err != nil {
			return nil, eris.Wrapf(err, "Could not open config file %s", file)
		}
	}

	cfg, loader := Loader(projectRoot, file)
	if err := loader.Load(); err != nil {
		return nil, eris.Wrap(err, "Failed to parse config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate verifies that all config fields have valid values
func (cfg *Config) Validate() error {
	if cfg.Binary == "" {
		return eris.New(`Invalid value for binary: must not be empty`)
	}

	if _, ok := logLevels[cfg.Log.Level]; !ok {
		return eris.Errorf(`Invalid value for log.level: %s`, cfg.Log.Level)
	}

	if _, err := deploy.ParseDestination(cfg.Deploy.Destination); err != nil {
		return eris.Wrapf(err, `Invalid value for deploy.destination`)
	}

	if _, err := deploy.ParseMode(cfg.Deploy.Mode); err != nil {
		return eris.Wrapf(err, `Invalid value for deploy.mode`)
	}

	switch cfg.Deploy.Transport {
	case "scp", "sftp":
		// valid
	default:
		return eris.Errorf(`Invalid value for deploy.transport: %s (must be one of scp or sftp)`, cfg.Deploy.Transport)
	}

	return nil
}

// LogLevel converts the .Log.Level field to a zerolog.Level
func (cfg *Config) LogLevel() zerolog.Level {
	return logLevels[cfg.Log.Level]
}

// SetLogLevel overrides the configured level, e.g. from a command line flag
func (cfg *Config) SetLogLevel(level string) error {
	if _, ok := logLevels[level]; !ok {
		return eris.Errorf(`Invalid log level: %s`, level)
	}
	cfg.Log.Level = level
	return nil
}
