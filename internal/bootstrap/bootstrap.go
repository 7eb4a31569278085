// Package bootstrap parses the handful of settings citadeld needs before
// the KVStore can even be opened: data directory, listen addresses,
// daemonize/pidfile, and log level. Everything else is runtime
// configuration that lives in config.Store once the store is open (spec
// 4.2); this package only covers the pre-KVStore sliver.
//
// Precedence, matching infodancer-pop3d's internal/config/loader.go: flags
// override the TOML file, the file overrides these built-in defaults.
package bootstrap

import (
	"flag"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config is the pre-KVStore bootstrap settings, optionally loaded from a
// TOML file and always overridable by flags.
type Config struct {
	HomeDir    string `toml:"home_dir"`
	Daemonize  bool   `toml:"daemonize"`
	PIDFile    string `toml:"pidfile"`
	IPAddr     string `toml:"ip_addr"`
	PortNumber int    `toml:"port_number"`
	LogLevel   int    `toml:"log_level"`
}

// defaults mirrors the built-in values a fresh install gets before any
// flag or file overrides them.
func defaults() Config {
	return Config{
		IPAddr:     "0.0.0.0",
		PortNumber: 504,
		LogLevel:   0,
	}
}

// Load parses args against fs, reading -c (config file path) first so a
// TOML file can supply defaults that the remaining flags then override.
// args is normally os.Args[1:]; fs is normally flag.CommandLine.
func Load(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := defaults()

	// A first, lenient pass just to find -c. probe defines only -c, so a
	// Parse stops at the first other flag (-h/-d/-D below, or citadeld's
	// own); it is retried from each later position until -c turns up.
	probe := flag.NewFlagSet(fs.Name(), flag.ContinueOnError)
	probe.SetOutput(discard{})
	flagConfigFile := probe.String("c", "", "path to a TOML bootstrap config file")
	for rest := args; len(rest) > 0 && *flagConfigFile == ""; rest = rest[1:] {
		probe.Parse(rest)
	}

	if *flagConfigFile != "" {
		raw, err := os.ReadFile(*flagConfigFile)
		if err != nil {
			return cfg, fmt.Errorf("bootstrap: reading %s: %w", *flagConfigFile, err)
		}
		if err := toml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("bootstrap: parsing %s: %w", *flagConfigFile, err)
		}
	}

	flagHomeDir := fs.String("h", cfg.HomeDir, "data directory")
	flagDaemonize := fs.Bool("d", cfg.Daemonize, "daemonize")
	flagPIDFile := fs.String("D", cfg.PIDFile, "pidfile path (implies daemonize)")
	flagIPAddr := fs.String("ip", cfg.IPAddr, "bind address for the native TCP listener")
	flagPort := fs.Int("p", cfg.PortNumber, "native TCP listener port")
	flagLevel := fs.Int("x", cfg.LogLevel, "max syslog level (unused, logs to stderr)")
	fs.String("c", *flagConfigFile, "path to a TOML bootstrap config file (this flag itself)")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.HomeDir = *flagHomeDir
	cfg.Daemonize = *flagDaemonize || *flagPIDFile != ""
	cfg.PIDFile = *flagPIDFile
	cfg.IPAddr = *flagIPAddr
	cfg.PortNumber = *flagPort
	cfg.LogLevel = *flagLevel
	return cfg, nil
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
