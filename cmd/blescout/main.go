// Command blescout scans for BLE peripherals, connects to one and prints its
// GATT service tree.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli"

	"github.com/chaz8081/blescout/internal/config"
)

var cfg *config.Config

func main() {
	app := cli.NewApp()

	app.Name = "blescout"
	app.Usage = "Scan, connect and explore BLE peripherals"
	app.Version = "0.1.0"
	app.Action = cli.ShowAppHelp
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "path to config file (default: ~/.config/blescout/config.yaml)",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "override log_level (debug, info, warn, error)",
		},
		cli.BoolFlag{
			Name:  "json",
			Usage: "print results as JSON",
		},
	}

	app.Commands = []cli.Command{
		{
			Name:   "state",
			Usage:  "Show the adapter state",
			Action: cmdState,
		},
		{
			Name:   "power-on",
			Usage:  "Ask the system to power the adapter on and wait for it",
			Action: cmdPowerOn,
			Flags:  []cli.Flag{flgWait},
		},
		{
			Name:    "scan",
			Aliases: []string{"s"},
			Usage:   "Scan for advertising devices matching the filter",
			Action:  cmdScan,
			Flags:   scanFlags(),
		},
		{
			Name:    "explore",
			Aliases: []string{"e"},
			Usage:   "Scan, connect to the first matching device and print its services",
			Action:  cmdExplore,
			Flags: append(scanFlags(),
				flgConnectTimeout,
				flgReconnect,
				flgAutoConnect,
				flgHold,
			),
		},
		{
			Name:   "init",
			Usage:  "Write the default config file if none exists",
			Action: cmdInit,
		},
	}

	app.Before = setup
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "blescout: %v\n", err)
		os.Exit(1)
	}
}

// setup loads the configuration and installs the logger.
func setup(c *cli.Context) error {
	loaded, err := loadConfig(c.GlobalString("config"))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if lvl := c.GlobalString("log-level"); lvl != "" {
		loaded.LogLevel = lvl
	}
	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	cfg = loaded

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))
	return nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		loaded, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return loaded, nil
	}
	return config.Default(), nil
}
