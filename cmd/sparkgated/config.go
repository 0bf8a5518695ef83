// Copyright 2023 The sparkgate Authors
// This file is part of sparkgate.
//
// sparkgate is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// sparkgate is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with sparkgate. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"unicode"

	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"

	"github.com/sparkgate/sparkgate/gateway"
)

// These settings ensure that TOML keys use the same names as Go struct
// fields, and that fields in the config file that are unknown produce an
// error instead of being silently dropped.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		link := ""
		if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see %s for available fields", rt.String())
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, rt.String(), link)
	},
}

// nodeConfig is the daemon's own housekeeping, everything that is not a
// protocol knob.
type nodeConfig struct {
	// DataDir holds the device database and, unless KeyFile points
	// elsewhere, the server key.
	DataDir string

	// KeyFile is the server's RSA private key in PEM form. Empty means
	// <datadir>/gateway_key.pem, generated on first start if missing.
	KeyFile string

	// FirmwareDir enables flashing by name. Empty disables the firmware
	// store; flashing raw images still works.
	FirmwareDir string

	// FirmwareCacheSize bounds the number of images kept in memory.
	FirmwareCacheSize int

	// Verbosity is a logrus level name: trace, debug, info, warn, error.
	Verbosity string

	// LogJSON switches log output to one JSON object per line.
	LogJSON bool
}

// brokerConfig bounds the event broker. Zeroes mean no limit.
type brokerConfig struct {
	// EventsPerSec caps the global device event publish rate.
	EventsPerSec float64

	// Burst is the rate limiter's bucket size.
	Burst int
}

// bridgeConfig connects the gateway to an upstream backend over a
// websocket. An empty Host runs the gateway standalone.
type bridgeConfig struct {
	Host   string
	Name   string
	Secret string
}

type metricsConfig struct {
	Enabled bool
	Addr    string
}

type sparkgatedConfig struct {
	Node    nodeConfig
	Gateway gateway.Config
	Broker  brokerConfig
	Bridge  bridgeConfig
	Metrics metricsConfig
}

func defaultNodeConfig() sparkgatedConfig {
	cfg := sparkgatedConfig{
		Node: nodeConfig{
			DataDir:   defaultDataDir(),
			Verbosity: "info",
		},
		Gateway: gateway.DefaultConfig,
		Metrics: metricsConfig{
			Addr: "127.0.0.1:9110",
		},
	}
	if host, err := os.Hostname(); err == nil {
		cfg.Bridge.Name = host
	}
	return cfg
}

// defaultDataDir tries ~/.sparkgate and falls back to a relative directory
// when the home cannot be resolved.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "sparkgate-data"
	}
	return filepath.Join(home, ".sparkgate")
}

func (cfg *sparkgatedConfig) serverKeyFile() string {
	if cfg.Node.KeyFile != "" {
		return cfg.Node.KeyFile
	}
	return filepath.Join(cfg.Node.DataDir, "gateway_key.pem")
}

func (cfg *sparkgatedConfig) deviceDBDir() string {
	return filepath.Join(cfg.Node.DataDir, "devices")
}

// loadConfig assembles the effective configuration: compiled-in defaults,
// then the TOML file, then command line flags.
func loadConfig(ctx *cli.Context) (sparkgatedConfig, error) {
	cfg := defaultNodeConfig()
	if file := ctx.String(configFileFlag.Name); file != "" {
		if err := loadTOML(file, &cfg); err != nil {
			return cfg, err
		}
	}
	applyFlags(ctx, &cfg)
	if _, err := logLevel(cfg.Node.Verbosity); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadTOML(file string, cfg *sparkgatedConfig) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	// Add the file name to errors that have a line number.
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(file + ", " + err.Error())
	}
	return err
}

func applyFlags(ctx *cli.Context, cfg *sparkgatedConfig) {
	if ctx.IsSet(dataDirFlag.Name) {
		cfg.Node.DataDir = ctx.Path(dataDirFlag.Name)
	}
	if ctx.IsSet(keyFileFlag.Name) {
		cfg.Node.KeyFile = ctx.String(keyFileFlag.Name)
	}
	if ctx.IsSet(firmwareDirFlag.Name) {
		cfg.Node.FirmwareDir = ctx.String(firmwareDirFlag.Name)
	}
	if ctx.IsSet(verbosityFlag.Name) {
		cfg.Node.Verbosity = ctx.String(verbosityFlag.Name)
	}
	if ctx.IsSet(logJSONFlag.Name) {
		cfg.Node.LogJSON = ctx.Bool(logJSONFlag.Name)
	}
	if ctx.IsSet(listenAddrFlag.Name) {
		cfg.Gateway.ListenAddr = ctx.String(listenAddrFlag.Name)
	}
	if ctx.IsSet(environmentFlag.Name) {
		cfg.Gateway.Environment = ctx.String(environmentFlag.Name)
	}
	if ctx.IsSet(logAPIFlag.Name) {
		cfg.Gateway.LogAPIMessages = ctx.Bool(logAPIFlag.Name)
	}
	if ctx.IsSet(logDevicesFlag.Name) {
		cfg.Gateway.VerboseDeviceLogs = ctx.Bool(logDevicesFlag.Name)
	}
	if ctx.IsSet(eventsRateFlag.Name) {
		cfg.Broker.EventsPerSec = ctx.Float64(eventsRateFlag.Name)
	}
	if ctx.IsSet(eventsBurstFlag.Name) {
		cfg.Broker.Burst = ctx.Int(eventsBurstFlag.Name)
	}
	if ctx.IsSet(bridgeHostFlag.Name) {
		cfg.Bridge.Host = ctx.String(bridgeHostFlag.Name)
	}
	if ctx.IsSet(bridgeNameFlag.Name) {
		cfg.Bridge.Name = ctx.String(bridgeNameFlag.Name)
	}
	if ctx.IsSet(bridgeSecretFlag.Name) {
		cfg.Bridge.Secret = ctx.String(bridgeSecretFlag.Name)
	}
	if ctx.IsSet(metricsFlag.Name) {
		cfg.Metrics.Enabled = ctx.Bool(metricsFlag.Name)
	}
	if ctx.IsSet(metricsAddrFlag.Name) {
		cfg.Metrics.Addr = ctx.String(metricsAddrFlag.Name)
		cfg.Metrics.Enabled = true
	}
}

func dumpConfig(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	out, err := tomlSettings.Marshal(&cfg)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}
