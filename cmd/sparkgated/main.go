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

// sparkgated is the device gateway daemon. It terminates the encrypted
// device protocol, keeps the device registry and serves commands pushed
// down from the backend.
package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/sparkgate/sparkgate/api"
	"github.com/sparkgate/sparkgate/common"
	"github.com/sparkgate/sparkgate/crypto"
	"github.com/sparkgate/sparkgate/devdb"
	"github.com/sparkgate/sparkgate/event"
	"github.com/sparkgate/sparkgate/firmware"
	"github.com/sparkgate/sparkgate/gateway"
)

const version = "1.1.0"

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	dataDirFlag = &cli.PathFlag{
		Name:  "datadir",
		Usage: "Data directory for the device database and server key",
		Value: defaultDataDir(),
	}
	keyFileFlag = &cli.StringFlag{
		Name:  "key",
		Usage: "PEM file holding the server's RSA private key",
	}
	listenAddrFlag = &cli.StringFlag{
		Name:  "listen",
		Usage: "TCP listen address for device connections",
		Value: gateway.DefaultConfig.ListenAddr,
	}
	firmwareDirFlag = &cli.StringFlag{
		Name:  "firmware",
		Usage: "Directory holding firmware images (<app>_<env>.bin)",
	}
	environmentFlag = &cli.StringFlag{
		Name:  "env",
		Usage: "Firmware environment tag",
		Value: gateway.DefaultConfig.Environment,
	}
	verbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "Logging level: trace, debug, info, warn or error",
		Value: "info",
	}
	logJSONFlag = &cli.BoolFlag{
		Name:  "log.json",
		Usage: "Format logs as JSON",
	}
	logAPIFlag = &cli.BoolFlag{
		Name:  "log.api",
		Usage: "Log every backend command",
	}
	logDevicesFlag = &cli.BoolFlag{
		Name:  "log.devices",
		Usage: "Trace every frame on the device wire",
	}
	eventsRateFlag = &cli.Float64Flag{
		Name:  "events.rate",
		Usage: "Global cap on published events per second (0 = unlimited)",
	}
	eventsBurstFlag = &cli.IntFlag{
		Name:  "events.burst",
		Usage: "Burst allowance for the event rate limit",
	}
	bridgeHostFlag = &cli.StringFlag{
		Name:  "bridge",
		Usage: "Backend websocket endpoint (empty runs the gateway standalone)",
	}
	bridgeNameFlag = &cli.StringFlag{
		Name:  "bridge.name",
		Usage: "Gateway name announced to the backend",
	}
	bridgeSecretFlag = &cli.StringFlag{
		Name:  "bridge.secret",
		Usage: "Shared secret for the backend login",
	}
	metricsFlag = &cli.BoolFlag{
		Name:  "metrics",
		Usage: "Enable the Prometheus metrics server",
	}
	metricsAddrFlag = &cli.StringFlag{
		Name:  "metrics.addr",
		Usage: "Metrics server listen address",
		Value: "127.0.0.1:9110",
	}

	// Provisioning flags.
	ownerFlag = &cli.StringFlag{
		Name:  "owner",
		Usage: "Account the device belongs to",
	}
	deviceNameFlag = &cli.StringFlag{
		Name:  "name",
		Usage: "Human readable device name",
	}
	productFlag = &cli.UintFlag{
		Name:  "product",
		Usage: "Product id to record for the device",
	}
)

var daemonFlags = []cli.Flag{
	configFileFlag,
	dataDirFlag,
	keyFileFlag,
	listenAddrFlag,
	firmwareDirFlag,
	environmentFlag,
	verbosityFlag,
	logJSONFlag,
	logAPIFlag,
	logDevicesFlag,
	eventsRateFlag,
	eventsBurstFlag,
	bridgeHostFlag,
	bridgeNameFlag,
	bridgeSecretFlag,
	metricsFlag,
	metricsAddrFlag,
}

var (
	genkeyCommand = &cli.Command{
		Action:    genkey,
		Name:      "genkey",
		Usage:     "Generate a new server RSA key",
		ArgsUsage: "<keyfile>",
		Description: `Generates an RSA-1024 key, saves it to <keyfile> in PEM form and prints
the public half. Devices need the public key baked into their firmware
to reach this gateway.`,
	}
	provisionCommand = &cli.Command{
		Action:    provision,
		Name:      "provision",
		Usage:     "Register a device public key",
		ArgsUsage: "<device-id> <pubkey.pem>",
		Flags:     []cli.Flag{configFileFlag, dataDirFlag, ownerFlag, deviceNameFlag, productFlag},
		Description: `Stores the device's RSA public key so the device can handshake with
the gateway. The id is the 24 hex character device id.`,
	}
	devicesCommand = &cli.Command{
		Action: listDevices,
		Name:   "devices",
		Usage:  "List provisioned devices",
		Flags:  []cli.Flag{configFileFlag, dataDirFlag},
	}
	dumpConfigCommand = &cli.Command{
		Action:      dumpConfig,
		Name:        "dumpconfig",
		Usage:       "Show configuration values",
		Flags:       daemonFlags,
		Description: "The dumpconfig command shows configuration values in TOML format.",
	}
)

var app = cli.NewApp()

func init() {
	app.Name = "sparkgated"
	app.Usage = "the sparkgate device gateway daemon"
	app.Version = version
	app.Copyright = "Copyright 2023 The sparkgate Authors"
	app.Action = runGateway
	app.Flags = daemonFlags
	app.Commands = []*cli.Command{
		genkeyCommand,
		provisionCommand,
		devicesCommand,
		dumpConfigCommand,
	}
	sort.Sort(cli.CommandsByName(app.Commands))
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runGateway is the main entry point into the system if no special
// subcommand is run. It wires the stores, broker, bridge and server
// together and blocks until the process is interrupted.
func runGateway(ctx *cli.Context) error {
	if args := ctx.Args(); args.Len() > 0 {
		return fmt.Errorf("invalid command: %q", args.First())
	}
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	log := setupLogging(&cfg)

	if err := os.MkdirAll(cfg.Node.DataDir, 0700); err != nil {
		return err
	}
	key, err := loadOrCreateKey(cfg.serverKeyFile(), log)
	if err != nil {
		return err
	}
	cfg.Gateway.Key = key

	store, err := devdb.Open(cfg.deviceDBDir())
	if err != nil {
		return err
	}
	defer store.Close()
	cfg.Gateway.Store = store

	if cfg.Node.FirmwareDir != "" {
		fw, err := firmware.NewStore(cfg.Node.FirmwareDir, cfg.Gateway.Environment, cfg.Node.FirmwareCacheSize)
		if err != nil {
			return err
		}
		cfg.Gateway.Firmware = fw
	}

	broker := event.NewBroker(cfg.Broker.EventsPerSec, cfg.Broker.Burst)
	defer broker.Stop()
	cfg.Gateway.Broker = broker
	cfg.Gateway.Log = log

	// The server and the bridge reference each other: commands flow down
	// into HandleCommand, telemetry flows up through the api.Client. The
	// handler indirection breaks the construction cycle; no command
	// arrives before Start.
	var srv *gateway.Server
	var bridge *api.Bridge
	if cfg.Bridge.Host != "" {
		bridge = api.NewBridge(cfg.Bridge.Host, cfg.Bridge.Name, cfg.Bridge.Secret,
			api.HandlerFunc(func(cmd api.Command) (interface{}, error) {
				return srv.HandleCommand(cmd)
			}),
			func() int { return srv.Count() },
			log.WithField("module", "bridge"))
		cfg.Gateway.API = bridge
	}

	srv, err = gateway.NewServer(cfg.Gateway)
	if err != nil {
		return err
	}
	if bridge != nil {
		bridge.Start()
		defer bridge.Close()
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.Metrics.Addr, log)
		})
	}
	return g.Wait()
}

func genkey(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return errors.New("usage: genkey <keyfile>")
	}
	file := ctx.Args().First()
	if _, err := os.Stat(file); err == nil {
		return fmt.Errorf("%s already exists", file)
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	if err := crypto.SavePrivateKey(file, key); err != nil {
		return err
	}
	pub, err := crypto.EncodePublicKeyPEM(&key.PublicKey)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(pub)
	return err
}

func provision(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return errors.New("usage: provision <device-id> <pubkey.pem>")
	}
	id, err := common.HexToDeviceID(ctx.Args().Get(0))
	if err != nil {
		return err
	}
	pemData, err := os.ReadFile(ctx.Args().Get(1))
	if err != nil {
		return err
	}
	pub, err := crypto.DecodePublicKeyPEM(pemData)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	store, err := devdb.Open(cfg.deviceDBDir())
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SetDevicePublicKey(id, pub); err != nil {
		return err
	}
	attrs := map[string]string{
		devdb.AttrOwner: ctx.String(ownerFlag.Name),
		devdb.AttrName:  ctx.String(deviceNameFlag.Name),
	}
	if ctx.IsSet(productFlag.Name) {
		attrs[devdb.AttrProductID] = fmt.Sprint(ctx.Uint(productFlag.Name))
	}
	for key, value := range attrs {
		if value == "" {
			continue
		}
		if _, err := store.SetAttribute(id, key, value); err != nil {
			return err
		}
	}
	fmt.Printf("provisioned %s\n", id)
	return nil
}

func listDevices(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	store, err := devdb.Open(cfg.deviceDBDir())
	if err != nil {
		return err
	}
	defer store.Close()

	devices, err := store.List()
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Device", "Name", "Owner", "Product", "Version"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, d := range devices {
		table.Append([]string{
			d.DeviceID.Hex(), d.Name, d.Get(devdb.AttrOwner),
			d.Get(devdb.AttrProductID), d.SystemVersion,
		})
	}
	table.Render()
	return nil
}

func logLevel(name string) (logrus.Level, error) {
	level, err := logrus.ParseLevel(name)
	if err != nil {
		return 0, fmt.Errorf("invalid verbosity %q", name)
	}
	return level, nil
}

func setupLogging(cfg *sparkgatedConfig) *logrus.Entry {
	level, _ := logLevel(cfg.Node.Verbosity) // validated by loadConfig
	logrus.SetLevel(level)
	if cfg.Node.LogJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// loadOrCreateKey loads the server key, generating and saving a fresh one
// on the first start.
func loadOrCreateKey(path string, log *logrus.Entry) (*rsa.PrivateKey, error) {
	key, err := crypto.LoadPrivateKey(path)
	if err == nil {
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	log.WithField("path", path).Warn("no server key found, generating one")
	key, err = crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := crypto.SavePrivateKey(path, key); err != nil {
		return nil, err
	}
	return key, nil
}

func serveMetrics(ctx context.Context, addr string, log *logrus.Entry) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	log.WithField("addr", ln.Addr()).Info("metrics server listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
