package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-can-common/internal/can"
	"github.com/kstaniek/go-can-common/internal/filter"
)

const envPrefix = "CAN_GATEWAY_"

type appConfig struct {
	backend         string
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	canIf           string
	bitrate         uint
	fdBitrate       uint
	watches         []string
	logFrames       bool
	echoSent        bool
	listenAddr      string
	logFormat       string
	logLevel        string
	metricsAddr     string
	hubBuffer       int
	hubPolicy       string
	logMetricsEvery time.Duration
	maxClients      int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	mdnsEnable      bool
	mdnsName        string
}

// watchList collects repeated -watch flags.
type watchList []string

func (w *watchList) String() string { return strings.Join(*w, ",") }

func (w *watchList) Set(v string) error {
	*w = append(*w, v)
	return nil
}

// parseFlags reads args into a config, applies CAN_GATEWAY_* environment
// overrides for flags not given explicitly and validates the result.
func parseFlags(args []string, stderr io.Writer) (*appConfig, bool, error) {
	fs := flag.NewFlagSet("can-gateway", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg := &appConfig{}
	var watches watchList
	fs.StringVar(&cfg.backend, "backend", "socketcan", "CAN backend: sim|serial|socketcan")
	fs.StringVar(&cfg.serialDev, "serial", "/dev/ttyUSB0", "Serial device path")
	fs.IntVar(&cfg.baud, "baud", 115200, "Serial baud rate")
	fs.DurationVar(&cfg.serialReadTO, "serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	fs.StringVar(&cfg.canIf, "can-if", "can0", "SocketCAN interface (when -backend=socketcan)")
	fs.UintVar(&cfg.bitrate, "bitrate", uint(can.DefaultBaud), "CAN nominal bit rate")
	fs.UintVar(&cfg.fdBitrate, "fd-bitrate", 0, "CAN FD data bit rate; 0 runs classic CAN")
	fs.Var(&watches, "watch", "Acceptance filter: all | ID | ID/MASK | LO-HI (repeatable; default all)")
	fs.BoolVar(&cfg.logFrames, "log-frames", false, "Log every received and sent frame")
	fs.BoolVar(&cfg.echoSent, "echo-sent", false, "Forward frames sent by TCP clients to all clients")
	fs.StringVar(&cfg.listenAddr, "listen", ":20000", "TCP listen address")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.IntVar(&cfg.hubBuffer, "hub-buffer", 512, "Per-client hub buffer (frames)")
	fs.StringVar(&cfg.hubPolicy, "hub-policy", "drop", "Backpressure policy: drop|kick")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters")
	fs.IntVar(&cfg.maxClients, "max-clients", 0, "Maximum simultaneous TCP clients (0 = unlimited)")
	fs.DurationVar(&cfg.handshakeTO, "handshake-timeout", 3*time.Second, "Client handshake timeout")
	fs.DurationVar(&cfg.clientReadTO, "client-read-timeout", 60*time.Second, "Per-connection read deadline")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Enable mDNS advertisement")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default can-gateway-<hostname>)")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if *showVersion {
		return nil, true, nil
	}
	cfg.watches = watches

	set := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = struct{}{} })
	if err := applyEnvOverrides(cfg, set); err != nil {
		return nil, false, fmt.Errorf("environment override: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, false, fmt.Errorf("configuration: %w", err)
	}
	return cfg, false, nil
}

// validate checks values and ranges only; it opens nothing.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case "sim", "serial", "socketcan":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.bitrate == 0 || c.bitrate > 1_000_000 {
		return fmt.Errorf("bitrate must be in 1..1000000 (got %d)", c.bitrate)
	}
	if c.fdBitrate != 0 && c.fdBitrate < c.bitrate {
		return fmt.Errorf("fd-bitrate %d below bitrate %d", c.fdBitrate, c.bitrate)
	}
	if c.fdBitrate != 0 && c.backend == "serial" {
		return errors.New("fd-bitrate: serial backend is classic CAN only")
	}
	for _, w := range c.watches {
		if _, err := filter.Parse(w); err != nil {
			return fmt.Errorf("watch %q: %w", w, err)
		}
	}
	if c.serialReadTO <= 0 {
		return errors.New("serial-read-timeout must be > 0")
	}
	if c.handshakeTO <= 0 {
		return errors.New("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return errors.New("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return errors.New("max-clients must be >= 0")
	}
	return nil
}

// envSource applies one environment variable per flag unless the flag was
// set explicitly. The first parse error is kept.
type envSource struct {
	set map[string]struct{}
	err error
}

func (e *envSource) lookup(flagName, key string) (string, bool) {
	if _, ok := e.set[flagName]; ok {
		return "", false
	}
	v, ok := os.LookupEnv(envPrefix + key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envSource) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
	}
}

func (e *envSource) setStr(dst *string, flagName, key string) {
	if v, ok := e.lookup(flagName, key); ok {
		*dst = v
	}
}

func (e *envSource) setInt(dst *int, flagName, key string, floor int) {
	v, ok := e.lookup(flagName, key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	if n >= floor {
		*dst = n
	}
}

func (e *envSource) setUint(dst *uint, flagName, key string) {
	v, ok := e.lookup(flagName, key)
	if !ok {
		return
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = uint(n)
}

func (e *envSource) setDuration(dst *time.Duration, flagName, key string) {
	v, ok := e.lookup(flagName, key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	if d >= 0 {
		*dst = d
	}
}

func (e *envSource) setBool(dst *bool, flagName, key string) {
	v, ok := e.lookup(flagName, key)
	if !ok {
		return
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	}
}

// applyEnvOverrides maps CAN_GATEWAY_* variables onto c. Flags given on the
// command line win; empty values are ignored.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	e := &envSource{set: set}
	e.setStr(&c.backend, "backend", "BACKEND")
	e.setStr(&c.serialDev, "serial", "SERIAL")
	e.setInt(&c.baud, "baud", "BAUD", 1)
	e.setDuration(&c.serialReadTO, "serial-read-timeout", "SERIAL_READ_TIMEOUT")
	e.setStr(&c.canIf, "can-if", "IF")
	e.setUint(&c.bitrate, "bitrate", "BITRATE")
	e.setUint(&c.fdBitrate, "fd-bitrate", "FD_BITRATE")
	if v, ok := e.lookup("watch", "WATCH"); ok {
		c.watches = strings.Split(v, ",")
	}
	e.setBool(&c.logFrames, "log-frames", "LOG_FRAMES")
	e.setBool(&c.echoSent, "echo-sent", "ECHO_SENT")
	e.setStr(&c.listenAddr, "listen", "LISTEN")
	e.setStr(&c.logFormat, "log-format", "LOG_FORMAT")
	e.setStr(&c.logLevel, "log-level", "LOG_LEVEL")
	if _, ok := set["metrics-addr"]; !ok {
		// empty is meaningful here: it disables the endpoint
		if v, ok := os.LookupEnv(envPrefix + "METRICS"); ok {
			c.metricsAddr = strings.TrimSpace(v)
		}
	}
	e.setInt(&c.hubBuffer, "hub-buffer", "HUB_BUFFER", 1)
	e.setStr(&c.hubPolicy, "hub-policy", "HUB_POLICY")
	e.setDuration(&c.logMetricsEvery, "log-metrics-interval", "LOG_METRICS_INTERVAL")
	e.setInt(&c.maxClients, "max-clients", "MAX_CLIENTS", 0)
	e.setDuration(&c.handshakeTO, "handshake-timeout", "HANDSHAKE_TIMEOUT")
	e.setDuration(&c.clientReadTO, "client-read-timeout", "CLIENT_READ_TIMEOUT")
	e.setBool(&c.mdnsEnable, "mdns-enable", "MDNS_ENABLE")
	e.setStr(&c.mdnsName, "mdns-name", "MDNS_NAME")
	return e.err
}
