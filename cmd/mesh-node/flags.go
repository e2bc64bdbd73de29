package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/backkem/mesh/pkg/bearer"
	"github.com/backkem/mesh/pkg/crypto"
	"github.com/backkem/mesh/pkg/message"
	"github.com/pion/logging"
)

// Options holds the CLI flags of mesh-node.
type Options struct {
	// Listen is the UDP address of the bearer.
	Listen string

	// Peers are static bearer peers ("host:port").
	Peers []string

	// Discover enables DNS-SD advertising and browsing.
	Discover bool

	// Instance is the DNS-SD instance name.
	Instance string

	// Provisioning data.
	NetIndex uint16
	NetKey   []byte
	Address  message.Address
	IVIndex  uint32

	// Feature states.
	Relay bool
	Proxy bool

	// Hour is the IV update timer period; shorten it for testing.
	Hour time.Duration

	// Dst and SendInterval configure a periodic test message.
	Dst          message.Address
	SendInterval time.Duration

	LogLevel logging.LogLevel
}

// sampleNetKey is the network key of the Mesh Profile sample data.
const sampleNetKey = "7dd7364cd842ad18c17c2b820c84c3d6"

// DefaultOptions returns Options with defaults for a local test network.
func DefaultOptions() Options {
	key, _ := hex.DecodeString(sampleNetKey)
	return Options{
		Listen:   fmt.Sprintf(":%d", bearer.DefaultPort),
		Instance: hostInstance(),
		NetKey:   key,
		Address:  0x0001,
		Hour:     time.Hour,
		LogLevel: logging.LogLevelInfo,
	}
}

func hostInstance() string {
	host, err := os.Hostname()
	if err != nil {
		return "mesh-node"
	}
	return "mesh-" + host
}

var logLevels = map[string]logging.LogLevel{
	"disabled": logging.LogLevelDisabled,
	"error":    logging.LogLevelError,
	"warn":     logging.LogLevelWarn,
	"info":     logging.LogLevelInfo,
	"debug":    logging.LogLevelDebug,
	"trace":    logging.LogLevelTrace,
}

func parseHex16(s string) (uint16, error) {
	var v uint16
	if _, err := fmt.Sscanf(s, "0x%x", &v); err == nil {
		return v, nil
	}
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return 0, err
	}
	return v, nil
}

// ParseFlags parses the CLI flags and returns Options.
//
//	-listen    UDP listen address (default: :4140)
//	-peers     Comma separated static peers
//	-discover  Advertise and browse peers with DNS-SD
//	-instance  DNS-SD instance name (default: mesh-<hostname>)
//	-netindex  Net key index (default: 0)
//	-netkey    Network key in hex (default: sample data key)
//	-addr      Primary element address (default: 0x0001)
//	-iv        IV index (default: 0)
//	-relay     Enable the relay feature
//	-proxy     Enable the GATT proxy feature
//	-hour      IV update timer period (default: 1h)
//	-dst       Destination of periodic test messages
//	-interval  Period of test messages (default: off)
//	-log       Log level (default: info)
func ParseFlags() (Options, error) {
	defaults := DefaultOptions()
	o := defaults

	flag.StringVar(&o.Listen, "listen", defaults.Listen, "UDP listen address")
	flag.Func("peers", "Comma separated static peers (host:port)", func(s string) error {
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				o.Peers = append(o.Peers, p)
			}
		}
		return nil
	})
	flag.BoolVar(&o.Discover, "discover", false, "Advertise and browse peers with DNS-SD")
	flag.StringVar(&o.Instance, "instance", defaults.Instance, "DNS-SD instance name")
	flag.Func("netindex", "Net key index (default: 0)", func(s string) error {
		v, err := parseHex16(s)
		if err != nil {
			return err
		}
		if v > 0xFFF {
			return fmt.Errorf("net key index must be 0-0xfff, got 0x%x", v)
		}
		o.NetIndex = v
		return nil
	})
	flag.Func("netkey", "Network key in hex (default: sample data key)", func(s string) error {
		key, err := hex.DecodeString(s)
		if err != nil {
			return err
		}
		if len(key) != crypto.KeySize {
			return fmt.Errorf("network key must be %d bytes, got %d", crypto.KeySize, len(key))
		}
		o.NetKey = key
		return nil
	})
	flag.Func("addr", fmt.Sprintf("Primary element address (default: %s)", defaults.Address), func(s string) error {
		v, err := parseHex16(s)
		if err != nil {
			return err
		}
		if !message.Address(v).IsUnicast() {
			return fmt.Errorf("address must be unicast, got 0x%04x", v)
		}
		o.Address = message.Address(v)
		return nil
	})
	flag.Func("iv", "IV index (default: 0)", func(s string) error {
		_, err := fmt.Sscanf(s, "%d", &o.IVIndex)
		return err
	})
	flag.BoolVar(&o.Relay, "relay", false, "Enable the relay feature")
	flag.BoolVar(&o.Proxy, "proxy", false, "Enable the GATT proxy feature")
	flag.DurationVar(&o.Hour, "hour", defaults.Hour, "IV update timer period")
	flag.Func("dst", "Destination of periodic test messages", func(s string) error {
		v, err := parseHex16(s)
		if err != nil {
			return err
		}
		o.Dst = message.Address(v)
		return nil
	})
	flag.DurationVar(&o.SendInterval, "interval", 0, "Period of test messages (0 = off)")
	flag.Func("log", "Log level: disabled, error, warn, info, debug, trace (default: info)", func(s string) error {
		level, ok := logLevels[strings.ToLower(s)]
		if !ok {
			return fmt.Errorf("unknown log level %q", s)
		}
		o.LogLevel = level
		return nil
	})

	flag.Parse()

	if o.SendInterval > 0 && o.Dst.IsUnassigned() {
		return o, fmt.Errorf("-interval requires -dst")
	}
	if o.Hour <= 0 {
		return o, fmt.Errorf("-hour must be positive")
	}
	return o, nil
}

// PrintUsage prints usage information to stderr.
func PrintUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
}
