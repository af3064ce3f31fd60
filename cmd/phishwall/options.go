package main

import (
	"net"
	"strconv"
	"time"
)

// Options are the command-line options.
type Options struct {
	ConfigPath string `short:"c" long:"config" description:"Path to the YAML or TOML configuration file" default:"config.yml"`
	EnvFile    string `long:"env-file" description:"Path to a .env file with PHISHWALL_ overrides" default:".env"`
	Host       string `long:"host" description:"Address to listen on; detected from the outbound interface when empty"`
	Port       int    `short:"p" long:"port" description:"UDP port to listen on; overrides the configured port"`
	Version    bool   `long:"version" description:"Print the version and exit"`
}

// resolveListenAddress combines the configured listen address with the
// --host and --port overrides. When neither the flag nor the config names a
// host, detect supplies one.
func resolveListenAddress(configured, host string, port int, detect func() string) (string, error) {
	cfgHost, cfgPort, err := net.SplitHostPort(configured)
	if err != nil {
		return "", err
	}

	if host == "" {
		host = cfgHost
	}
	if host == "" {
		host = detect()
	}
	if port > 0 {
		cfgPort = strconv.Itoa(port)
	}

	return net.JoinHostPort(host, cfgPort), nil
}

// localIPTarget is the address dialed to find the outbound interface. UDP
// dial sends nothing.
const localIPTarget = "8.8.8.8:80"

// detectLocalIP returns the IP of the interface that routes to the internet,
// or 127.0.0.1 when there is none.
func detectLocalIP() string {
	conn, err := net.DialTimeout("udp", localIPTarget, time.Second)
	if err != nil {
		return "127.0.0.1"
	}
	defer func() { _ = conn.Close() }()

	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && addr.IP != nil && !addr.IP.IsUnspecified() {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
