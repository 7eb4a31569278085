package roomdir

import (
	"encoding/base64"
	"fmt"
	"strings"

	"citadel.example/server/config"
	"citadel.example/server/core"
)

// NetConfig is the parsed, line-oriented per-room network configuration
// blob (spec 4.5). Parsing is permissive: recognized line kinds are
// pulled into typed slices, and every other line (including ones this
// version doesn't know about) is preserved verbatim in Unknown so a
// round-trip never drops data.
type NetConfig struct {
	ListRecp     []string // listrecp|address
	RSSClients   []RSSClient
	POP3Clients  []POP3Client
	Unknown      []string
}

type RSSClient struct {
	URL string
}

type POP3Client struct {
	Host     string
	User     string
	Pass     string
	Keep     bool
	Interval int
}

func netconfigKey(roomNum int64) string {
	return fmt.Sprintf("c_netconfig_%d", roomNum)
}

// LoadNetConfig reads and decodes roomNum's netconfig blob from Config.
// A missing key returns an empty NetConfig, not an error.
func LoadNetConfig(cfg *config.Store, roomNum int64) (*NetConfig, error) {
	encoded := cfg.GetStr(netconfigKey(roomNum))
	if encoded == "" {
		return &NetConfig{}, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &core.UserError{UserMsg: "netconfig for room is corrupt", Err: err}
	}
	return parseNetConfig(string(raw)), nil
}

// SaveNetConfig base64-encodes and writes nc back to roomNum's Config key.
func SaveNetConfig(cfg *config.Store, roomNum int64, nc *NetConfig) error {
	raw := renderNetConfig(nc)
	return cfg.PutStr(netconfigKey(roomNum), base64.StdEncoding.EncodeToString([]byte(raw)))
}

func parseNetConfig(blob string) *NetConfig {
	nc := &NetConfig{}
	for _, line := range strings.Split(blob, "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		switch fields[0] {
		case "listrecp":
			if len(fields) >= 2 {
				nc.ListRecp = append(nc.ListRecp, fields[1])
				continue
			}
		case "rssclient":
			if len(fields) >= 2 {
				nc.RSSClients = append(nc.RSSClients, RSSClient{URL: fields[1]})
				continue
			}
		case "pop3client":
			if len(fields) >= 6 {
				keep := fields[4] == "1"
				interval := 0
				fmt.Sscanf(fields[5], "%d", &interval)
				nc.POP3Clients = append(nc.POP3Clients, POP3Client{
					Host: fields[1], User: fields[2], Pass: fields[3], Keep: keep, Interval: interval,
				})
				continue
			}
		}
		nc.Unknown = append(nc.Unknown, line)
	}
	return nc
}

func renderNetConfig(nc *NetConfig) string {
	var b strings.Builder
	for _, r := range nc.ListRecp {
		fmt.Fprintf(&b, "listrecp|%s\n", r)
	}
	for _, r := range nc.RSSClients {
		fmt.Fprintf(&b, "rssclient|%s\n", r.URL)
	}
	for _, p := range nc.POP3Clients {
		keep := "0"
		if p.Keep {
			keep = "1"
		}
		fmt.Fprintf(&b, "pop3client|%s|%s|%s|%s|%d\n", p.Host, p.User, p.Pass, keep, p.Interval)
	}
	for _, line := range nc.Unknown {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
