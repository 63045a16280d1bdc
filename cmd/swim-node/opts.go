package main

import (
	"strings"
	"time"
)

var opts struct {
	Node struct {
		ID      uint32 `long:"id" env:"ID" required:"true" description:"unique node id"`
		DataDir string `long:"data-dir" env:"DATA_DIR" description:"directory to persist the incarnation number (in-memory if empty)"`
	} `group:"node" namespace:"node" env-namespace:"NODE"`

	Transport struct {
		Kind          string `long:"kind" env:"KIND" default:"udp" choice:"udp" choice:"grpc" description:"transport used for protocol messages"`
		BindAddr      string `long:"bind-addr" env:"BIND_ADDR" default:":7000" description:"address to receive protocol messages on"`
		AdvertiseAddr string `long:"advertise-addr" env:"ADVERTISE_ADDR" description:"address to advertise to other nodes (defaults to bind-addr)"`
	} `group:"transport" namespace:"transport" env-namespace:"TRANSPORT"`

	Directory struct {
		MembersFile string `long:"members-file" env:"MEMBERS_FILE" description:"toml file with the static list of members"`
		BindAddr    string `long:"memberlist-bind-addr" env:"MEMBERLIST_BIND_ADDR" default:"0.0.0.0:7946" description:"address to bind memberlist discovery to"`
		JoinAddrs   string `long:"join-addrs" env:"JOIN_ADDRS" description:"comma-separated list of memberlist addresses to join"`
	} `group:"directory" namespace:"directory" env-namespace:"DIRECTORY"`

	Protocol struct {
		Period          int    `long:"period" env:"PERIOD" default:"2000" description:"protocol period (ms)"`
		PingTimeout     int    `long:"ping-timeout" env:"PING_TIMEOUT" default:"800" description:"direct ping timeout (ms)"`
		SuspectTimeout  int    `long:"suspect-timeout" env:"SUSPECT_TIMEOUT" default:"-1" description:"time a member stays suspected before declared dead, -1 for three protocol periods (ms)"`
		SubgroupSize    int    `long:"subgroup-size" env:"SUBGROUP_SIZE" default:"2" description:"number of members asked to probe indirectly"`
		PiggybackLimit  int    `long:"piggyback-limit" env:"PIGGYBACK_LIMIT" default:"8" description:"max updates attached to a message"`
		PiggybackTxMax  uint32 `long:"piggyback-tx-max" env:"PIGGYBACK_TX_MAX" default:"50" description:"max times an update is transmitted"`
		TickInterval    int    `long:"tick-interval" env:"TICK_INTERVAL" default:"200" description:"interval between timer checks (ms)"`
		GlitchThreshold int    `long:"glitch-threshold" env:"GLITCH_THRESHOLD" default:"1000" description:"delay past a protocol period between ticks treated as a local stall, 0 to disable (ms)"`
		Lock            string `long:"lock" env:"LOCK" default:"mutex" choice:"mutex" choice:"yielding" description:"lock protecting the detector state"`
	} `group:"protocol" namespace:"protocol" env-namespace:"PROTOCOL"`

	Metrics struct {
		BindAddr string `long:"bind-addr" env:"BIND_ADDR" description:"address to expose prometheus metrics on (disabled if empty)"`
	} `group:"metrics" namespace:"metrics" env-namespace:"METRICS"`

	Verbose bool `long:"verbose" description:"verbose mode" env:"VERBOSE"`
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// suspectTimeout falls back to three protocol periods unless set explicitly.
// Zero is a valid setting that skips the suspect phase.
func suspectTimeout() time.Duration {
	if opts.Protocol.SuspectTimeout < 0 {
		return 3 * millis(opts.Protocol.Period)
	}

	return millis(opts.Protocol.SuspectTimeout)
}

func advertiseAddr() string {
	if opts.Transport.AdvertiseAddr != "" {
		return opts.Transport.AdvertiseAddr
	}

	return opts.Transport.BindAddr
}

func parseAddrs(addrs string) []string {
	sl := strings.Split(addrs, ",")
	res := make([]string, 0, len(sl))

	for _, addr := range sl {
		trimmed := strings.TrimSpace(addr)
		if trimmed != "" {
			res = append(res, trimmed)
		}
	}

	return res
}
