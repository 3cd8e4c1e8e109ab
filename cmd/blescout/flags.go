package main

import (
	"time"

	"github.com/urfave/cli"
)

var (
	flgWait     = cli.DurationFlag{Name: "wait, w", Value: 10 * time.Second, Usage: "How long to wait for the adapter"}
	flgDuration = cli.DurationFlag{Name: "duration, d", Usage: "Scan duration (default from config; 0 scans until interrupted)"}
	flgName     = cli.StringSliceFlag{Name: "name, n", Usage: "Advertised name to match (repeatable)"}
	flgFuzzy    = cli.BoolFlag{Name: "fuzzy", Usage: "Match names as substrings"}
	flgAddr     = cli.StringSliceFlag{Name: "addr, a", Usage: "Device address to match (repeatable)"}
	flgSvc      = cli.StringSliceFlag{Name: "svc, s", Usage: "Service UUID to match, 16-bit or full (repeatable)"}
	flgUnique   = cli.BoolFlag{Name: "unique, u", Usage: "Report each device once"}

	flgConnectTimeout = cli.DurationFlag{Name: "tmo, t", Usage: "Connect timeout (default from config)"}
	flgReconnect      = cli.IntFlag{Name: "reconnect, r", Value: -1, Usage: "Reconnect attempts after a drop (default from config)"}
	flgAutoConnect    = cli.BoolFlag{Name: "auto", Usage: "Let the platform connect when the device shows up"}
	flgHold           = cli.DurationFlag{Name: "hold", Usage: "Keep the connection open this long and report drops"}
)

func scanFlags() []cli.Flag {
	return []cli.Flag{flgDuration, flgName, flgFuzzy, flgAddr, flgSvc, flgUnique}
}
