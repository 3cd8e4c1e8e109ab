package main

import (
	"fmt"
	"time"

	"github.com/chaz8081/blescout/internal/adv"
	"github.com/chaz8081/blescout/internal/ble"
	"github.com/chaz8081/blescout/internal/config"
)

// flagSource is the subset of *cli.Context the option builders read.
type flagSource interface {
	IsSet(name string) bool
	Duration(name string) time.Duration
	StringSlice(name string) []string
	Bool(name string) bool
	Int(name string) int
}

// overrideScan applies command-line filter flags on top of the config.
func overrideScan(f flagSource, sc config.ScanConfig) config.ScanConfig {
	if f.IsSet("duration") {
		sc.Timeout = f.Duration("duration")
	}
	if names := f.StringSlice("name"); len(names) > 0 {
		sc.Names = names
	}
	if f.Bool("fuzzy") {
		sc.FuzzyName = true
	}
	if addrs := f.StringSlice("addr"); len(addrs) > 0 {
		sc.MACs = addrs
	}
	if svcs := f.StringSlice("svc"); len(svcs) > 0 {
		sc.ServiceUUIDs = svcs
	}
	if f.Bool("unique") {
		sc.UniqueDevices = true
	}
	return sc
}

// overrideConnect applies command-line connect flags on top of the config.
func overrideConnect(f flagSource, cc config.ConnectConfig) config.ConnectConfig {
	if f.IsSet("tmo") {
		cc.Timeout = f.Duration("tmo")
	}
	if n := f.Int("reconnect"); n >= 0 {
		cc.ReconnectAttempts = n
	}
	if f.Bool("auto") {
		cc.AutoConnect = true
	}
	return cc
}

func scanOptions(sc config.ScanConfig) (ble.ScanOptions, error) {
	uuids, err := adv.ParseUUIDs(sc.ServiceUUIDs)
	if err != nil {
		return ble.ScanOptions{}, fmt.Errorf("scan.service_uuids: %w", err)
	}
	return ble.ScanOptions{
		Filter: ble.ScanFilter{
			ServiceUUIDs: uuids,
			Names:        sc.Names,
			FuzzyName:    sc.FuzzyName,
			MACs:         sc.MACs,
		},
		Timeout:       sc.Timeout,
		UniqueDevices: sc.UniqueDevices,
	}, nil
}

func connectConfig(cc config.ConnectConfig) ble.ConnectConfig {
	return ble.ConnectConfig{
		AutoConnect:       cc.AutoConnect,
		ConnectTimeout:    cc.Timeout,
		ReconnectAttempts: cc.ReconnectAttempts,
		ReconnectInterval: cc.ReconnectInterval,
		OpTimeout:         cc.OpTimeout,
	}
}
