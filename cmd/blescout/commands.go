package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/chaz8081/blescout/internal/ble"
	"github.com/chaz8081/blescout/internal/bluez"
	"github.com/chaz8081/blescout/internal/config"
	"github.com/chaz8081/blescout/internal/report"
)

// newOrchestrator builds the radio described by cfg.Adapter. The returned
// func releases it.
func newOrchestrator() (*ble.Orchestrator, func(), error) {
	var opts []ble.TinyGoOption
	var client *bluez.Client
	if cfg.Adapter.UseBlueZ {
		var err error
		client, err = bluez.Dial(cfg.Adapter.BlueZAdapter)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, ble.WithPowerControl(client), ble.WithFlagSource(client))
	} else if runtime.GOOS == "linux" {
		slog.Warn("[BLE] adapter.use_bluez is off; power state is not readable and reads as off until the driver comes up")
	}

	o := ble.New(ble.NewTinyGoRadio(opts...), nil)
	return o, func() {
		o.Close()
		if client != nil {
			_ = client.Close()
		}
	}, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func cmdInit(c *cli.Context) error {
	path, err := config.WriteDefault()
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		return nil
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

func cmdState(c *cli.Context) error {
	o, release, err := newOrchestrator()
	if err != nil {
		return err
	}
	defer release()

	fmt.Println(o.Gate.State())
	return nil
}

func cmdPowerOn(c *cli.Context) error {
	o, release, err := newOrchestrator()
	if err != nil {
		return err
	}
	defer release()

	if err := o.Gate.RequestPowerOn(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("wait"))
	defer cancel()
	if err := o.Gate.WaitPoweredOn(ctx, 250*time.Millisecond); err != nil {
		return err
	}
	fmt.Println(o.Gate.State())
	return nil
}

func cmdScan(c *cli.Context) error {
	opts, err := scanOptions(overrideScan(c, cfg.Scan))
	if err != nil {
		return err
	}
	o, release, err := newOrchestrator()
	if err != nil {
		return err
	}
	defer release()

	asJSON := c.GlobalBool("json")
	var results []ble.Sighting
	cb := ble.ScanCallbacks{
		Started: func(ok bool) {
			if ok {
				slog.Info("[BLE] scanning", "timeout", opts.Timeout)
			}
		},
		Sighting: func(s ble.Sighting) {
			if !asJSON {
				fmt.Println(s)
			}
		},
		Finished: func(all []ble.Sighting) { results = all },
	}

	s, err := o.Scanner.Start(opts, cb)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()
	select {
	case <-ctx.Done():
		s.Stop()
		<-s.Done()
	case <-s.Done():
	}
	if err := s.Err(); err != nil {
		return err
	}

	if asJSON {
		list, err := report.Sightings(results)
		if err != nil {
			return err
		}
		b, err := report.JSON(list, true)
		if err != nil {
			return err
		}
		fmt.Println(string(b))
		return nil
	}
	fmt.Printf("\n%d sightings\n", len(results))
	return report.WriteSightings(os.Stdout, uniqueLatest(results))
}

func cmdExplore(c *cli.Context) error {
	scanOpts, err := scanOptions(overrideScan(c, cfg.Scan))
	if err != nil {
		return err
	}
	connCfg := connectConfig(overrideConnect(c, cfg.Connect))

	o, release, err := newOrchestrator()
	if err != nil {
		return err
	}
	defer release()

	ctx, stop := signalContext()
	defer stop()

	dropped := make(chan struct{}, 1)
	lost := func() {
		select {
		case dropped <- struct{}{}:
		default:
		}
	}
	exp, err := o.Explore(ctx, ble.ExploreOptions{
		Scan:             scanOpts,
		Connect:          connCfg,
		ConnectCallbacks: holdCallbacks(o.Conns.State, lost),
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Println("(Canceled)")
			return nil
		}
		return err
	}
	defer func() { _ = exp.Conn.Disconnect() }()

	if err := printTree(c.GlobalBool("json"), exp.Device.ID, exp.Services); err != nil {
		return err
	}

	if hold := c.Duration("hold"); hold > 0 {
		slog.Info("[BLE] holding connection", "id", exp.Device.ID, "for", hold)
		select {
		case <-ctx.Done():
		case <-time.After(hold):
		case <-dropped:
			return fmt.Errorf("lost %s", exp.Device.ID)
		}
	}
	return nil
}

// holdCallbacks logs connection events and calls lost once the device is
// gone for good: a terminal ConnectFail, or a drop that left the connection
// Idle because no reconnect budget remained.
func holdCallbacks(state func(id string) ble.State, lost func()) ble.ConnectCallbacks {
	return ble.ConnectCallbacks{
		StartConnect: func(id string) { slog.Info("[BLE] connect started", "id", id) },
		ConnectFail: func(id string, err error) {
			slog.Warn("[BLE] connect failed", "id", id, "error", err)
			lost()
		},
		Disconnected: func(id string, byCaller bool, err error) {
			if byCaller {
				return
			}
			slog.Warn("[BLE] device dropped", "id", id, "error", err)
			if state(id) == ble.StateIdle {
				lost()
			}
		},
	}
}

func printTree(asJSON bool, id string, tree ble.ServiceTree) error {
	if !asJSON {
		return report.WriteTree(os.Stdout, id, tree)
	}
	st, err := report.Tree(id, tree)
	if err != nil {
		return err
	}
	b, err := report.JSON(st, true)
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

// uniqueLatest keeps the last sighting of each device, ordered by first
// appearance.
func uniqueLatest(all []ble.Sighting) []ble.Sighting {
	index := make(map[string]int)
	var out []ble.Sighting
	for _, s := range all {
		if i, ok := index[s.ID]; ok {
			out[i] = s
			continue
		}
		index[s.ID] = len(out)
		out = append(out, s)
	}
	return out
}
