// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/docopt/docopt-go"
	"go.uber.org/zap"

	"github.com/luxfi/bridge"
)

const BridgeCtlVersion = "0.1.0"

const usage = `Bridge control.

Calls the core through the same transports applications use. Settings come
from --config (TOML), then BRIDGE_URL, BRIDGE_PLATFORM, BRIDGE_LOG_LEVEL and
BRIDGE_TRACE, then flags.

Usage:
    bridgectl call [--config=<path>] [--url=<url>] [--platform=<name>]
        [--sync] [--timeout=<timeout>] <module> <function> [<arg>...]
    bridgectl status [--config=<path>] [--url=<url>]
    bridgectl platforms
    bridgectl trace <file>
    bridgectl -h | --help
    bridgectl --version

Options:
    -h --help             Show this screen.
    --version             Show version.
    --config=<path>       TOML config file.
    --url=<url>           Base URL of the core's HTTP layer.
    --platform=<name>     Skip detection and use this platform.
    --sync                Use the blocking call path.
    --timeout=<timeout>   Give up after this long [default: 30s].

Arguments parse as JSON when they are valid JSON and as strings otherwise.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], BridgeCtlVersion)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if call_, _ := opts.Bool("call"); call_ {
		err = call(opts)
	} else if status_, _ := opts.Bool("status"); status_ {
		err = status(opts)
	} else if platforms_, _ := opts.Bool("platforms"); platforms_ {
		err = platforms()
	} else if trace_, _ := opts.Bool("trace"); trace_ {
		err = printTrace(opts)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "bridgectl:", err)
		os.Exit(1)
	}
}

func loadConfig(opts docopt.Opts) (bridge.Config, error) {
	path, _ := opts.String("--config")
	cfg, err := bridge.LoadConfig(path)
	if err != nil {
		return bridge.Config{}, err
	}
	if u, err := opts.String("--url"); err == nil && u != "" {
		cfg.URL = u
	}
	if p, err := opts.String("--platform"); err == nil && p != "" {
		cfg.Platform = p
	}
	return cfg, cfg.Validate()
}

func call(opts docopt.Opts) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	module, err := parseByte(opts, "<module>")
	if err != nil {
		return err
	}
	function, err := parseByte(opts, "<function>")
	if err != nil {
		return err
	}
	raw, _ := opts["<arg>"].([]string)
	args := make([]any, len(raw))
	for i, a := range raw {
		args[i] = parseArg(a)
	}
	timeoutStr, _ := opts.String("--timeout")
	timeout, err := time.ParseDuration(timeoutStr)
	if err != nil {
		return fmt.Errorf("parse --timeout: %w", err)
	}
	useSync, _ := opts.Bool("--sync")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s, err := bridge.DialConfig(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	var res bridge.Result
	if useSync {
		if err := s.Wait(ctx); err != nil {
			return err
		}
		res, err = s.CallSync(module, function, args...)
	} else {
		res, err = s.Call(ctx, module, function, args...)
	}
	if err != nil {
		return err
	}

	if res.IsStream() {
		bridge.Logger().Debug("streaming", zap.Uint8("stream", res.Duplex.ID()))
		for chunk, err := range res.Duplex.Chunks(ctx) {
			if err != nil {
				return err
			}
			fmt.Printf("%x\n", chunk)
		}
		return nil
	}
	if !res.HasValue {
		return nil
	}
	return printJSON(res.Value)
}

func status(opts docopt.Opts) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	st, err := bridge.FetchStatus(ctx, cfg.URL)
	if err != nil {
		return err
	}
	return printJSON(st)
}

func platforms() error {
	for _, name := range bridge.AvailablePlatforms() {
		fmt.Println(name)
	}
	return nil
}

func printTrace(opts docopt.Opts) error {
	path, _ := opts.String("<file>")
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	records, err := bridge.ReadTrace(f)
	if err != nil {
		return err
	}
	for _, r := range records {
		line := fmt.Sprintf("%s %-8s session=%s ctx=%d", r.Time().Format(time.RFC3339Nano), r.Kind, r.Session, r.Context)
		switch r.Kind {
		case bridge.TraceChunk:
			line += fmt.Sprintf(" stream=%d", r.Stream)
		default:
			line += fmt.Sprintf(" id=%d call=%d.%d sync=%t", r.ID, r.Module, r.Function, r.Sync)
		}
		line += fmt.Sprintf(" bytes=%d", len(r.Data))
		if r.Err != "" {
			line += " err=" + strconv.Quote(r.Err)
		}
		fmt.Println(line)
	}
	return nil
}

func parseByte(opts docopt.Opts, name string) (uint8, error) {
	s, _ := opts.String(name)
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("%s must be 0-255: %w", name, err)
	}
	return uint8(n), nil
}

func parseArg(a string) any {
	var v any
	if err := json.Unmarshal([]byte(a), &v); err == nil {
		return v
	}
	return a
}

func printJSON(v any) error {
	if b, ok := v.([]byte); ok {
		fmt.Printf("%x\n", b)
		return nil
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
