// Copyright 2022-2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	runtimepprof "runtime/pprof"
	"time"

	_ "github.com/KimMachineGun/automemlimit"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	okrun "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/parca-dev/stack-collector/flags"
	"github.com/parca-dev/stack-collector/pkg/bpfmaps"
	"github.com/parca-dev/stack-collector/pkg/buildinfo"
	"github.com/parca-dev/stack-collector/pkg/collector"
	"github.com/parca-dev/stack-collector/pkg/config"
	"github.com/parca-dev/stack-collector/pkg/ksym"
	"github.com/parca-dev/stack-collector/pkg/logger"
	"github.com/parca-dev/stack-collector/pkg/report"
	"github.com/parca-dev/stack-collector/pkg/symbol"
	"github.com/parca-dev/stack-collector/pkg/symtab"
)

func main() {
	f, err := flags.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse flags: %v\n", err)
		os.Exit(int(flags.ExitParseError))
	}

	if f.Version {
		info, err := buildinfo.Fetch()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(int(flags.ExitFailure))
		}
		fmt.Println(info.String())
		os.Exit(int(flags.ExitSuccess))
	}

	if code := f.Validate(); code != flags.ExitSuccess {
		os.Exit(int(code))
	}

	logger := logger.NewLogger(f.Log.Level, f.Log.Format, "stack-collector")

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...interface{}) {
		level.Info(logger).Log("msg", fmt.Sprintf(format, a...))
	})); err != nil {
		level.Warn(logger).Log("msg", "failed to set GOMAXPROCS automatically", "err", err)
	}

	if err := run(logger, f); err != nil {
		var sigErr okrun.SignalError
		if errors.As(err, &sigErr) {
			level.Info(logger).Log("msg", "exiting", "signal", sigErr.Signal)
			return
		}
		level.Error(logger).Log("err", err)
		os.Exit(int(flags.ExitFailure))
	}
}

func run(logger log.Logger, f flags.Flags) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewBuildInfoCollector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	cfg := &config.Config{}
	if f.ConfigPath != "" {
		var err error
		cfg, err = config.LoadFile(f.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	} else if err := cfg.Validate(); err != nil {
		return err
	}

	opts := report.Options{
		TopK:      f.Collector.TopK,
		ShowDelta: f.Collector.Delta,
		Scales:    cfg.Scales,
	}
	if cfg.TopK != 0 {
		opts.TopK = cfg.TopK
	}
	if cfg.ShowDelta != nil {
		opts.ShowDelta = *cfg.ShowDelta
	}

	renderer, err := report.NewRenderer(f.Output.Format)
	if err != nil {
		return err
	}

	ctx := context.Background()

	maps, err := bpfmaps.OpenPinned(ctx, logger, reg, f.BPF.PinPath, f.BPF.OpenTimeout, bpfmaps.Options{
		MaxStackDepth:  f.BPF.MaxStackDepth,
		ContainerIDLen: f.BPF.ContainerIDLength,
	})
	if err != nil {
		return fmt.Errorf("failed to open BPF maps: %w", err)
	}
	defer maps.Close()

	userTable, err := symtab.New(logger, reg, symtab.Options{
		ProcRoot:      f.Symbolizer.ProcfsPath,
		FileCacheSize: f.Symbolizer.ELFCacheSize,
	})
	if err != nil {
		return err
	}
	defer userTable.Close()

	var kernelTable symbol.KernelTable
	if !f.Symbolizer.KernelDisable {
		kernelTable = ksym.NewKsym(logger, nil, f.Symbolizer.KallsymsRefreshInterval)
	}

	resolver, err := symbol.NewResolver(logger, reg, userTable, kernelTable, symbol.Options{
		CacheSize: f.Symbolizer.CacheSize,
		Demangle:  f.Symbolizer.Demangle,
	})
	if err != nil {
		return err
	}
	defer resolver.Close()

	assembler := report.NewAssembler(logger, reg, maps, resolver)
	c := collector.New(logger, reg, assembler, renderer, collector.Config{
		Interval:  f.Collector.Interval,
		Options:   opts,
		Directory: f.Output.Directory,
	})

	if f.Collector.Once {
		return c.Collect(ctx)
	}

	level.Info(logger).Log(
		"msg", "starting stack collector",
		"pin_path", f.BPF.PinPath,
		"scales", len(opts.Scales),
		"format", f.Output.Format,
	)

	var g okrun.Group
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting: collector")
			defer level.Debug(logger).Log("msg", "stopped: collector")

			var err error
			runtimepprof.Do(ctx, runtimepprof.Labels("component", "collector"), func(ctx context.Context) {
				err = c.Run(ctx)
			})
			return err
		}, func(error) {
			cancel()
		})
	}

	if f.HTTPAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.Handle("/report", c)
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		ln, err := net.Listen("tcp", f.HTTPAddress)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", f.HTTPAddress, err)
		}
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting: http server", "address", ln.Addr())
			defer level.Debug(logger).Log("msg", "stopped: http server")
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		})
	}

	g.Add(okrun.SignalHandler(ctx, os.Interrupt, os.Kill))
	return g.Run()
}
