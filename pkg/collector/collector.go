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

// Package collector assembles and writes a report on every tick.
package collector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/parca-dev/stack-collector/pkg/bpfmaps"
	"github.com/parca-dev/stack-collector/pkg/report"
)

// Assembler is implemented by *report.Assembler.
type Assembler interface {
	Assemble(ctx context.Context, opts report.Options) (*report.Report, error)
}

type Config struct {
	Interval time.Duration
	Options  report.Options
	// Directory receives one file per report. Reports go to Stdout when
	// empty.
	Directory string
	Stdout    io.Writer
}

type Collector struct {
	logger    log.Logger
	assembler Assembler
	renderer  report.Renderer
	cfg       Config

	cycles      *prometheus.CounterVec
	lastSuccess prometheus.Gauge

	mtx  sync.RWMutex
	last *report.Report
}

func New(logger log.Logger, reg prometheus.Registerer, assembler Assembler, renderer report.Renderer, cfg Config) *Collector {
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	c := &Collector{
		logger:    log.With(logger, "component", "collector"),
		assembler: assembler,
		renderer:  renderer,
		cfg:       cfg,
		cycles: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "stack_collector_cycles_total",
			Help: "Total number of collection cycles by result.",
		}, []string{"result"}),
		lastSuccess: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "stack_collector_last_success_timestamp_seconds",
			Help: "Time of the last successful collection cycle.",
		}),
	}
	c.cycles.WithLabelValues("success")
	c.cycles.WithLabelValues("skipped")
	c.cycles.WithLabelValues("error")
	return c
}

// Run collects a report right away and then every interval until ctx is
// done. Failed cycles are logged and the next tick is awaited; a delta mode
// cycle that failed is not retried.
func (c *Collector) Run(ctx context.Context) error {
	level.Info(c.logger).Log("msg", "starting collector", "interval", c.cfg.Interval, "top_k", c.cfg.Options.TopK, "delta", c.cfg.Options.ShowDelta)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := c.Collect(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			level.Warn(c.logger).Log("msg", "collection cycle failed", "err", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Collect runs a single cycle: assemble, keep and write the report.
func (c *Collector) Collect(ctx context.Context) error {
	start := time.Now()
	r, err := c.assembler.Assemble(ctx, c.cfg.Options)
	if err != nil {
		if errors.Is(err, bpfmaps.ErrMapAccessFault) {
			c.cycles.WithLabelValues("skipped").Inc()
			return fmt.Errorf("skipping cycle: %w", err)
		}
		c.cycles.WithLabelValues("error").Inc()
		return err
	}

	c.mtx.Lock()
	c.last = r
	c.mtx.Unlock()

	n, err := c.write(r)
	if err != nil {
		c.cycles.WithLabelValues("error").Inc()
		return fmt.Errorf("write report: %w", err)
	}

	c.cycles.WithLabelValues("success").Inc()
	c.lastSuccess.SetToCurrentTime()
	level.Debug(c.logger).Log(
		"msg", "collected report",
		"samples", len(r.Samples),
		"stacks", len(r.Traces),
		"size", humanize.Bytes(uint64(n)),
		"took", time.Since(start),
	)
	return nil
}

func (c *Collector) write(r *report.Report) (int, error) {
	var buf bytes.Buffer
	if err := c.renderer.Render(&buf, r); err != nil {
		return 0, err
	}

	if c.cfg.Directory == "" {
		return c.cfg.Stdout.Write(buf.Bytes())
	}

	name := fmt.Sprintf("report_%s.%s", r.Time.UTC().Format("20060102T150405.000Z"), c.renderer.Extension())
	path := filepath.Join(c.cfg.Directory, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return 0, err
	}
	return buf.Len(), nil
}

// Last returns the most recent report, nil before the first one.
func (c *Collector) Last() *report.Report {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.last
}

// ServeHTTP writes the most recent report as JSON.
func (c *Collector) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	r := c.Last()
	if r == nil {
		http.Error(w, "no report collected yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w).Encode(r); err != nil {
		level.Warn(c.logger).Log("msg", "failed to write report", "err", err)
	}
}
