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

package bpfmaps

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cilium/ebpf"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

// OpenPinned opens the maps that the BPF loader pinned under dir. The loader
// may start after us, so missing pins are retried with exponential backoff
// until timeout elapses or ctx is done. A zero timeout retries until ctx is
// done.
func OpenPinned(ctx context.Context, logger log.Logger, reg prometheus.Registerer, dir string, timeout time.Duration, opts Options) (*Maps, error) {
	var set MapSet
	open := func() error {
		s, err := loadPinned(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return err
			}
			return backoff.Permanent(err)
		}
		set = s
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = timeout

	notify := func(err error, d time.Duration) {
		level.Debug(logger).Log("msg", "pinned maps not available yet", "dir", dir, "retry_in", d, "err", err)
	}
	if err := backoff.RetryNotify(open, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, fmt.Errorf("open pinned maps in %s: %w", dir, err)
	}

	level.Info(logger).Log("msg", "opened pinned maps", "dir", dir)
	return New(logger, reg, set, opts), nil
}

func loadPinned(dir string) (MapSet, error) {
	var (
		set    MapSet
		opened []*ebpf.Map
	)
	targets := []struct {
		name string
		dst  *Map
	}{
		{CountMapName, &set.Counts},
		{TraceMapName, &set.Traces},
		{InfoMapName, &set.Info},
		{CgroupMapName, &set.Cgroup},
	}
	for _, t := range targets {
		m, err := ebpf.LoadPinnedMap(filepath.Join(dir, t.name), nil)
		if err != nil {
			for _, o := range opened {
				o.Close()
			}
			return MapSet{}, fmt.Errorf("load pinned map %s: %w", t.name, err)
		}
		opened = append(opened, m)
		*t.dst = m
	}
	return set, nil
}
