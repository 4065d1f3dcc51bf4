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

package report

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/parca-dev/stack-collector/pkg/stack"
)

// NoStack is printed for stack ids without frames.
const NoStack = "[no stack]"

// TextRenderer prints the counts, traces and info sections as plain tables.
type TextRenderer struct{}

func (TextRenderer) Extension() string { return "txt" }

func (TextRenderer) Render(w io.Writer, r *Report) error {
	bw := bufio.NewWriter(w)

	bw.WriteString("time: " + r.Time.UTC().Format(time.RFC3339) + "\n")

	bw.WriteString("counts:\n")
	header := []string{"pid", "usid", "ksid"}
	for _, s := range r.Scales {
		header = append(header, s.String())
	}
	t := newTable(bw, header)
	for _, s := range r.Samples {
		row := []string{
			strconv.FormatUint(uint64(s.Key.PID), 10),
			strconv.FormatInt(int64(s.Key.UserStackID), 10),
			strconv.FormatInt(int64(s.Key.KernelStackID), 10),
		}
		for _, c := range s.Counters {
			row = append(row, strconv.FormatUint(c, 10))
		}
		t.Append(row)
	}
	t.Render()

	bw.WriteString("traces:\n")
	t = newTable(bw, []string{"sid", "trace"})
	ids := maps.Keys(r.Traces)
	slices.Sort(ids)
	for _, id := range ids {
		t.Append([]string{strconv.FormatInt(int64(id), 10), FormatTrace(r.Traces[id])})
	}
	t.Render()

	bw.WriteString("info:\n")
	t = newTable(bw, []string{"pid", "NSpid", "comm", "tgid", "cgroup"})
	pids := maps.Keys(r.Processes)
	slices.Sort(pids)
	for _, pid := range pids {
		p := r.Processes[pid]
		t.Append([]string{
			strconv.FormatUint(uint64(p.PID), 10),
			strconv.FormatUint(uint64(p.NamespacedPID), 10),
			p.Comm,
			strconv.FormatInt(int64(p.TGID), 10),
			p.CgroupID,
		})
	}
	t.Render()

	return bw.Flush()
}

// FormatTrace joins the frames of t with ";".
func FormatTrace(t stack.Trace) string {
	if len(t) == 0 {
		return NoStack
	}
	return strings.Join(t, ";")
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetHeader(header)
	t.SetAutoFormatHeaders(false)
	t.SetAutoWrapText(false)
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetBorder(false)
	t.SetCenterSeparator("")
	t.SetColumnSeparator("")
	t.SetRowSeparator("")
	t.SetHeaderLine(false)
	t.SetTablePadding(" ")
	t.SetNoWhiteSpace(true)
	return t
}
