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

package flags

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/parca-dev/stack-collector/pkg/bpfmaps"
	"github.com/parca-dev/stack-collector/pkg/ksym"
	"github.com/parca-dev/stack-collector/pkg/report"
	"github.com/parca-dev/stack-collector/pkg/symbol"
)

const (
	defaultPinPath = "/sys/fs/bpf/stack_analyzer"

	// Default of the perf_event_max_stack sysctl.
	maxStackDepth = 127
)

var stderr = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))

func vars() kong.Vars {
	return kong.Vars{
		"default_pin_path":         defaultPinPath,
		"default_max_stack_depth":  strconv.Itoa(bpfmaps.DefaultMaxStackDepth),
		"default_container_id_len": strconv.Itoa(bpfmaps.DefaultContainerIDLen),
		"default_kallsyms_refresh": ksym.DefaultUpdateDuration.String(),
		"demangle_modes":           strings.Join(symbol.DemangleModes, ","),
		"default_demangle":         symbol.DemangleFull,
		"output_formats":           strings.Join(report.Formats, ","),
	}
}

func Parse() (Flags, error) {
	flags := Flags{}
	kong.Parse(&flags,
		kong.Name("stack-collector"),
		kong.Description("Reads the stack samples collected by the kernel side and reports the hottest stacks."),
		vars(),
	)
	return flags, nil
}

// parse is Parse without exiting the process on errors.
func parse(args []string) (Flags, error) {
	flags := Flags{}
	parser, err := kong.New(&flags, kong.Name("stack-collector"), vars())
	if err != nil {
		return Flags{}, err
	}
	if _, err := parser.Parse(args); err != nil {
		return Flags{}, err
	}
	return flags, nil
}

type Flags struct {
	Log         FlagsLogs `embed:""                         prefix:"log-"`
	HTTPAddress string    `default:"127.0.0.1:7072"         help:"Address to bind HTTP server to. Empty disables the server."`
	ConfigPath  string    `default:""                       help:"Path to config file with the measurement scales."`
	Version     bool      `help:"Show application version."`

	BPF        FlagsBPF        `embed:"" prefix:"bpf-"`
	Collector  FlagsCollector  `embed:"" prefix:"collector-"`
	Symbolizer FlagsSymbolizer `embed:"" prefix:"symbolizer-"`
	Output     FlagsOutput     `embed:"" prefix:"output-"`
}

type ExitCode int

const (
	ExitSuccess ExitCode = 0
	ExitFailure ExitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	ExitParseError ExitCode = 2
)

func ParseError(msg string, args ...interface{}) ExitCode {
	level.Error(stderr).Log("msg", fmt.Sprintf(msg, args...))
	return ExitParseError
}

func Failure(msg string, args ...interface{}) ExitCode {
	level.Error(stderr).Log("msg", fmt.Sprintf(msg, args...))
	return ExitFailure
}

func (f Flags) Validate() ExitCode {
	if f.BPF.MaxStackDepth < 1 || f.BPF.MaxStackDepth > maxStackDepth {
		return ParseError("Invalid stack depth %d: must be between 1 and %d", f.BPF.MaxStackDepth, maxStackDepth)
	}

	if f.BPF.ContainerIDLength < 1 {
		return ParseError("Invalid container id length %d", f.BPF.ContainerIDLength)
	}

	if f.Collector.Interval <= 0 && !f.Collector.Once {
		return ParseError("Invalid collector interval %s: must be positive", f.Collector.Interval)
	}

	if f.Collector.TopK < 0 {
		return ParseError("Invalid top-k %d: must not be negative", f.Collector.TopK)
	}

	if f.Symbolizer.CacheSize < 0 {
		return ParseError("Invalid symbol cache size %d: must not be negative", f.Symbolizer.CacheSize)
	}

	if f.Output.Directory != "" {
		st, err := os.Stat(f.Output.Directory)
		if err != nil {
			return Failure("Output directory %s: %v", f.Output.Directory, err)
		}
		if !st.IsDir() {
			return ParseError("Output directory %s is not a directory", f.Output.Directory)
		}
	}

	return ExitSuccess
}

// FlagsLogs provides logging configuration flags.
type FlagsLogs struct {
	Level  string `default:"info"   enum:"error,warn,info,debug" help:"Log level."`
	Format string `default:"logfmt" enum:"logfmt,json"           help:"Configure if structured logging as JSON or as logfmt"`
}

// FlagsBPF describes where the kernel side pinned its maps and how they are laid out.
type FlagsBPF struct {
	PinPath           string        `default:"${default_pin_path}"         help:"Directory the BPF maps are pinned in."`
	MaxStackDepth     int           `default:"${default_max_stack_depth}"  help:"Maximum number of frames stored per stack trace."`
	ContainerIDLength int           `default:"${default_container_id_len}" help:"Size in bytes of the container id values."`
	OpenTimeout       time.Duration `default:"1m"                          help:"How long to wait for the pinned maps to appear."`
}

// FlagsCollector controls the collection cycle.
type FlagsCollector struct {
	Interval time.Duration `default:"5s"    help:"Interval between two reports."`
	TopK     int           `default:"10"    help:"Number of stacks reported per cycle. 0 reports all of them."`
	Delta    bool          `default:"false" help:"Clear the counters on every read and report the delta since the previous cycle."`
	Once     bool          `default:"false" help:"Collect a single report and exit."`
}

// FlagsSymbolizer contains flags to configure symbolization.
type FlagsSymbolizer struct {
	CacheSize               int           `default:"0"                           help:"Maximum number of resolved addresses cached per address space. 0 means unbounded."`
	Demangle                string        `default:"${default_demangle}"         enum:"${demangle_modes}" help:"How much of C++ symbol names to keep."`
	KernelDisable           bool          `default:"false"                       help:"Do not resolve kernel frames."`
	KallsymsRefreshInterval time.Duration `default:"${default_kallsyms_refresh}" help:"How often /proc/kallsyms is checked for changes."`
	ProcfsPath              string        `default:"/proc"                       help:"Mount point of procfs."`
	ELFCacheSize            int           `default:"128"                         help:"Number of ELF symbol tables kept in memory."`
}

// FlagsOutput selects the report format and destination.
type FlagsOutput struct {
	Format    string `default:"text" enum:"${output_formats}" help:"Report format."`
	Directory string `help:"Write one file per report into this directory instead of stdout."`
}
