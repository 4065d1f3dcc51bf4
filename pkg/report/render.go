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
	"fmt"
	"io"
)

const (
	FormatText  = "text"
	FormatJSON  = "json"
	FormatPprof = "pprof"
)

// Formats lists the supported output formats.
var Formats = []string{FormatText, FormatJSON, FormatPprof}

// Renderer writes a report in one output format.
type Renderer interface {
	Render(w io.Writer, r *Report) error
	// Extension is the file name extension of the format.
	Extension() string
}

func NewRenderer(format string) (Renderer, error) {
	switch format {
	case FormatText, "":
		return TextRenderer{}, nil
	case FormatJSON:
		return JSONRenderer{}, nil
	case FormatPprof:
		return PprofRenderer{}, nil
	default:
		return nil, fmt.Errorf("unknown report format %q", format)
	}
}
