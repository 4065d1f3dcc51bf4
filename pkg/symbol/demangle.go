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

package symbol

import (
	"fmt"
	"strings"

	"github.com/ianlancetaylor/demangle"
)

const (
	DemangleNone       = "none"
	DemangleSimplified = "simplified"
	DemangleTemplates  = "templates"
	DemangleFull       = "full"
)

// DemangleModes lists the accepted demangle modes, for flag enums.
var DemangleModes = []string{DemangleNone, DemangleSimplified, DemangleTemplates, DemangleFull}

type demangler struct {
	enabled bool
	opts    []demangle.Option
}

func newDemangler(mode string) (demangler, error) {
	switch mode {
	case DemangleNone:
		return demangler{}, nil
	case DemangleSimplified:
		return demangler{enabled: true, opts: []demangle.Option{demangle.NoParams, demangle.NoEnclosingParams, demangle.NoTemplateParams}}, nil
	case DemangleTemplates:
		return demangler{enabled: true, opts: []demangle.Option{demangle.NoParams, demangle.NoEnclosingParams}}, nil
	case DemangleFull, "":
		return demangler{enabled: true, opts: []demangle.Option{demangle.NoClones}}, nil
	default:
		return demangler{}, fmt.Errorf("unknown demangle mode %q", mode)
	}
}

// demangle only touches Itanium C++ ABI names. Names that fail to demangle
// are returned unchanged.
func (d demangler) demangle(name string) string {
	if !d.enabled || !strings.HasPrefix(name, "_Z") {
		return name
	}
	return demangle.Filter(name, d.opts...)
}
