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

package buildinfo

import (
	"errors"
	"fmt"
	"runtime/debug"
)

type Info struct {
	GoVersion, GoArch, GoOs, VcsRevision, VcsTime string
	VcsModified                                   bool
}

func Fetch() (Info, error) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return Info{}, errors.New("can't read the build info")
	}
	return fromBuildInfo(bi), nil
}

func fromBuildInfo(bi *debug.BuildInfo) Info {
	info := Info{GoVersion: bi.GoVersion}
	for _, setting := range bi.Settings {
		switch setting.Key {
		case "GOARCH":
			info.GoArch = setting.Value
		case "GOOS":
			info.GoOs = setting.Value
		case "vcs.revision":
			info.VcsRevision = setting.Value
		case "vcs.time":
			info.VcsTime = setting.Value
		case "vcs.modified":
			info.VcsModified = setting.Value == "true"
		}
	}
	return info
}

// String formats the info for --version, e.g.
// "stack-collector 1a2b3c4 (dirty) linux/amd64 go1.22.2".
func (i Info) String() string {
	rev := i.VcsRevision
	if rev == "" {
		rev = "unknown"
	} else if len(rev) > 12 {
		rev = rev[:12]
	}
	if i.VcsModified {
		rev += " (dirty)"
	}
	return fmt.Sprintf("stack-collector %s %s/%s %s", rev, i.GoOs, i.GoArch, i.GoVersion)
}
