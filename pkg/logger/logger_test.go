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

package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/go-kit/log/level"
	"github.com/stretchr/testify/require"
)

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, "warn", LogFormatLogfmt, "stack-collector")

	level.Info(l).Log("msg", "dropped")
	level.Warn(l).Log("msg", "kept")

	out := buf.String()
	require.NotContains(t, out, "dropped")
	require.Contains(t, out, "msg=kept")
	require.Contains(t, out, "name=stack-collector")
	require.Contains(t, out, "caller=logger_test.go")
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, "debug", LogFormatJSON, "")

	level.Debug(l).Log("msg", "hello")
	require.True(t, strings.HasPrefix(buf.String(), "{"), buf.String())
	require.Contains(t, buf.String(), `"msg":"hello"`)
	require.NotContains(t, buf.String(), `"name"`)
}

func TestUnknownLevelPanics(t *testing.T) {
	require.Panics(t, func() { newLogger(&bytes.Buffer{}, "trace", LogFormatLogfmt, "") })
}
