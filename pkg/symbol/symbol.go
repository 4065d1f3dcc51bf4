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

// Package symbol turns instruction addresses into printable frame names.
package symbol

import "errors"

var ErrSymbolNotFound = errors.New("symbol not found")

// Symbol is a resolved function. Start and End are addresses in the
// address space the lookup was made in.
type Symbol struct {
	Name   string
	Start  uint64
	End    uint64
	Module string
}

// UserTable resolves addresses of user space processes.
type UserTable interface {
	LookupUser(pid uint32, addr uint64) (Symbol, error)
}

// KernelTable resolves kernel addresses.
type KernelTable interface {
	LookupKernel(addr uint64) (Symbol, error)
}
