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

// Package hash fingerprints file contents to detect changes cheaply.
package hash

import (
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"

	"github.com/minio/highwayhash"
)

// Fingerprints are only compared within one process, the key does not need
// to be secret.
var key = mustDecode("000102030405060708090A0B0C0D0E0FF0E0D0C0B0A090807060504030201000")

func mustDecode(key string) []byte {
	keyBytes, err := hex.DecodeString(key)
	if err != nil {
		panic("cannot decode hex key: " + err.Error())
	}
	return keyBytes
}

// File returns the 64 bit HighwayHash of the named file in fsys.
func File(fsys fs.FS, name string) (uint64, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	h, err := Reader(f)
	if err != nil {
		return 0, fmt.Errorf("hash %s: %w", name, err)
	}
	return h, nil
}

// Reader hashes everything r returns until EOF.
func Reader(r io.Reader) (uint64, error) {
	h, err := highwayhash.New64(key)
	if err != nil {
		return 0, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}
