/*
SPDX-License-Identifier: Apache-2.0

Copyright 2025 Nopea

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package collab

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// request mirrors the tagged Rust enum: {"op": "...", ...fields}.
type request struct {
	Op      string `json:"op"`
	URL     string `json:"url,omitempty"`
	Branch  string `json:"branch,omitempty"`
	Path    string `json:"path,omitempty"`
	Depth   int    `json:"depth,omitempty"`
	Subpath string `json:"subpath,omitempty"`
	File    string `json:"file,omitempty"`
	SHA     string `json:"sha,omitempty"`
}

// rawResponse captures either arm of the {"ok": ...} / {"err": ...} envelope
// without committing to a result shape; callers decode Ok themselves.
type rawResponse struct {
	Ok  json.RawMessage `json:"ok"`
	Err *string         `json:"err"`
}

// commitInfoWire is the wire shape of a Head response payload.
type commitInfoWire struct {
	SHA       string `json:"sha"`
	Author    string `json:"author"`
	Email     string `json:"email"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// writeFrame writes a 4-byte big-endian length prefix followed by the
// JSON-encoded value.
func writeFrame(w io.Writer, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(b)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// readFrame reads a 4-byte big-endian length prefix and the following payload.
func readFrame(r io.Reader) ([]byte, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
