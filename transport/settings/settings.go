// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package settings is a reference implementation of the typed
// load/save settings store spec.md §6 names as consumed, not core, logic:
// the operational dataset, key sequence, and joiner state this repo
// persists between runs. Backed by a single JSON document on disk, edited
// with gjson/sjson the way the teacher's cmd/jc inspects CBOR-mapped JSON.
package settings

import (
	"encoding/json"
	"os"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/openthread-go/corestack/meshcop"
)

// Store is a JSON document on disk holding the fields the core persists
// across reboots. It is not safe for concurrent use; the owning instance's
// single cooperative context is the only caller.
type Store struct {
	path string
	raw  string
}

// Open reads path if it exists, or starts from an empty document.
func Open(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Store{path: path, raw: "{}"}, nil
		}
		return nil, err
	}
	return &Store{path: path, raw: string(data)}, nil
}

func (s *Store) save() error {
	var pretty map[string]interface{}
	if err := json.Unmarshal([]byte(s.raw), &pretty); err != nil {
		return os.WriteFile(s.path, []byte(s.raw), 0o600)
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, out, 0o600)
}

// Dataset returns the persisted operational dataset, if present.
func (s *Store) Dataset() (*meshcop.Dataset, bool) {
	res := gjson.Get(s.raw, "dataset")
	if !res.Exists() {
		return nil, false
	}
	d := &meshcop.Dataset{}
	if err := d.UnmarshalFromCBOR([]byte(res.String())); err != nil {
		return nil, false
	}
	return d, true
}

// SetDataset persists d, CBOR-encoded, alongside the rest of the store.
func (s *Store) SetDataset(d *meshcop.Dataset) error {
	raw, err := d.MarshalCBOR()
	if err != nil {
		return err
	}
	updated, err := sjson.Set(s.raw, "dataset", string(raw))
	if err != nil {
		return err
	}
	s.raw = updated
	return s.save()
}

// KeySequence returns the persisted network key sequence.
func (s *Store) KeySequence() uint32 {
	return uint32(gjson.Get(s.raw, "key_sequence").Uint())
}

// SetKeySequence persists seq.
func (s *Store) SetKeySequence(seq uint32) error {
	updated, err := sjson.Set(s.raw, "key_sequence", seq)
	if err != nil {
		return err
	}
	s.raw = updated
	return s.save()
}

// JoinerState returns the persisted device-side joiner FSM state name, if
// any was saved (so a reboot mid-join can resume or report failure rather
// than silently restarting).
func (s *Store) JoinerState() (string, bool) {
	res := gjson.Get(s.raw, "joiner_state")
	return res.String(), res.Exists()
}

// SetJoinerState persists the joiner FSM state name.
func (s *Store) SetJoinerState(state string) error {
	updated, err := sjson.Set(s.raw, "joiner_state", state)
	if err != nil {
		return err
	}
	s.raw = updated
	return s.save()
}
