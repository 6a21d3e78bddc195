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

// Command datasetctl inspects and edits the operational dataset persisted
// by meshcoapd's settings store, the way the teacher's cmd/jc converts
// between a binary wire format and JSON for humans to read and edit.
package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/openthread-go/corestack/meshcop"
	"github.com/openthread-go/corestack/transport/settings"
)

var (
	flagFile = flag.String("file", "meshcoapd.json", "path to the settings document")
	flagSet  = flag.String("set", "", "comma-separated field=value pairs to apply, e.g. channel=15,panid=0x1234")
	flagTlv  = flag.Bool("tlv", false, "print the dataset's wire TLV encoding (hex) instead of JSON")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of datasetctl:\n")
		flag.PrintDefaults()
		fmt.Println("\nFields: networkname, channel, panid, extendedpanid (hex), networkkey (hex), pskc (hex), pskc-passphrase")
		fmt.Println(`Example: datasetctl -file meshcoapd.json -set channel=15,networkname=OpenThread`)
	}
	flag.Parse()

	store, err := settings.Open(*flagFile)
	if err != nil {
		log.Fatalf("FATAL: failed to open %s: %s", *flagFile, err)
	}

	dataset, ok := store.Dataset()
	if !ok {
		dataset = &meshcop.Dataset{}
	}

	if *flagSet != "" {
		if err := applyFields(dataset, *flagSet); err != nil {
			log.Fatalf("FATAL: %s", err)
		}
		if err := store.SetDataset(dataset); err != nil {
			log.Fatalf("FATAL: failed to save %s: %s", *flagFile, err)
		}
	}

	if *flagTlv {
		fmt.Println(hex.EncodeToString(dataset.EncodeTlvs()))
		return
	}

	out, err := json.MarshalIndent(dataset, "", "  ")
	if err != nil {
		log.Fatalf("FATAL: failed to render dataset as JSON: %s", err)
	}
	os.Stdout.Write(out)
	fmt.Println()
}

func applyFields(d *meshcop.Dataset, spec string) error {
	var extPanID [8]byte
	copy(extPanID[:], d.ExtendedPanID)
	var passphrase string

	for _, pair := range strings.Split(spec, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return fmt.Errorf("malformed field %q, want key=value", pair)
		}
		key, value := strings.ToLower(kv[0]), kv[1]
		switch key {
		case "networkname":
			d.NetworkName = value
		case "channel":
			n, err := strconv.ParseUint(value, 10, 16)
			if err != nil {
				return fmt.Errorf("channel: %w", err)
			}
			d.Channel = uint16(n)
		case "panid":
			n, err := strconv.ParseUint(strings.TrimPrefix(value, "0x"), 16, 16)
			if err != nil {
				return fmt.Errorf("panid: %w", err)
			}
			d.PanID = uint16(n)
		case "extendedpanid":
			b, err := hex.DecodeString(value)
			if err != nil || len(b) != 8 {
				return fmt.Errorf("extendedpanid: want 8 hex bytes")
			}
			d.ExtendedPanID = b
			copy(extPanID[:], b)
		case "networkkey":
			b, err := hex.DecodeString(value)
			if err != nil {
				return fmt.Errorf("networkkey: %w", err)
			}
			d.NetworkKey = b
		case "pskc":
			b, err := hex.DecodeString(value)
			if err != nil {
				return fmt.Errorf("pskc: %w", err)
			}
			d.PSKc = b
		case "pskc-passphrase":
			passphrase = value
		default:
			return fmt.Errorf("unknown field %q", key)
		}
	}

	if passphrase != "" {
		d.PSKc = meshcop.DerivePSKc(passphrase, extPanID, d.NetworkName)
	}
	return nil
}
