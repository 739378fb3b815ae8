// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/e2ee/e2ee/trust"
	"github.com/bureau-foundation/e2ee/lib/ref"
)

// keyDocument is one device key document and the user and device it
// was published under.
type keyDocument struct {
	userID   string
	deviceID string
	raw      json.RawMessage
}

func runVerifyKeys(args []string, stdout io.Writer) error {
	flagSet := newFlagSet("verify-keys")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: bureau-e2ee verify-keys <file|->\n\n")
		flagSet.PrintDefaults()
	}
	if err := parseFlags(flagSet, args); err != nil {
		return helpOK(err)
	}
	if flagSet.NArg() != 1 {
		flagSet.Usage()
		return fmt.Errorf("expected one file argument, got %d", flagSet.NArg())
	}

	data, err := readInput(flagSet.Arg(0))
	if err != nil {
		return err
	}
	documents, err := parseKeyDocuments(jsonc.ToJSON(data))
	if err != nil {
		return err
	}

	gate := trust.NewGate(trust.GateConfig{})
	failed := 0
	for _, document := range documents {
		result := verifyDocument(gate, document)
		if !result.Valid {
			failed++
		}
		fmt.Fprintf(stdout, "%s %s: %s\n", document.userID, document.deviceID, result)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d device key documents failed verification", failed, len(documents))
	}
	return nil
}

func verifyDocument(gate *trust.Gate, document keyDocument) trust.Result {
	userID, err := ref.ParseUserID(document.userID)
	if err != nil {
		return trust.Result{Reason: err.Error()}
	}
	deviceID, err := ref.ParseDeviceID(document.deviceID)
	if err != nil {
		return trust.Result{Reason: err.Error()}
	}
	_, result := gate.VerifyDeviceKeys(document.raw, userID, deviceID)
	return result
}

// parseKeyDocuments accepts either a /keys/query response, whose
// documents are checked against the user and device they are listed
// under, or a single document, checked against the IDs it names.
func parseKeyDocuments(data []byte) ([]keyDocument, error) {
	var response struct {
		DeviceKeys map[string]map[string]json.RawMessage `json:"device_keys"`
	}
	if err := json.Unmarshal(data, &response); err != nil {
		return nil, fmt.Errorf("parsing device keys: %w", err)
	}
	if response.DeviceKeys != nil {
		var documents []keyDocument
		for _, userID := range slices.Sorted(maps.Keys(response.DeviceKeys)) {
			devices := response.DeviceKeys[userID]
			for _, deviceID := range slices.Sorted(maps.Keys(devices)) {
				documents = append(documents, keyDocument{userID: userID, deviceID: deviceID, raw: devices[deviceID]})
			}
		}
		return documents, nil
	}

	var single struct {
		UserID   string `json:"user_id"`
		DeviceID string `json:"device_id"`
	}
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("parsing device keys: %w", err)
	}
	return []keyDocument{{userID: single.UserID, deviceID: single.DeviceID, raw: data}}, nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
