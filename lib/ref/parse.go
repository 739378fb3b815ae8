// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// parseSigilID splits a Matrix identifier of the form
// <sigil>localpart:server. The localpart and server must both be
// non-empty. Only the first colon separates them, so server names
// carrying a port ("localhost:6167") are accepted.
func parseSigilID(identifier string, sigil byte, kind string) (localpart, server string, err error) {
	if identifier == "" {
		return "", "", fmt.Errorf("empty %s", kind)
	}
	if identifier[0] != sigil {
		return "", "", fmt.Errorf("invalid %s %q: must start with '%c'", kind, identifier, sigil)
	}
	colonIndex := strings.IndexByte(identifier[1:], ':')
	if colonIndex < 0 {
		return "", "", fmt.Errorf("invalid %s %q: missing ':server' suffix", kind, identifier)
	}
	localpart = identifier[1 : colonIndex+1]
	server = identifier[colonIndex+2:]
	if localpart == "" {
		return "", "", fmt.Errorf("invalid %s %q: empty localpart", kind, identifier)
	}
	if server == "" {
		return "", "", fmt.Errorf("invalid %s %q: empty server name", kind, identifier)
	}
	if strings.ContainsFunc(identifier, isControl) {
		return "", "", fmt.Errorf("invalid %s %q: contains control characters", kind, identifier)
	}
	return localpart, server, nil
}

func isControl(r rune) bool {
	return r < 0x20 || r == 0x7f
}
