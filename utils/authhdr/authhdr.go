/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package authhdr decodes storage node credentials from an Authorization
// header without the allocations of http.Request.BasicAuth.
package authhdr

import (
	"encoding/base64"
	"strings"
)

const basicPrefix = "basic "

// maxStackCreds covers typical username:password pairs without a heap
// allocated decode buffer.
const maxStackCreds = 128

// DecodeBasicAuth returns the credentials of a Basic Authorization header.
// The scheme is matched case-insensitively.
func DecodeBasicAuth(hdr string) (string, string, bool) {
	if len(hdr) < len(basicPrefix) || !strings.EqualFold(hdr[:len(basicPrefix)], basicPrefix) {
		return "", "", false
	}
	encoded := hdr[len(basicPrefix):]

	var stackBuf [maxStackCreds]byte
	var dst []byte
	if decLen := base64.StdEncoding.DecodedLen(len(encoded)); decLen > maxStackCreds {
		dst = make([]byte, decLen)
	} else {
		dst = stackBuf[:decLen]
	}

	n, err := base64.StdEncoding.Decode(dst, []byte(encoded))
	if err != nil {
		return "", "", false
	}

	username, password, ok := strings.Cut(string(dst[:n]), ":")
	if !ok {
		return "", "", false
	}

	return username, password, true
}
