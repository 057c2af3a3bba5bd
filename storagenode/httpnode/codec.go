/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package httpnode

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

const (
	encodingSnappy = "snappy"
	maxBodySize    = 32 * 1024 * 1024
)

// Status is the error body returned by the node api.
type Status struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
}

const (
	codeNotFound        = "not_found"
	codeInvalidArgument = "invalid_argument"
	codeUnavailable     = "unavailable"
	codeInternal        = "internal"
)

func encodeBody(v any, compress bool) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal body")
	}

	if !compress {
		return data, nil
	}

	out := make([]byte, snappy.MaxEncodedLen(len(data)))
	return snappy.Encode(out, data), nil
}

func decodeBody(r io.Reader, encoding string, v any) error {
	data, err := io.ReadAll(io.LimitReader(r, maxBodySize))
	if err != nil {
		return errors.Wrap(err, "failed to read body")
	}

	if encoding == encodingSnappy {
		data, err = snappy.Decode(nil, data)
		if err != nil {
			return errors.Wrap(err, "failed to decompress body")
		}
	}

	err = json.Unmarshal(data, v)
	if err != nil {
		return errors.Wrap(err, "failed to unmarshal body")
	}

	return nil
}

func acceptsSnappy(r *http.Request) bool {
	for _, encoding := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		name, _, _ := strings.Cut(encoding, ";")
		if strings.TrimSpace(name) == encodingSnappy {
			return true
		}
	}
	return false
}
