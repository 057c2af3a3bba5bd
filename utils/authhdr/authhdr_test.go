package authhdr_test

import (
	"encoding/base64"
	"net/http"
	"strings"
	"testing"

	"github.com/couchbase/stellar-sharding/utils/authhdr"
	"github.com/stretchr/testify/assert"
)

var testHeader string = "Basic YWxhZGRpbjpvcGVuc2VzYW1l"

func TestBasic(t *testing.T) {
	r := http.Request{
		Header: map[string][]string{
			"Authorization": {testHeader},
		},
	}
	httpUser, httpPass, ok := r.BasicAuth()
	if !ok {
		t.Fatalf("Failed to http decode header")
	}

	username, password, ok := authhdr.DecodeBasicAuth(testHeader)
	if !ok {
		t.Fatalf("Failed to decode header")
	}
	if username != httpUser {
		t.Fatalf("Username mismatch: %s", username)
	}
	if password != httpPass {
		t.Fatalf("Password mismatch: %s", password)
	}
}

func TestBasicLongCredentials(t *testing.T) {
	password := strings.Repeat("p", 300)
	hdr := "basic " + base64.StdEncoding.EncodeToString([]byte("node:"+password))

	username, decoded, ok := authhdr.DecodeBasicAuth(hdr)
	assert.True(t, ok)
	assert.Equal(t, "node", username)
	assert.Equal(t, password, decoded)
}

func TestBasicInvalid(t *testing.T) {
	for _, hdr := range []string{
		"",
		"Basic",
		"Bearer abcdef",
		"Basic !!!notbase64",
		"Basic " + base64.StdEncoding.EncodeToString([]byte("nocolon")),
	} {
		_, _, ok := authhdr.DecodeBasicAuth(hdr)
		assert.False(t, ok, hdr)
	}
}

func BenchmarkHttp(b *testing.B) {
	for i := 0; i < b.N; i++ {
		r := http.Request{
			Header: map[string][]string{
				"Authorization": {testHeader},
			},
		}
		_, _, ok := r.BasicAuth()
		if !ok {
			b.Fatalf("Failed to decode header")
		}
	}
}

func BenchmarkLib(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_, _, ok := authhdr.DecodeBasicAuth(testHeader)
		if !ok {
			b.Fatalf("Failed to decode header")
		}
	}
}
