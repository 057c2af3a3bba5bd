package server_v1

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/couchbase/stellar-sharding/gateway/shardkey"
	"github.com/couchbase/stellar-sharding/storagenode"
	"github.com/gorilla/mux"
)

// pathVars unescapes the route variables, the router matches on the encoded
// path so that ids may contain slashes.
func pathVars(r *http.Request) map[string]string {
	vars := mux.Vars(r)
	for k, v := range vars {
		unescaped, err := url.PathUnescape(v)
		if err == nil {
			vars[k] = unescaped
		}
	}
	return vars
}

func parseTime(value string) (time.Time, *Status) {
	if value == "" {
		return time.Time{}, nil
	}

	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, &Status{
			StatusCode: http.StatusBadRequest,
			Code:       ErrorCodeInvalidArgument,
			Message:    "Invalid time format - expected ISO8601.",
		}
	}
	return t, nil
}

func timeToIsoTime(when time.Time) string {
	if when.IsZero() {
		return ""
	}
	return when.UTC().Format(time.RFC3339Nano)
}

// entityFromRequest builds the entity addressed by a request.  The
// attributes used for placement besides the id are passed as query
// parameters.
func entityFromRequest(r *http.Request) (shardkey.Entity, *Status) {
	vars := pathVars(r)
	query := r.URL.Query()

	entity := shardkey.Entity{
		Type:         vars["type"],
		ID:           vars["id"],
		Category:     query.Get("category"),
		PartitionKey: query.Get("partitionKey"),
	}

	if len(entity.ID) < 1 || len(entity.ID) > 250 {
		return entity, &Status{
			StatusCode: http.StatusBadRequest,
			Code:       ErrorCodeInvalidArgument,
			Message:    "Entity ids must be between 1 and 250 characters long.",
		}
	}

	ts, errSt := parseTime(query.Get("timestamp"))
	if errSt != nil {
		return entity, errSt
	}
	entity.Timestamp = ts

	return entity, nil
}

func parseTimeout(r *http.Request, def time.Duration) (time.Duration, *Status) {
	value := r.URL.Query().Get("timeout")
	if value == "" {
		return def, nil
	}

	timeout, err := time.ParseDuration(value)
	if err != nil || timeout <= 0 {
		return 0, &Status{
			StatusCode: http.StatusBadRequest,
			Code:       ErrorCodeInvalidArgument,
			Message:    "Invalid timeout, expected a positive duration such as 500ms.",
		}
	}
	return timeout, nil
}

// payloadValue embeds JSON payloads as they are and base64 encodes anything
// else.
func payloadValue(payload []byte) any {
	if len(payload) == 0 {
		return nil
	}
	if json.Valid(payload) {
		return json.RawMessage(payload)
	}
	return payload
}

type RecordJson struct {
	Type         string       `json:"type"`
	ID           string       `json:"id"`
	Category     string       `json:"category,omitempty"`
	Timestamp    string       `json:"timestamp,omitempty"`
	PartitionKey string       `json:"partitionKey,omitempty"`
	Key          shardkey.Key `json:"key"`
	LogicalTS    uint64       `json:"logicalTs"`
	Payload      any          `json:"payload,omitempty"`
}

func recordToJson(rec *storagenode.Record) *RecordJson {
	return &RecordJson{
		Type:         rec.EntityType,
		ID:           rec.EntityID,
		Category:     rec.Category,
		Timestamp:    timeToIsoTime(rec.Timestamp),
		PartitionKey: rec.PartitionKey,
		Key:          rec.Key,
		LogicalTS:    rec.LogicalTS,
		Payload:      payloadValue(rec.Payload),
	}
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}
