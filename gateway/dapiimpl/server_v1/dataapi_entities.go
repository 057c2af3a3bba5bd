package server_v1

import (
	"context"
	"io"
	"net/http"

	"github.com/couchbase/stellar-sharding/gateway/consistency"
	"github.com/couchbase/stellar-sharding/gateway/router"
)

type WriteResultJson struct {
	Shard           string `json:"shard"`
	TopologyVersion uint64 `json:"topologyVersion"`
	Consistency     string `json:"consistency"`
	Acks            int    `json:"acks"`
	LogicalTS       uint64 `json:"logicalTs,omitempty"`
	Accepted        bool   `json:"accepted,omitempty"`
}

func (s *DataApiServer) readBody(r *http.Request) ([]byte, *Status) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxBodySize+1))
	if err != nil {
		return nil, s.errorHandler.NewInvalidArgumentStatus("Failed to read request body.")
	}
	if int64(len(body)) > s.maxBodySize {
		return nil, &Status{
			StatusCode: http.StatusRequestEntityTooLarge,
			Code:       ErrorCodeInvalidArgument,
			Message:    "Request body is too large.",
		}
	}

	return s.compressHandler.UncompressRequest(body, r.Header.Get("Content-Encoding"))
}

func (s *DataApiServer) requestContext(r *http.Request) (context.Context, context.CancelFunc, *Status) {
	timeout, errSt := parseTimeout(r, s.requestTimeout)
	if errSt != nil {
		return nil, nil, errSt
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	return ctx, cancel, nil
}

func writeResultJson(res *router.Result) *WriteResultJson {
	out := &WriteResultJson{
		Shard:           string(res.Shard),
		TopologyVersion: uint64(res.Version),
		Consistency:     res.Level.String(),
		Acks:            res.Acks,
		Accepted:        res.Level == consistency.Weak,
	}
	if res.Record != nil {
		out.LogicalTS = res.Record.LogicalTS
	}
	return out
}

func (s *DataApiServer) GetEntity(w http.ResponseWriter, r *http.Request) {
	entity, errSt := entityFromRequest(r)
	if errSt != nil {
		s.writeStatus(w, errSt)
		return
	}

	ctx, cancel, errSt := s.requestContext(r)
	if errSt != nil {
		s.writeStatus(w, errSt)
		return
	}
	defer cancel()

	res, err := s.router.Read(ctx, entity)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("X-Shard", string(res.Shard))
	w.Header().Set("X-Topology-Version", formatUint(uint64(res.Version)))
	w.Header().Set("X-Consistency", res.Level.String())
	w.Header().Set("ETag", formatUint(res.Record.LogicalTS))

	s.writeJson(w, r, http.StatusOK, recordToJson(res.Record))
}

func (s *DataApiServer) PutEntity(w http.ResponseWriter, r *http.Request) {
	entity, errSt := entityFromRequest(r)
	if errSt != nil {
		s.writeStatus(w, errSt)
		return
	}

	payload, errSt := s.readBody(r)
	if errSt != nil {
		s.writeStatus(w, errSt)
		return
	}

	ctx, cancel, errSt := s.requestContext(r)
	if errSt != nil {
		s.writeStatus(w, errSt)
		return
	}
	defer cancel()

	res, err := s.router.Write(ctx, entity, payload)
	if err != nil {
		s.writeError(w, err)
		return
	}

	statusCode := http.StatusOK
	if res.Level == consistency.Weak {
		statusCode = http.StatusAccepted
	}
	s.writeJson(w, r, statusCode, writeResultJson(res))
}

func (s *DataApiServer) DeleteEntity(w http.ResponseWriter, r *http.Request) {
	entity, errSt := entityFromRequest(r)
	if errSt != nil {
		s.writeStatus(w, errSt)
		return
	}

	ctx, cancel, errSt := s.requestContext(r)
	if errSt != nil {
		s.writeStatus(w, errSt)
		return
	}
	defer cancel()

	res, err := s.router.Delete(ctx, entity)
	if err != nil {
		s.writeError(w, err)
		return
	}

	statusCode := http.StatusOK
	if res.Level == consistency.Weak {
		statusCode = http.StatusAccepted
	}
	s.writeJson(w, r, statusCode, writeResultJson(res))
}
