package server_v1

import (
	"net/http"

	"github.com/couchbase/stellar-sharding/gateway/scatter"
	"github.com/couchbase/stellar-sharding/gateway/shardkey"
)

type QueryRequestJson struct {
	EntityType  string   `json:"entityType"`
	Category    string   `json:"category,omitempty"`
	IDs         []string `json:"ids,omitempty"`
	Categories  []string `json:"categories,omitempty"`
	TimeFrom    string   `json:"timeFrom,omitempty"`
	TimeTo      string   `json:"timeTo,omitempty"`
	Limit       int      `json:"limit,omitempty"`
	MinCoverage float64  `json:"minCoverage,omitempty"`
}

type QueryResultJson struct {
	Records         []*RecordJson `json:"records"`
	Consistency     string        `json:"consistency"`
	TopologyVersion uint64        `json:"topologyVersion"`
	Shards          []string      `json:"shards"`
	MissingShards   []string      `json:"missingShards,omitempty"`
	Coverage        float64       `json:"coverage"`
	Partial         bool          `json:"partial"`
}

func (s *DataApiServer) Query(w http.ResponseWriter, r *http.Request) {
	var req QueryRequestJson
	if errSt := s.readJson(r, &req); errSt != nil {
		s.writeStatus(w, errSt)
		return
	}

	if req.EntityType == "" {
		s.writeStatus(w, s.errorHandler.NewInvalidArgumentStatus("A query must name an entity type."))
		return
	}
	if req.Limit < 0 {
		s.writeStatus(w, s.errorHandler.NewInvalidArgumentStatus("The limit must not be negative."))
		return
	}
	if req.MinCoverage < 0 || req.MinCoverage > 1 {
		s.writeStatus(w, s.errorHandler.NewInvalidArgumentStatus("The minimum coverage must be within [0, 1]."))
		return
	}

	timeFrom, errSt := parseTime(req.TimeFrom)
	if errSt != nil {
		s.writeStatus(w, errSt)
		return
	}
	timeTo, errSt := parseTime(req.TimeTo)
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

	res, err := s.coordinator.ScatterGather(ctx, &scatter.Query{
		EntityType: req.EntityType,
		Category:   req.Category,
		Predicate: shardkey.Predicate{
			IDs:        req.IDs,
			Categories: req.Categories,
			TimeFrom:   timeFrom,
			TimeTo:     timeTo,
		},
		Limit:       req.Limit,
		MinCoverage: req.MinCoverage,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := &QueryResultJson{
		Records:         make([]*RecordJson, 0, len(res.Records)),
		Consistency:     res.Level.String(),
		TopologyVersion: uint64(res.Version),
		Shards:          make([]string, 0, len(res.Shards)),
		Coverage:        res.Coverage,
		Partial:         res.Partial,
	}
	for _, rec := range res.Records {
		out.Records = append(out.Records, recordToJson(rec))
	}
	for _, id := range res.Shards {
		out.Shards = append(out.Shards, string(id))
	}
	for _, id := range res.Missing {
		out.MissingShards = append(out.MissingShards, string(id))
	}

	if res.Partial {
		w.Header().Set("X-Partial-Result", "true")
	}
	s.writeJson(w, r, http.StatusOK, out)
}
