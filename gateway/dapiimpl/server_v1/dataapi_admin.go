package server_v1

import (
	"net/http"

	"github.com/couchbase/stellar-sharding/gateway/rebalance"
	"github.com/couchbase/stellar-sharding/gateway/shardkey"
	"github.com/couchbase/stellar-sharding/gateway/topology"
)

type TopologyJson struct {
	*topology.Description
	Excluded []string `json:"excluded,omitempty"`
}

type MoveRequestJson struct {
	Keyspace    string  `json:"keyspace"`
	Start       uint64  `json:"start"`
	End         *uint64 `json:"end,omitempty"`
	Destination string  `json:"destination"`
}

type ShardRequestJson struct {
	ID       string   `json:"id"`
	Replicas []string `json:"replicas"`
}

type TasksJson struct {
	Tasks []*rebalance.Task `json:"tasks"`
}

func (s *DataApiServer) GetTopology(w http.ResponseWriter, r *http.Request) {
	s.writeJson(w, r, http.StatusOK, &TopologyJson{
		Description: s.topology.Current().Describe(),
		Excluded:    s.topology.Excluded(),
	})
}

func (s *DataApiServer) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.engine.Tasks()
	if tasks == nil {
		tasks = []*rebalance.Task{}
	}
	s.writeJson(w, r, http.StatusOK, &TasksJson{Tasks: tasks})
}

func (s *DataApiServer) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.engine.Task(pathVars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJson(w, r, http.StatusOK, task)
}

func (s *DataApiServer) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req MoveRequestJson
	if errSt := s.readJson(r, &req); errSt != nil {
		s.writeStatus(w, errSt)
		return
	}

	if req.Keyspace == "" || req.Destination == "" {
		s.writeStatus(w, s.errorHandler.NewInvalidArgumentStatus("A move must name a keyspace and a destination shard."))
		return
	}

	end := shardkey.MaxKey
	if req.End != nil {
		end = shardkey.Key(*req.End)
	}

	task, err := s.engine.Submit(&rebalance.MoveRequest{
		Keyspace:    req.Keyspace,
		Start:       shardkey.Key(req.Start),
		End:         end,
		Destination: topology.ShardID(req.Destination),
		Reason:      rebalance.ReasonManual,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Location", "/v1/rebalance/tasks/"+task.ID)
	s.writeJson(w, r, http.StatusAccepted, task)
}

func (s *DataApiServer) AddShard(w http.ResponseWriter, r *http.Request) {
	var req ShardRequestJson
	if errSt := s.readJson(r, &req); errSt != nil {
		s.writeStatus(w, errSt)
		return
	}

	if req.ID == "" || len(req.Replicas) == 0 {
		s.writeStatus(w, s.errorHandler.NewInvalidArgumentStatus("A shard needs an id and at least one replica."))
		return
	}

	tasks, err := s.engine.AddShard(&topology.Shard{
		ID:       topology.ShardID(req.ID),
		Replicas: req.Replicas,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	if tasks == nil {
		tasks = []*rebalance.Task{}
	}
	s.writeJson(w, r, http.StatusAccepted, &TasksJson{Tasks: tasks})
}

func (s *DataApiServer) RemoveShard(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.engine.RemoveShard(topology.ShardID(pathVars(r)["id"]))
	if err != nil {
		s.writeError(w, err)
		return
	}

	if tasks == nil {
		tasks = []*rebalance.Task{}
	}
	s.writeJson(w, r, http.StatusAccepted, &TasksJson{Tasks: tasks})
}

func (s *DataApiServer) GetReplicaHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJson(w, r, http.StatusOK, s.health.Replicas())
}
