package server_v1

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/couchbase/stellar-sharding/gateway/rebalance"
	"github.com/couchbase/stellar-sharding/gateway/router"
	"github.com/couchbase/stellar-sharding/gateway/scatter"
	"github.com/couchbase/stellar-sharding/gateway/shardkey"
	"github.com/couchbase/stellar-sharding/gateway/topology"
	"go.uber.org/zap"
)

type ErrorCode string

const (
	ErrorCodeInvalidArgument   ErrorCode = "InvalidArgument"
	ErrorCodeUnresolvedKey     ErrorCode = "UnresolvedKey"
	ErrorCodeNotFound          ErrorCode = "NotFound"
	ErrorCodeQuorumUnreachable ErrorCode = "QuorumUnreachable"
	ErrorCodeIncompleteScatter ErrorCode = "IncompleteScatter"
	ErrorCodeStaleTopology     ErrorCode = "StaleTopology"
	ErrorCodeDeadlineExceeded  ErrorCode = "DeadlineExceeded"
	ErrorCodeConflict          ErrorCode = "Conflict"
	ErrorCodeShuttingDown      ErrorCode = "ShuttingDown"
	ErrorCodeInternal          ErrorCode = "Internal"
)

type StatusError struct {
	S Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s (status: %d, code: %s, resource: %s, consistency: %s, debug: %s)",
		e.S.Message,
		e.S.StatusCode,
		e.S.Code,
		e.S.Resource,
		e.S.Consistency,
		e.S.Debug)
}

// Status is the body of every error response.  Failures of routed
// operations always name the consistency guarantee which was not met.
type Status struct {
	StatusCode  int       `json:"-"`
	Code        ErrorCode `json:"code,omitempty"`
	Message     string    `json:"message,omitempty"`
	Resource    string    `json:"resource,omitempty"`
	Consistency string    `json:"consistency,omitempty"`
	Guarantee   string    `json:"guarantee,omitempty"`
	Shard       string    `json:"shard,omitempty"`
	Missing     []string  `json:"missingShards,omitempty"`
	Coverage    *float64  `json:"coverage,omitempty"`
	Debug       string    `json:"debug,omitempty"`
}

func (e Status) Err() error {
	return &StatusError{S: e}
}

type ErrorHandler struct {
	Logger *zap.Logger
	Debug  bool
}

func (e ErrorHandler) tryAttachExtraContext(st *Status, baseErr error) *Status {
	if baseErr == nil {
		return st
	}

	var opErr *router.OperationError
	if errors.As(baseErr, &opErr) {
		st.Consistency = opErr.Level.String()
		st.Guarantee = opErr.Level.Guarantee()
		st.Shard = string(opErr.Shard)
		st.Resource = opErr.EntityType + "/" + opErr.EntityID
	}

	var queryErr *scatter.QueryError
	if errors.As(baseErr, &queryErr) {
		st.Consistency = queryErr.Level.String()
		st.Guarantee = queryErr.Level.Guarantee()
		st.Resource = queryErr.EntityType
		for _, id := range queryErr.Missing {
			st.Missing = append(st.Missing, string(id))
		}
		coverage := queryErr.Coverage
		st.Coverage = &coverage
	}

	if e.Debug {
		st.Debug = baseErr.Error()
	}

	return st
}

func (e ErrorHandler) NewInvalidArgumentStatus(message string) *Status {
	return &Status{
		StatusCode: http.StatusBadRequest,
		Code:       ErrorCodeInvalidArgument,
		Message:    message,
	}
}

func (e ErrorHandler) NewInternalStatus() *Status {
	return &Status{
		StatusCode: http.StatusInternalServerError,
		Code:       ErrorCodeInternal,
		Message:    "An internal error occurred.",
	}
}

func (e ErrorHandler) NewShuttingDownStatus() *Status {
	return &Status{
		StatusCode: http.StatusServiceUnavailable,
		Code:       ErrorCodeShuttingDown,
		Message:    "The gateway is shutting down.",
	}
}

// NewGenericStatus maps a routing, query or rebalancing error onto a status.
func (e ErrorHandler) NewGenericStatus(err error) *Status {
	var st *Status

	switch {
	case errors.Is(err, shardkey.ErrUnresolvedKey):
		st = &Status{
			StatusCode: http.StatusBadRequest,
			Code:       ErrorCodeUnresolvedKey,
			Message:    err.Error(),
		}
	case errors.Is(err, router.ErrNotFound):
		st = &Status{
			StatusCode: http.StatusNotFound,
			Code:       ErrorCodeNotFound,
			Message:    "The entity could not be found.",
		}
	case errors.Is(err, rebalance.ErrInvalidMove):
		st = &Status{
			StatusCode: http.StatusBadRequest,
			Code:       ErrorCodeInvalidArgument,
			Message:    err.Error(),
		}
	case errors.Is(err, rebalance.ErrUnknownTask), errors.Is(err, topology.ErrUnknownShard):
		st = &Status{
			StatusCode: http.StatusNotFound,
			Code:       ErrorCodeNotFound,
			Message:    err.Error(),
		}
	case errors.Is(err, router.ErrQuorumUnreachable):
		st = &Status{
			StatusCode: http.StatusServiceUnavailable,
			Code:       ErrorCodeQuorumUnreachable,
			Message:    err.Error(),
		}
	case errors.Is(err, scatter.ErrIncompleteScatter):
		st = &Status{
			StatusCode: http.StatusServiceUnavailable,
			Code:       ErrorCodeIncompleteScatter,
			Message:    err.Error(),
		}
	case errors.Is(err, router.ErrStaleTopology):
		st = &Status{
			StatusCode: http.StatusConflict,
			Code:       ErrorCodeStaleTopology,
			Message:    err.Error(),
		}
	case errors.Is(err, router.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		st = &Status{
			StatusCode: http.StatusGatewayTimeout,
			Code:       ErrorCodeDeadlineExceeded,
			Message:    err.Error(),
		}
	case errors.Is(err, rebalance.ErrNothingToMove), errors.Is(err, topology.ErrVersionConflict):
		st = &Status{
			StatusCode: http.StatusConflict,
			Code:       ErrorCodeConflict,
			Message:    err.Error(),
		}
	case errors.Is(err, context.Canceled):
		// the client went away, nobody reads this
		return &Status{
			StatusCode: 499,
			Code:       ErrorCodeInternal,
			Message:    "The request was cancelled.",
		}
	default:
		e.Logger.Warn("unexpected error handling data api request", zap.Error(err))
		st = e.NewInternalStatus()
	}

	return e.tryAttachExtraContext(st, err)
}
