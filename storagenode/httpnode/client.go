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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/couchbase/stellar-sharding/gateway/topology"
	"github.com/couchbase/stellar-sharding/storagenode"
	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type ClientOptions struct {
	BaseURL    string
	Username   string
	Password   string
	Compress   bool
	HTTPClient *http.Client
}

// Client is a storagenode.Node backed by a remote node's http api.
type Client struct {
	baseURL    string
	username   string
	password   string
	compress   bool
	httpClient *http.Client
}

var _ storagenode.Node = (*Client)(nil)

func NewClient(opts *ClientOptions) (*Client, error) {
	parsed, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid storage node url")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported storage node scheme %q", parsed.Scheme)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   30 * time.Second,
		}
	}

	return &Client{
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		username:   opts.Username,
		password:   opts.Password,
		compress:   opts.Compress,
		httpClient: httpClient,
	}, nil
}

func (c *Client) recordURL(shard topology.ShardID, entityType, entityID string) string {
	return fmt.Sprintf("%s/v1/shards/%s/records/%s/%s",
		c.baseURL,
		url.PathEscape(string(shard)),
		url.PathEscape(entityType),
		url.PathEscape(entityID))
}

func (c *Client) do(ctx context.Context, method, target string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := encodeBody(body, c.compress)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		if c.compress {
			req.Header.Set("Content-Encoding", encodingSnappy)
		}
	}
	if c.compress {
		req.Header.Set("Accept-Encoding", encodingSnappy)
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s", storagenode.ErrUnavailable, err)
	}

	return resp, nil
}

func (c *Client) decodeError(resp *http.Response) error {
	var st Status
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&st)

	switch resp.StatusCode {
	case http.StatusNotFound:
		return storagenode.ErrNotFound
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s", storagenode.ErrUnavailable, st.Message)
	}

	return fmt.Errorf("storage node returned status %d (code: %s): %s", resp.StatusCode, st.Code, st.Message)
}

func (c *Client) Write(ctx context.Context, shard topology.ShardID, rec *storagenode.Record) error {
	resp, err := c.do(ctx, http.MethodPut, c.recordURL(shard, rec.EntityType, rec.EntityID), rec)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return c.decodeError(resp)
	}

	return nil
}

func (c *Client) Read(ctx context.Context, shard topology.ShardID, entityType, entityID string) (*storagenode.Record, error) {
	resp, err := c.do(ctx, http.MethodGet, c.recordURL(shard, entityType, entityID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.decodeError(resp)
	}

	var rec storagenode.Record
	err = decodeBody(resp.Body, resp.Header.Get("Content-Encoding"), &rec)
	if err != nil {
		return nil, err
	}

	return &rec, nil
}

func (c *Client) Scan(ctx context.Context, shard topology.ShardID, filter *storagenode.ScanFilter) ([]*storagenode.Record, error) {
	if filter == nil {
		filter = &storagenode.ScanFilter{}
	}

	target := fmt.Sprintf("%s/v1/shards/%s/scan", c.baseURL, url.PathEscape(string(shard)))
	resp, err := c.do(ctx, http.MethodPost, target, filter)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.decodeError(resp)
	}

	var recs []*storagenode.Record
	err = decodeBody(resp.Body, resp.Header.Get("Content-Encoding"), &recs)
	if err != nil {
		return nil, err
	}

	return recs, nil
}

func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/v1/ping", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.decodeError(resp)
	}

	return nil
}
