// Package snapcast is a minimal JSON-RPC client for the multiroom transport
// server's loopback control endpoint. The core uses it to bind every group to
// the unified meta-stream when routing switches to multiroom, and to set
// per-client volume.
package snapcast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// DefaultURL is the transport's fixed loopback control endpoint.
const DefaultURL = "http://127.0.0.1:1780/jsonrpc"

// MetaStreamID is the unified stream every group is bound to in multiroom
// mode.
const MetaStreamID = "Multiroom"

// Client talks JSON-RPC 2.0 over HTTP to the transport server.
type Client struct {
	url  string
	http *http.Client
	seq  atomic.Uint64
}

// New creates a client for the given control URL ("" → DefaultURL).
func New(url string) *Client {
	if url == "" {
		url = DefaultURL
	}
	return &Client{
		url:  url,
		http: &http.Client{Timeout: 5 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.seq.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("transport rpc %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("transport rpc %s: http %d", method, resp.StatusCode)
	}

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("transport rpc %s: decode: %w", method, err)
	}
	if rr.Error != nil {
		return fmt.Errorf("transport rpc %s: %d %s", method, rr.Error.Code, rr.Error.Message)
	}
	if result != nil {
		return json.Unmarshal(rr.Result, result)
	}
	return nil
}

// Group is one synchronized playback group.
type Group struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	StreamID string     `json:"stream_id"`
	Muted    bool       `json:"muted"`
	Clients  []Endpoint `json:"clients"`
}

// Endpoint is one playback endpoint inside a group.
type Endpoint struct {
	ID        string `json:"id"`
	Connected bool   `json:"connected"`
	Host      struct {
		Name string `json:"name"`
	} `json:"host"`
	Config struct {
		Volume Volume `json:"volume"`
	} `json:"config"`
}

// Volume is the transport's percent-domain volume.
type Volume struct {
	Percent int  `json:"percent"`
	Muted   bool `json:"muted"`
}

type serverStatus struct {
	Server struct {
		Groups []Group `json:"groups"`
	} `json:"server"`
}

// Groups returns the server's current group list (Server.GetStatus).
func (c *Client) Groups(ctx context.Context) ([]Group, error) {
	var st serverStatus
	if err := c.call(ctx, "Server.GetStatus", nil, &st); err != nil {
		return nil, err
	}
	return st.Server.Groups, nil
}

// SetGroupStream binds a group to a stream (Group.SetStream).
func (c *Client) SetGroupStream(ctx context.Context, groupID, streamID string) error {
	params := map[string]string{"id": groupID, "stream_id": streamID}
	return c.call(ctx, "Group.SetStream", params, nil)
}

// BindAllGroups points every group at the unified meta-stream.
func (c *Client) BindAllGroups(ctx context.Context) error {
	groups, err := c.Groups(ctx)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if g.StreamID == MetaStreamID {
			continue
		}
		if err := c.SetGroupStream(ctx, g.ID, MetaStreamID); err != nil {
			return err
		}
	}
	return nil
}

// SetClientVolume sets one client's percent volume and mute flag
// (Client.SetVolume).
func (c *Client) SetClientVolume(ctx context.Context, clientID string, vol Volume) error {
	params := map[string]any{"id": clientID, "volume": vol}
	return c.call(ctx, "Client.SetVolume", params, nil)
}
