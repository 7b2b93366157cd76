// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
)

// Client is the sandbox-side connection to a Server: one handshake,
// then any number of sequential request/response calls over the same
// framed connection. Calls are not safe for concurrent use from
// multiple goroutines — the agent runner serializes tool calls onto
// one Client per session.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
}

// Dial connects to the host's IPC socket at network/address and sends
// the session handshake. The agent runner calls this once at startup;
// the resulting Client is reused for every action call in the session.
func Dial(network, address, sessionID, agentID string) (*Client, error) {
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial: %w", err)
	}
	client := &Client{conn: conn, reader: bufio.NewReader(conn)}

	handshake, err := json.Marshal(sessionHandshake{SessionID: sessionID, AgentID: agentID})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ipc: marshaling handshake: %w", err)
	}
	if err := WriteRequest(client.conn, handshake); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ipc: sending handshake: %w", err)
	}
	return client, nil
}

// Call sends action with args (a struct or map marshaling to a JSON
// object) and returns the decoded response. args must not itself set
// an "action" field; Call injects it.
func (c *Client) Call(action Action, args any) (Response, error) {
	fieldsJSON, err := json.Marshal(args)
	if err != nil {
		return Response{}, fmt.Errorf("ipc: marshaling args: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(fieldsJSON, &fields); err != nil {
		return Response{}, fmt.Errorf("ipc: args must marshal to a JSON object: %w", err)
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	actionJSON, err := json.Marshal(action)
	if err != nil {
		return Response{}, fmt.Errorf("ipc: marshaling action: %w", err)
	}
	fields["action"] = actionJSON

	raw, err := json.Marshal(fields)
	if err != nil {
		return Response{}, fmt.Errorf("ipc: marshaling request: %w", err)
	}
	if err := WriteRequest(c.conn, raw); err != nil {
		return Response{}, fmt.Errorf("ipc: writing request: %w", err)
	}

	respBytes, err := ReadResponse(c.reader)
	if err != nil {
		return Response{}, fmt.Errorf("ipc: reading response: %w", err)
	}
	var wire struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &wire); err != nil {
		return Response{}, fmt.Errorf("ipc: parsing response: %w", err)
	}
	if !wire.OK {
		return Response{OK: false, Error: wire.Error}, nil
	}
	return Response{OK: true, Result: json.RawMessage(respBytes)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
