package kvstore

import (
	"fmt"
	"net/rpc"
)

// Client is the subprocess-side handle to a Store exposed over Serve. A
// worker that needs shared context dials the socket path passed to it
// through the FLOWCTL_KV_SOCK environment variable.
type Client struct {
	rpc *rpc.Client
}

// Dial connects to a Store previously exposed via Serve.
func Dial(socketPath string) (*Client, error) {
	c, err := rpc.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("kvstore: dial %s: %w", socketPath, err)
	}
	return &Client{rpc: c}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.rpc.Close() }

// Get blocks until key is present if the store is interactive, matching
// Store.Get's semantics from the caller's side of the socket.
func (c *Client) Get(key string) (any, bool, error) {
	var reply GetReply
	if err := c.rpc.Call("KV.Get", GetArgs{Key: key, AllowBlock: true}, &reply); err != nil {
		return nil, false, fmt.Errorf("kvstore: get %s: %w", key, err)
	}
	return reply.Value, reply.Found, nil
}

// GetDefault never blocks and never enqueues an interactive request.
func (c *Client) GetDefault(key string, def any) (any, error) {
	var reply GetReply
	args := GetArgs{Key: key, HasDefault: true, Default: def}
	if err := c.rpc.Call("KV.Get", args, &reply); err != nil {
		return nil, fmt.Errorf("kvstore: get-default %s: %w", key, err)
	}
	return reply.Value, nil
}

// Set stores value for key.
func (c *Client) Set(key string, value any) error {
	var ack Ack
	if err := c.rpc.Call("KV.Set", SetArgs{Key: key, Value: value}, &ack); err != nil {
		return fmt.Errorf("kvstore: set %s: %w", key, err)
	}
	return nil
}

// Contains reports whether key currently has a value.
func (c *Client) Contains(key string) (bool, error) {
	var found bool
	if err := c.rpc.Call("KV.Contains", key, &found); err != nil {
		return false, fmt.Errorf("kvstore: contains %s: %w", key, err)
	}
	return found, nil
}

// Delete removes key.
func (c *Client) Delete(key string) error {
	var ack Ack
	if err := c.rpc.Call("KV.Delete", key, &ack); err != nil {
		return fmt.Errorf("kvstore: delete %s: %w", key, err)
	}
	return nil
}

// Keys returns a snapshot of all currently-set keys.
func (c *Client) Keys() ([]string, error) {
	var keys []string
	if err := c.rpc.Call("KV.Keys", struct{}{}, &keys); err != nil {
		return nil, fmt.Errorf("kvstore: keys: %w", err)
	}
	return keys, nil
}
