package stub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"solana-token-tracker/internal/solana"
)

// RPCClient implements solana.RPCClient for testing.
type RPCClient struct {
	mu       sync.Mutex
	Accounts map[string]*solana.AccountInfo
	Results  map[string]interface{} // method -> result for Call
	Err      error                  // returned by every call when set
	Calls    []string
}

// NewRPCClient creates a new stub RPC client.
func NewRPCClient() *RPCClient {
	return &RPCClient{
		Accounts: make(map[string]*solana.AccountInfo),
		Results:  make(map[string]interface{}),
	}
}

func (c *RPCClient) record(call string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = append(c.Calls, call)
	return c.Err
}

// Call returns the configured result for method, round-tripped through JSON.
func (c *RPCClient) Call(_ context.Context, method string, _ interface{}, result interface{}) error {
	if err := c.record(method); err != nil {
		return err
	}
	v, ok := c.Results[method]
	if !ok {
		return fmt.Errorf("stub: no result for %s", method)
	}
	if result == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, result)
}

// GetAccountInfo returns the stored account or nil when unknown.
func (c *RPCClient) GetAccountInfo(_ context.Context, pubkey string) (*solana.AccountInfo, error) {
	if err := c.record("getAccountInfo:" + pubkey); err != nil {
		return nil, err
	}
	info, ok := c.Accounts[pubkey]
	if !ok {
		return nil, nil
	}
	cp := *info
	return &cp, nil
}

// AddAccount stores account data for pubkey.
func (c *RPCClient) AddAccount(pubkey string, info *solana.AccountInfo) {
	c.Accounts[pubkey] = info
}

// CallCount returns how many calls were made.
func (c *RPCClient) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Calls)
}

var _ solana.RPCClient = (*RPCClient)(nil)
