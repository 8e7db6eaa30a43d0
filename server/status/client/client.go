// Package client implements a client for the admin server status API.
package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	fspath "path"
	"time"

	"github.com/hearsay-io/hearsay/pkg/gossip"
)

type Client struct {
	httpClient *http.Client

	url *url.URL
}

func NewClient(url *url.URL) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: time.Second * 15,
		},
		url: url,
	}
}

func (c *Client) GossipMembers() ([]gossip.Member, error) {
	var members []gossip.Member
	if err := c.get("/status/gossip/members", &members); err != nil {
		return nil, err
	}
	return members, nil
}

func (c *Client) GossipMember(id string) (*gossip.Member, error) {
	var member gossip.Member
	if err := c.get("/status/gossip/members/"+id, &member); err != nil {
		return nil, err
	}
	return &member, nil
}

func (c *Client) GossipEntries() ([]gossip.Entry, error) {
	var entries []gossip.Entry
	if err := c.get("/status/gossip/entries", &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *Client) GossipVersionVector() (map[string]uint64, error) {
	var vv map[string]uint64
	if err := c.get("/status/gossip/version-vector", &vv); err != nil {
		return nil, err
	}
	return vv, nil
}

func (c *Client) GossipSyncPeers() ([]string, error) {
	var peers []string
	if err := c.get("/status/gossip/sync-peers", &peers); err != nil {
		return nil, err
	}
	return peers, nil
}

func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) get(path string, v interface{}) error {
	body, err := c.request(path)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := json.NewDecoder(body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) request(path string) (io.ReadCloser, error) {
	url := new(url.URL)
	*url = *c.url

	url.Path = fspath.Join(url.Path, path)

	req, err := http.NewRequest(http.MethodGet, url.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()

		return nil, fmt.Errorf("request: bad status: %d", resp.StatusCode)
	}

	return resp.Body, nil
}
