// Package client is a Go client for the daemon's administration API.
package client

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/url"

	"github.com/mike76-dev/smbrpc/api"
	"go.sia.tech/jape"
)

type Client struct {
	c jape.Client
}

func New(addr, password string) *Client {
	return &Client{jape.Client{
		BaseURL:  addr,
		Password: password,
	}}
}

func (c *Client) Status(ctx context.Context) (resp api.StatusResponse, err error) {
	err = c.c.WithContext(ctx).GET("/status", &resp)
	return
}

func (c *Client) Interfaces(ctx context.Context) (resp []api.InterfaceInfo, err error) {
	err = c.c.WithContext(ctx).GET("/interfaces", &resp)
	return
}

func (c *Client) Connections(ctx context.Context) (resp []api.ConnectionInfo, err error) {
	err = c.c.WithContext(ctx).GET("/connections", &resp)
	return
}

func (c *Client) Ban(ctx context.Context, host string) error {
	return c.c.WithContext(ctx).PUT(fmt.Sprintf("/bans/%s", url.PathEscape(host)), nil)
}

func (c *Client) Unban(ctx context.Context, host string) error {
	return c.c.WithContext(ctx).DELETE(fmt.Sprintf("/bans/%s", url.PathEscape(host)))
}

func (c *Client) Computers(ctx context.Context) (names []string, err error) {
	err = c.c.WithContext(ctx).GET("/schannel", &names)
	return
}

func (c *Client) PutSessionKey(ctx context.Context, computer string, key []byte) error {
	req := api.SessionKeyRequest{Key: hex.EncodeToString(key)}
	return c.c.WithContext(ctx).PUT(fmt.Sprintf("/schannel/%s", url.PathEscape(computer)), req)
}

func (c *Client) DeleteSessionKey(ctx context.Context, computer string) error {
	return c.c.WithContext(ctx).DELETE(fmt.Sprintf("/schannel/%s", url.PathEscape(computer)))
}
