// Package http implements a read-only transfer client for http and https sources.
package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/scigateway/orchestrator/pkg/models"
	"github.com/scigateway/orchestrator/pkg/transfer"
)

const Scheme = "http"

type Client struct {
	scheme  string
	baseURL string
	client  *resty.Client
}

// Factory builds a client for the endpoint. A credential with an access key sends basic
// auth; a secret alone is sent as a bearer token.
func Factory(_ context.Context, endpoint models.Endpoint, cred models.Credential) (transfer.Client, error) {
	scheme := endpoint.Scheme
	if scheme == "" {
		scheme = Scheme
	}

	host := endpoint.Host
	if endpoint.Port != 0 {
		host += ":" + strconv.Itoa(endpoint.Port)
	}

	client := resty.New()

	switch {
	case cred.AccessKey != "":
		client.SetBasicAuth(cred.AccessKey, cred.Secret)
	case cred.Secret != "":
		client.SetAuthToken(cred.Secret)
	}

	return &Client{
		scheme:  scheme,
		baseURL: scheme + "://" + host + strings.TrimSuffix(endpoint.Root, "/"),
		client:  client,
	}, nil
}

func (c *Client) url(p string) string {
	return c.baseURL + "/" + strings.TrimPrefix(p, "/")
}

func (c *Client) Read(ctx context.Context, p string) (io.ReadCloser, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(c.url(p))
	if err != nil {
		return nil, transfer.Wrap(c.scheme, "read", p, err)
	}

	body := resp.RawBody()

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		_ = body.Close()

		return nil, transfer.Wrap(c.scheme, "read", p, transfer.ErrNotExist)
	case resp.StatusCode() >= http.StatusBadRequest:
		_ = body.Close()

		return nil, transfer.Wrap(c.scheme, "read", p, fmt.Errorf("server returned %d", resp.StatusCode()))
	}

	return body, nil
}

func (c *Client) Exists(ctx context.Context, p string) (bool, error) {
	resp, err := c.client.R().SetContext(ctx).Head(c.url(p))
	if err != nil {
		return false, transfer.Wrap(c.scheme, "exists", p, err)
	}

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return false, nil
	case resp.IsSuccess():
		return true, nil
	default:
		return false, transfer.Wrap(c.scheme, "exists", p, fmt.Errorf("server returned %d", resp.StatusCode()))
	}
}

// IsDirectory is always false: plain HTTP addresses documents.
func (c *Client) IsDirectory(context.Context, string) (bool, error) {
	return false, nil
}

func (c *Client) Write(context.Context, string, io.Reader) error {
	return transfer.Unsupported(c.scheme, "write")
}

func (c *Client) List(context.Context, string) ([]transfer.Entry, error) {
	return nil, transfer.Unsupported(c.scheme, "list")
}

func (c *Client) Mkdir(context.Context, string) error {
	return transfer.Unsupported(c.scheme, "mkdir")
}

func (c *Client) Move(context.Context, string, string) error {
	return transfer.Unsupported(c.scheme, "move")
}

func (c *Client) Copy(context.Context, string, string) error {
	return transfer.Unsupported(c.scheme, "copy")
}

func (c *Client) Delete(context.Context, string) error {
	return transfer.Unsupported(c.scheme, "delete")
}

func (c *Client) Close() error {
	return nil
}
