// Package webdav implements the transfer client for webdav and webdavs endpoints.
package webdav

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/scigateway/orchestrator/pkg/models"
	"github.com/scigateway/orchestrator/pkg/transfer"
)

const Scheme = "webdav"

const propfindBody = `<?xml version="1.0" encoding="utf-8"?>` +
	`<D:propfind xmlns:D="DAV:"><D:prop><D:resourcetype/><D:getcontentlength/><D:getlastmodified/></D:prop></D:propfind>`

type multistatus struct {
	Responses []response `xml:"response"`
}

type response struct {
	Href     string     `xml:"href"`
	Propstat []propstat `xml:"propstat"`
}

type propstat struct {
	Prop   prop   `xml:"prop"`
	Status string `xml:"status"`
}

type prop struct {
	ResourceType  resourceType `xml:"resourcetype"`
	ContentLength string       `xml:"getcontentlength"`
	LastModified  string       `xml:"getlastmodified"`
}

type resourceType struct {
	Collection *struct{} `xml:"collection"`
}

type Client struct {
	scheme   string
	baseURL  string
	basePath string
	client   *resty.Client
}

// Factory maps webdav to http and webdavs to https.
func Factory(_ context.Context, endpoint models.Endpoint, cred models.Credential) (transfer.Client, error) {
	httpScheme := "http"
	if strings.HasSuffix(endpoint.Scheme, "s") {
		httpScheme = "https"
	}

	host := endpoint.Host
	if endpoint.Port != 0 {
		host += ":" + strconv.Itoa(endpoint.Port)
	}

	basePath := strings.TrimSuffix(path.Clean("/"+endpoint.Root), "/")

	client := resty.New()
	if cred.AccessKey != "" {
		client.SetBasicAuth(cred.AccessKey, cred.Secret)
	}

	scheme := endpoint.Scheme
	if scheme == "" {
		scheme = Scheme
	}

	return &Client{
		scheme:   scheme,
		baseURL:  httpScheme + "://" + host,
		basePath: basePath,
		client:   client,
	}, nil
}

func (c *Client) full(p string) string {
	return c.basePath + path.Clean("/"+p)
}

func (c *Client) url(p string) string {
	return c.baseURL + (&url.URL{Path: c.full(p)}).EscapedPath()
}

func (c *Client) fail(op, p string, resp *resty.Response) error {
	if resp.StatusCode() == http.StatusNotFound {
		return transfer.Wrap(c.scheme, op, p, transfer.ErrNotExist)
	}

	return transfer.Wrap(c.scheme, op, p, fmt.Errorf("server returned %d", resp.StatusCode()))
}

func (c *Client) Read(ctx context.Context, p string) (io.ReadCloser, error) {
	resp, err := c.client.R().SetContext(ctx).SetDoNotParseResponse(true).Get(c.url(p))
	if err != nil {
		return nil, transfer.Wrap(c.scheme, "read", p, err)
	}

	if !resp.IsSuccess() {
		_ = resp.RawBody().Close()

		return nil, c.fail("read", p, resp)
	}

	return resp.RawBody(), nil
}

func (c *Client) Write(ctx context.Context, p string, r io.Reader) error {
	resp, err := c.client.R().SetContext(ctx).SetBody(r).Put(c.url(p))
	if err != nil {
		return transfer.Wrap(c.scheme, "write", p, err)
	}

	if !resp.IsSuccess() {
		return c.fail("write", p, resp)
	}

	return nil
}

func (c *Client) propfind(ctx context.Context, p, depth string) (*multistatus, *resty.Response, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Depth", depth).
		SetHeader("Content-Type", "application/xml").
		SetBody(propfindBody).
		Execute("PROPFIND", c.url(p))
	if err != nil {
		return nil, nil, err
	}

	if resp.StatusCode() != http.StatusMultiStatus {
		return nil, resp, nil
	}

	var ms multistatus

	err = xml.Unmarshal(resp.Body(), &ms)
	if err != nil {
		return nil, resp, fmt.Errorf("invalid multistatus response: %w", err)
	}

	return &ms, resp, nil
}

func (c *Client) List(ctx context.Context, p string) ([]transfer.Entry, error) {
	ms, resp, err := c.propfind(ctx, p, "1")
	if err != nil {
		return nil, transfer.Wrap(c.scheme, "list", p, err)
	}

	if ms == nil {
		return nil, c.fail("list", p, resp)
	}

	self := strings.TrimSuffix(c.full(p), "/")
	entries := make([]transfer.Entry, 0, len(ms.Responses))

	for _, r := range ms.Responses {
		href, err := url.PathUnescape(r.Href)
		if err != nil {
			href = r.Href
		}

		if u, err := url.Parse(href); err == nil && u.Path != "" {
			href = u.Path
		}

		href = strings.TrimSuffix(href, "/")
		if href == self || len(r.Propstat) == 0 {
			continue
		}

		props := r.Propstat[0].Prop
		size, _ := strconv.ParseInt(props.ContentLength, 10, 64)
		modTime, _ := time.Parse(http.TimeFormat, props.LastModified)
		name := path.Base(href)

		entries = append(entries, transfer.Entry{
			Name:    name,
			Path:    path.Join(p, name),
			Size:    size,
			IsDir:   props.ResourceType.Collection != nil,
			ModTime: modTime,
		})
	}

	return entries, nil
}

func (c *Client) Exists(ctx context.Context, p string) (bool, error) {
	ms, resp, err := c.propfind(ctx, p, "0")
	if err != nil {
		return false, transfer.Wrap(c.scheme, "exists", p, err)
	}

	if ms != nil {
		return true, nil
	}

	if resp.StatusCode() == http.StatusNotFound {
		return false, nil
	}

	return false, c.fail("exists", p, resp)
}

func (c *Client) IsDirectory(ctx context.Context, p string) (bool, error) {
	ms, resp, err := c.propfind(ctx, p, "0")
	if err != nil {
		return false, transfer.Wrap(c.scheme, "stat", p, err)
	}

	if ms == nil {
		return false, c.fail("stat", p, resp)
	}

	for _, r := range ms.Responses {
		for _, ps := range r.Propstat {
			if ps.Prop.ResourceType.Collection != nil {
				return true, nil
			}
		}
	}

	return false, nil
}

func (c *Client) Mkdir(ctx context.Context, p string) error {
	resp, err := c.client.R().SetContext(ctx).Execute("MKCOL", c.url(p))
	if err != nil {
		return transfer.Wrap(c.scheme, "mkdir", p, err)
	}

	if resp.StatusCode() != http.StatusCreated {
		return c.fail("mkdir", p, resp)
	}

	return nil
}

func (c *Client) relocate(ctx context.Context, method, src, dst string) error {
	op := strings.ToLower(method)

	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Destination", c.url(dst)).
		SetHeader("Overwrite", "T").
		Execute(method, c.url(src))
	if err != nil {
		return transfer.Wrap(c.scheme, op, src, err)
	}

	if !resp.IsSuccess() {
		return c.fail(op, src, resp)
	}

	return nil
}

func (c *Client) Move(ctx context.Context, src, dst string) error {
	return c.relocate(ctx, "MOVE", src, dst)
}

func (c *Client) Copy(ctx context.Context, src, dst string) error {
	return c.relocate(ctx, "COPY", src, dst)
}

func (c *Client) Delete(ctx context.Context, p string) error {
	resp, err := c.client.R().SetContext(ctx).Delete(c.url(p))
	if err != nil {
		return transfer.Wrap(c.scheme, "delete", p, err)
	}

	if !resp.IsSuccess() && resp.StatusCode() != http.StatusNotFound {
		return c.fail("delete", p, resp)
	}

	return nil
}

func (c *Client) Close() error {
	return nil
}
