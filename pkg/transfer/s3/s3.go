// Package s3 implements the transfer client for S3 compatible object stores.
// Directories are key prefixes; Mkdir writes a zero byte "dir/" marker.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/scigateway/orchestrator/pkg/models"
	"github.com/scigateway/orchestrator/pkg/transfer"
)

const (
	Scheme = "s3"

	// PropertyEndpointURL points the client at a non AWS endpoint such as MinIO.
	PropertyEndpointURL = "endpoint_url"
	defaultRegion       = "us-east-1"
)

// API is the subset of the S3 client the adapter uses.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

type Client struct {
	api    API
	bucket string
	prefix string
}

func New(api API, bucket, root string) *Client {
	return &Client{
		api:    api,
		bucket: bucket,
		prefix: strings.Trim(root, "/"),
	}
}

// Factory builds an S3 client with static credentials: AccessKey and Secret are the key pair.
func Factory(ctx context.Context, endpoint models.Endpoint, cred models.Credential) (transfer.Client, error) {
	if endpoint.Bucket == "" {
		return nil, errors.New("s3 endpoint has no bucket")
	}

	region := endpoint.Region
	if region == "" {
		region = defaultRegion
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if cred.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.StaticCredentialsProvider{Value: aws.Credentials{
				AccessKeyID:     cred.AccessKey,
				SecretAccessKey: cred.Secret,
				SessionToken:    cred.Extra["session_token"],
			}},
		))
	}

	endpointURL := endpoint.Properties[PropertyEndpointURL]
	if endpointURL == "" && endpoint.Host != "" {
		endpointURL = "https://" + endpoint.Host
		if endpoint.Port != 0 {
			endpointURL += ":" + strconv.Itoa(endpoint.Port)
		}
	}

	if endpointURL != "" {
		opts = append(opts, config.WithEndpointResolverWithOptions(
			aws.EndpointResolverWithOptionsFunc(
				func(service, region string, options ...interface{}) (aws.Endpoint, error) {
					return aws.Endpoint{URL: endpointURL, HostnameImmutable: true}, nil
				},
			),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load s3 config: %w", err)
	}

	api := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.Region = region
		o.UsePathStyle = endpointURL != ""
	})

	return New(api, endpoint.Bucket, endpoint.Root), nil
}

// CreatesParents is true: object stores have no directories to create.
func (c *Client) CreatesParents() bool {
	return true
}

func (c *Client) key(p string) string {
	key := strings.TrimPrefix(path.Clean("/"+p), "/")
	if c.prefix == "" {
		return key
	}

	if key == "" {
		return c.prefix
	}

	return c.prefix + "/" + key
}

func (c *Client) dirPrefix(p string) string {
	key := c.key(p)
	if key == "" {
		return ""
	}

	return key + "/"
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}

	var noSuchKey *types.NoSuchKey

	return errors.As(err, &noSuchKey)
}

func wrap(op, p string, err error) error {
	if isNotFound(err) {
		err = errors.Join(transfer.ErrNotExist, err)
	}

	return transfer.Wrap(Scheme, op, p, err)
}

func (c *Client) Read(ctx context.Context, p string) (io.ReadCloser, error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(p)),
	})
	if err != nil {
		return nil, wrap("read", p, err)
	}

	return out.Body, nil
}

// Write buffers non seekable bodies so the payload can be signed.
func (c *Client) Write(ctx context.Context, p string, r io.Reader) error {
	body, ok := r.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(r)
		if err != nil {
			return wrap("write", p, err)
		}

		body = bytes.NewReader(data)
	}

	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(p)),
		Body:   body,
	})

	return wrap("write", p, err)
}

func (c *Client) List(ctx context.Context, p string) ([]transfer.Entry, error) {
	prefix := c.dirPrefix(p)

	var (
		entries []transfer.Entry
		token   *string
	)

	for {
		out, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(c.bucket),
			Prefix:            aws.String(prefix),
			Delimiter:         aws.String("/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, wrap("list", p, err)
		}

		for _, cp := range out.CommonPrefixes {
			name := path.Base(strings.TrimSuffix(aws.ToString(cp.Prefix), "/"))
			entries = append(entries, transfer.Entry{Name: name, Path: path.Join(p, name), IsDir: true})
		}

		for _, object := range out.Contents {
			key := aws.ToString(object.Key)
			if key == prefix {
				continue
			}

			name := path.Base(key)
			entries = append(entries, transfer.Entry{
				Name:    name,
				Path:    path.Join(p, name),
				Size:    object.Size,
				ModTime: aws.ToTime(object.LastModified),
			})
		}

		if !out.IsTruncated {
			return entries, nil
		}

		token = out.NextContinuationToken
	}
}

func (c *Client) Exists(ctx context.Context, p string) (bool, error) {
	_, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(p)),
	})
	if err == nil {
		return true, nil
	}

	if !isNotFound(err) {
		return false, wrap("exists", p, err)
	}

	return c.IsDirectory(ctx, p)
}

func (c *Client) IsDirectory(ctx context.Context, p string) (bool, error) {
	out, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(c.bucket),
		Prefix:  aws.String(c.dirPrefix(p)),
		MaxKeys: 1,
	})
	if err != nil {
		return false, wrap("stat", p, err)
	}

	return out.KeyCount > 0, nil
}

func (c *Client) Mkdir(ctx context.Context, p string) error {
	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.dirPrefix(p)),
		Body:   bytes.NewReader(nil),
	})

	return wrap("mkdir", p, err)
}

func (c *Client) Copy(ctx context.Context, src, dst string) error {
	_, err := c.api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(c.bucket),
		CopySource: aws.String(url.PathEscape(c.bucket) + "/" + (&url.URL{Path: c.key(src)}).EscapedPath()),
		Key:        aws.String(c.key(dst)),
	})

	return wrap("copy", src, err)
}

func (c *Client) Move(ctx context.Context, src, dst string) error {
	err := c.Copy(ctx, src, dst)
	if err != nil {
		return err
	}

	_, err = c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(src)),
	})

	return wrap("move", src, err)
}

// Delete removes the object at p and every object under the p/ prefix.
func (c *Client) Delete(ctx context.Context, p string) error {
	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.key(p)),
	})
	if err != nil && !isNotFound(err) {
		return wrap("delete", p, err)
	}

	var token *string

	for {
		out, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(c.bucket),
			Prefix:            aws.String(c.dirPrefix(p)),
			ContinuationToken: token,
		})
		if err != nil {
			return wrap("delete", p, err)
		}

		if len(out.Contents) > 0 {
			objects := make([]types.ObjectIdentifier, 0, len(out.Contents))
			for _, object := range out.Contents {
				objects = append(objects, types.ObjectIdentifier{Key: object.Key})
			}

			_, err = c.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(c.bucket),
				Delete: &types.Delete{Objects: objects, Quiet: true},
			})
			if err != nil {
				return wrap("delete", p, err)
			}
		}

		if !out.IsTruncated {
			return nil
		}

		token = out.NextContinuationToken
	}
}

func (c *Client) Close() error {
	return nil
}
