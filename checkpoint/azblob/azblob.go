// Package azblob keeps checkpoints in Azure Blob Storage using the same
// layout as the Event Hubs SDK checkpoint store:
//
//	{prefix}/{stream}/{consumer group}/checkpoint/{partition}
//
// The blob body holds the decimal offset, mirrored in the "offset" metadata
// entry. Writes are conditional on the ETag read just before, so a stale
// writer cannot move the checkpoint backwards.
package azblob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"streamingest/checkpoint"
	"streamingest/internal/logging"
)

var errNotFound = errors.New("blob not found")

// BlobAPI is the slice of the container client the store needs.
type BlobAPI interface {
	// Download returns errNotFound when the blob does not exist.
	Download(ctx context.Context, name string) ([]byte, *azcore.ETag, error)
	// Upload writes data if the blob still has etag, or does not exist
	// when etag is nil.
	Upload(ctx context.Context, name string, data []byte, etag *azcore.ETag) error
}

type Store struct {
	api    BlobAPI
	prefix string
}

func NewStore(api BlobAPI, prefix string) *Store {
	return &Store{api: api, prefix: strings.Trim(prefix, "/")}
}

func (s *Store) blobName(k checkpoint.Key) string {
	name := fmt.Sprintf("%s/%s/checkpoint/%d", k.Stream, k.ConsumerGroup, k.Partition)
	if s.prefix != "" {
		name = s.prefix + "/" + name
	}
	return strings.ToLower(name)
}

func (s *Store) Load(ctx context.Context, k checkpoint.Key) (int64, bool, error) {
	off, _, found, err := s.read(ctx, k)
	return off, found, err
}

func (s *Store) Save(ctx context.Context, k checkpoint.Key, offset int64) error {
	cur, etag, found, err := s.read(ctx, k)
	if err != nil {
		return err
	}
	if found && cur >= offset {
		return nil
	}
	data := []byte(strconv.FormatInt(offset, 10))
	if err := s.api.Upload(ctx, s.blobName(k), data, etag); err != nil {
		return classify("save", k, err)
	}
	return nil
}

func (s *Store) Close() error { return nil }

func (s *Store) read(ctx context.Context, k checkpoint.Key) (int64, *azcore.ETag, bool, error) {
	data, etag, err := s.api.Download(ctx, s.blobName(k))
	if errors.Is(err, errNotFound) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, classify("load", k, err)
	}
	off, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, nil, false, &checkpoint.Error{Op: "load", Key: k, Err: fmt.Errorf("corrupt offset %q: %w", data, err)}
	}
	return off, etag, true, nil
}

func classify(op string, k checkpoint.Key, err error) error {
	// transport failures and timeouts carry no response and are retryable
	retryable := !errors.Is(err, context.Canceled)
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusTooManyRequests, http.StatusRequestTimeout,
			http.StatusPreconditionFailed, http.StatusConflict:
			retryable = true
		default:
			retryable = respErr.StatusCode >= 500
		}
	}
	return &checkpoint.Error{Op: op, Key: k, Retryable: retryable, Err: err}
}

/*──────── container-backed BlobAPI ───────*/

type containerAPI struct {
	c *container.Client
}

func (a containerAPI) Download(ctx context.Context, name string) ([]byte, *azcore.ETag, error) {
	resp, err := a.c.NewBlobClient(name).DownloadStream(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, nil, errNotFound
		}
		return nil, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return data, resp.ETag, nil
}

func (a containerAPI) Upload(ctx context.Context, name string, data []byte, etag *azcore.ETag) error {
	cond := &blob.ModifiedAccessConditions{}
	if etag != nil {
		cond.IfMatch = etag
	} else {
		none := azcore.ETagAny
		cond.IfNoneMatch = &none
	}
	offset := string(bytes.TrimSpace(data))
	_, err := a.c.NewBlockBlobClient(name).UploadBuffer(ctx, data, &blockblob.UploadBufferOptions{
		Metadata:         map[string]*string{"offset": &offset},
		AccessConditions: &blob.AccessConditions{ModifiedAccessConditions: cond},
	})
	return err
}

// NewContainerClient connects with a connection string when one is given,
// otherwise with the account URL and the token credential.
func NewContainerClient(c checkpoint.AzBlobConfig, cred azcore.TokenCredential) (*container.Client, error) {
	if c.Container == "" {
		return nil, errors.New("azblob checkpoint: container is required")
	}
	if c.ConnectionString != "" {
		client, err := azblob.NewClientFromConnectionString(c.ConnectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
		}
		return client.ServiceClient().NewContainerClient(c.Container), nil
	}
	if c.AccountURL == "" || cred == nil {
		return nil, errors.New("azblob checkpoint: connection_string or account_url with a credential is required")
	}
	client, err := azblob.NewClient(c.AccountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
	}
	return client.ServiceClient().NewContainerClient(c.Container), nil
}

func ensureContainer(ctx context.Context, c *container.Client) error {
	_, err := c.Create(ctx, nil)
	if err == nil || bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil
	}
	return err
}

func init() {
	checkpoint.Register("azblob", func(ctx context.Context, c checkpoint.Config, d checkpoint.Deps) (checkpoint.Store, error) {
		cc, err := NewContainerClient(c.AzBlob, d.Credential)
		if err != nil {
			return nil, err
		}
		if c.AzBlob.CreateContainer {
			if err := ensureContainer(ctx, cc); err != nil {
				return nil, fmt.Errorf("azblob checkpoint: create container: %w", err)
			}
			logging.L().Info("checkpoint container ready", "container", c.AzBlob.Container)
		}
		return NewStore(containerAPI{c: cc}, c.Prefix), nil
	})
}
