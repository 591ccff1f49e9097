package azblob

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"streamingest/checkpoint"
)

type mockBlobAPI struct {
	mock.Mock
}

func (m *mockBlobAPI) Download(ctx context.Context, name string) ([]byte, *azcore.ETag, error) {
	args := m.Called(ctx, name)
	data, _ := args.Get(0).([]byte)
	etag, _ := args.Get(1).(*azcore.ETag)
	return data, etag, args.Error(2)
}

func (m *mockBlobAPI) Upload(ctx context.Context, name string, data []byte, etag *azcore.ETag) error {
	args := m.Called(ctx, name, data, etag)
	return args.Error(0)
}

var key = checkpoint.Key{Stream: "APIM-Logs", ConsumerGroup: "$Default", Partition: 0}

const blobPath = "ns.servicebus.windows.net/apim-logs/$default/checkpoint/0"

func TestStore_BlobNameLayout(t *testing.T) {
	s := NewStore(nil, "/ns.servicebus.windows.net/")
	assert.Equal(t, blobPath, s.blobName(key))

	s = NewStore(nil, "")
	assert.Equal(t, "apim-logs/$default/checkpoint/0", s.blobName(key))
}

func TestStore_LoadMissing(t *testing.T) {
	api := &mockBlobAPI{}
	api.On("Download", mock.Anything, blobPath).Return(nil, nil, errNotFound)
	s := NewStore(api, "ns.servicebus.windows.net")

	_, found, err := s.Load(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, found)
	api.AssertExpectations(t)
}

func TestStore_SaveFirstCheckpointRequiresAbsence(t *testing.T) {
	api := &mockBlobAPI{}
	api.On("Download", mock.Anything, blobPath).Return(nil, nil, errNotFound)
	api.On("Upload", mock.Anything, blobPath, []byte("42"), (*azcore.ETag)(nil)).Return(nil)
	s := NewStore(api, "ns.servicebus.windows.net")

	require.NoError(t, s.Save(context.Background(), key, 42))
	api.AssertExpectations(t)
}

func TestStore_SaveAdvancesWithETag(t *testing.T) {
	etag := azcore.ETag("0x8D")
	api := &mockBlobAPI{}
	api.On("Download", mock.Anything, blobPath).Return([]byte("41"), &etag, nil)
	api.On("Upload", mock.Anything, blobPath, []byte("42"), &etag).Return(nil)
	s := NewStore(api, "ns.servicebus.windows.net")

	require.NoError(t, s.Save(context.Background(), key, 42))
	api.AssertExpectations(t)
}

func TestStore_SaveAtOrBelowStoredIsNoop(t *testing.T) {
	etag := azcore.ETag("0x8D")
	api := &mockBlobAPI{}
	api.On("Download", mock.Anything, blobPath).Return([]byte("42\n"), &etag, nil)
	s := NewStore(api, "ns.servicebus.windows.net")

	require.NoError(t, s.Save(context.Background(), key, 42))
	require.NoError(t, s.Save(context.Background(), key, 7))
	api.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	off, found, err := s.Load(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(42), off)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"throttled", &azcore.ResponseError{StatusCode: http.StatusTooManyRequests}, true},
		{"server", &azcore.ResponseError{StatusCode: http.StatusServiceUnavailable}, true},
		{"etag race", &azcore.ResponseError{StatusCode: http.StatusPreconditionFailed}, true},
		{"forbidden", &azcore.ResponseError{StatusCode: http.StatusForbidden}, false},
		{"network", errors.New("dial tcp: connection reset"), true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classify("save", key, tc.err)
			var cerr *checkpoint.Error
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tc.retryable, cerr.Retryable)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestStore_UploadFailureClassified(t *testing.T) {
	api := &mockBlobAPI{}
	api.On("Download", mock.Anything, blobPath).Return(nil, nil, errNotFound)
	api.On("Upload", mock.Anything, blobPath, []byte("1"), (*azcore.ETag)(nil)).
		Return(&azcore.ResponseError{StatusCode: http.StatusInternalServerError})
	s := NewStore(api, "ns.servicebus.windows.net")

	err := s.Save(context.Background(), key, 1)
	var cerr *checkpoint.Error
	require.ErrorAs(t, err, &cerr)
	assert.True(t, cerr.Retryable)
}
