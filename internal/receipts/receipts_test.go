package receipts

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "taxi_receipt__1_.pdf", SanitizeName("taxi receipt (1).pdf"))
	assert.Equal(t, "r_sum_.png", SanitizeName("résumé.png"))
	assert.Equal(t, "receipt", SanitizeName(""))
}

func TestObjectKey(t *testing.T) {
	at := time.UnixMilli(1704067200123)
	assert.Equal(t, "receipts/E1/1704067200123_lunch_bill.jpg", ObjectKey("E1", "lunch bill.jpg", at))
}

func TestMemoryStore(t *testing.T) {
	m := NewMemory("https://files.example.test/")
	m.now = func() time.Time { return time.UnixMilli(42) }

	url, err := m.Store(context.Background(), File{Name: "a b.pdf", Data: []byte("pdf")}, "E1")
	require.NoError(t, err)
	assert.Equal(t, "https://files.example.test/receipts/E1/42_a_b.pdf", url)

	obj, ok := m.Object("receipts/E1/42_a_b.pdf")
	require.True(t, ok)
	assert.Equal(t, "application/octet-stream", obj.ContentType)

	_, err = m.Store(context.Background(), File{Name: "empty"}, "E1")
	assert.ErrorIs(t, err, ErrInvalidFile)
	assert.Equal(t, 1, m.Len())
}

type fakePut struct {
	err   error
	input *s3.PutObjectInput
}

func (f *fakePut) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestS3StorePropagatesFailure(t *testing.T) {
	api := &fakePut{err: errors.New("access denied")}
	store := NewS3(api, "bucket", "")
	_, err := store.Store(context.Background(), File{Name: "x.png", Data: []byte{1}}, "E1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3 put failed")
}

func TestS3StoreAgainstEndpoint(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
		ctype  string
		body   []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		method, path, ctype = r.Method, r.URL.Path, r.Header.Get("Content-Type")
		body, _ = io.ReadAll(r.Body)
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store, err := NewS3FromConfig(context.Background(), S3Config{
		Bucket:        "claims",
		Region:        "us-east-1",
		Endpoint:      srv.URL,
		AccessKey:     "test",
		SecretKey:     "test",
		PublicBaseURL: "https://cdn.example.test",
	})
	require.NoError(t, err)
	store.now = func() time.Time { return time.UnixMilli(1000) }

	url, err := store.Store(context.Background(), File{Name: "hotel.pdf", ContentType: "application/pdf", Data: []byte("receipt-bytes")}, "E7")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.test/receipts/E7/1000_hotel.pdf", url)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/claims/receipts/E7/1000_hotel.pdf", path)
	assert.Equal(t, "application/pdf", ctype)
	assert.True(t, strings.Contains(string(body), "receipt-bytes"))
}
