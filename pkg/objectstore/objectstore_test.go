package objectstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3Server implements just enough of the S3 REST API (PUT/GET/HEAD
// on a single-level key) to exercise Store against a custom endpoint,
// the same way the pack points evalgo's uploaders at MinIO/Hetzner.
func fakeS3Server(t *testing.T) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	objects := make(map[string][]byte)

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		key := r.URL.Path
		switch r.Method {
		case http.MethodPut:
			body := make([]byte, r.ContentLength)
			_, _ = r.Body.Read(body)
			objects[key] = body
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			data, ok := objects[key]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(data)
		case http.MethodHead:
			if _, ok := objects[key]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
}

func newTestStore(t *testing.T) *Store {
	server := fakeS3Server(t)
	t.Cleanup(server.Close)

	store, err := New(context.Background(), Config{
		Endpoint:     server.URL,
		Region:       "us-east-1",
		AccessKey:    "test",
		SecretKey:    "test",
		Bucket:       "refinery-raw",
		UsePathStyle: true,
	})
	require.NoError(t, err)
	return store
}

func TestStore_PutAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	key := RawObjectKey("doc-123")
	body := []byte("<html><body>hello</body></html>")

	require.NoError(t, store.Put(ctx, key, body, "text/html"))

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestStore_Exists(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := RawObjectKey("doc-456")

	exists, err := store.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, store.Put(ctx, key, []byte("data"), "text/plain"))

	exists, err = store.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRawObjectKey(t *testing.T) {
	assert.Equal(t, "raw/abc-123", RawObjectKey("abc-123"))
}
