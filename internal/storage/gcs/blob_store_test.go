package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

// newTestStore points a BlobStore at a test server speaking the JSON API.
func newTestStore(t *testing.T, handler http.Handler) *BlobStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "archive"}, nil)
	require.NoError(t, err)
	return store
}

func TestPutObjectUploadsWriteOnce(t *testing.T) {
	objectName := "items/chan-a/abc.json"
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/archive/o")
		assert.Equal(t, objectName, r.URL.Query().Get("name"))
		assert.Equal(t, "0", r.URL.Query().Get("ifGenerationMatch"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), `{"id":"abc"}`)
		assert.Contains(t, string(body), "application/json")

		fmt.Fprintln(w, `{"name": "`+objectName+`", "bucket": "archive"}`)
	})
	store := newTestStore(t, handler)

	uri, err := store.PutObject(context.Background(), objectName, "application/json", bytes.NewReader([]byte(`{"id":"abc"}`)))
	require.NoError(t, err)
	assert.Equal(t, "gs://archive/"+objectName, uri)
}

func TestPutObjectExistingObjectIsStored(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPreconditionFailed)
		fmt.Fprintln(w, `{"error": {"code": 412, "message": "conditionNotMet"}}`)
	})
	store := newTestStore(t, handler)

	uri, err := store.PutObject(context.Background(), "items/x.json", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	assert.Equal(t, "gs://archive/items/x.json", uri)
}

func TestPutObjectForbidden(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprintln(w, `{"error": {"code": 403, "message": "forbidden"}}`)
	})
	store := newTestStore(t, handler)

	_, err := store.PutObject(context.Background(), "items/x.json", "", bytes.NewReader([]byte(`{}`)))
	require.Error(t, err)
}

func TestPutObjectRequiresPath(t *testing.T) {
	store := newTestStore(t, http.NotFoundHandler())
	_, err := store.PutObject(context.Background(), " ", "", bytes.NewReader(nil))
	require.Error(t, err)
}

func TestCheckBucket(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/b/archive")
		fmt.Fprintln(w, `{"name": "archive"}`)
	}))
	require.NoError(t, store.CheckBucket(context.Background()))

	missing := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	require.Error(t, missing.CheckBucket(context.Background()))
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, Config{Bucket: "b"}, nil)
	require.Error(t, err)
	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	_, err = New(client, Config{}, nil)
	require.Error(t, err)
}
