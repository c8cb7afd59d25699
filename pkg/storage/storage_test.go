package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docmesh/docmesh/pkg/common"
)

func TestMemory_PutGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ref, err := m.Put(ctx, "a.txt", []byte("hello"))
	require.NoError(t, err)
	require.NotEmpty(t, ref)

	// content addressing: same bytes, same reference
	ref2, err := m.Put(ctx, "b.txt", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, ref, ref2)

	content, err := m.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), content)

	_, err = m.Get(ctx, "unknown")
	assert.ErrorIs(t, err, common.ErrStorageUnavailable)
}

func TestMemory_GetReturnsCopy(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ref, err := m.Put(ctx, "a.txt", []byte("hello"))
	require.NoError(t, err)

	content, err := m.Get(ctx, ref)
	require.NoError(t, err)
	content[0] = 'X'

	again, err := m.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), again)
}

func TestHTTPNetwork_PutGet(t *testing.T) {
	objects := map[string][]byte{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/add":
			file, header, err := r.FormFile("file")
			require.NoError(t, err)
			defer file.Close()
			content, err := io.ReadAll(file)
			require.NoError(t, err)

			ref := fmt.Sprintf("Qm%s", header.Filename)
			objects[ref] = content
			_ = json.NewEncoder(w).Encode(map[string]string{"Hash": ref})
		case "/cat":
			content, ok := objects[r.URL.Query().Get("arg")]
			if !ok {
				http.Error(w, "not found", http.StatusInternalServerError)
				return
			}
			_, _ = w.Write(content)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	n, err := NewHTTPNetwork(server.URL, time.Second, slog.Default())
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := n.Put(ctx, "a.txt", []byte("stored bytes"))
	require.NoError(t, err)
	assert.Equal(t, "Qma.txt", ref)

	content, err := n.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("stored bytes"), content)

	_, err = n.Get(ctx, "missing")
	assert.ErrorIs(t, err, common.ErrStorageUnavailable)
}

func TestHTTPNetwork_PutRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"Hash": "QmOK"})
	}))
	defer server.Close()

	n, err := NewHTTPNetwork(server.URL, time.Second, slog.Default())
	require.NoError(t, err)

	ref, err := n.Put(context.Background(), "a.txt", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "QmOK", ref)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPNetwork_PutGivesUp(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	n, err := NewHTTPNetwork(server.URL, time.Second, slog.Default())
	require.NoError(t, err)

	_, err = n.Put(context.Background(), "a.txt", []byte("x"))
	assert.ErrorIs(t, err, common.ErrStorageUnavailable)
}
