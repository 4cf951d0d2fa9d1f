package storage

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tgchat/apiserver/config"
)

func TestStorage_MemoryRoundTrip(t *testing.T) {
	mem := NewMemoryStorage("audit")
	s := NewStorage(mem)
	ctx := context.Background()

	require.NoError(t, s.EnsureBucket(ctx))
	assert.Equal(t, "audit", s.Bucket())

	exists, err := s.Exists(ctx, "a/b.json")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, s.PutBytes(ctx, "a/b.json", []byte(`{"x":1}`), "application/json"))

	exists, err = s.Exists(ctx, "a/b.json")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, "application/json", mem.ContentType("a/b.json"))

	rc, err := s.Get(ctx, "a/b.json")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, `{"x":1}`, string(data))

	require.NoError(t, s.Delete(ctx, "a/b.json"))
	_, err = s.Get(ctx, "a/b.json")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestOpen_RejectsUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), config.Config{Backends: config.BackendsConfig{Storage: "ftp"}})
	assert.Error(t, err)
}

func TestOpen_MinioRequiresCredentials(t *testing.T) {
	cfg := config.Config{
		Backends: config.BackendsConfig{Storage: config.BackendMinio},
		Minio:    config.MinioConfig{Endpoint: "localhost:9000", Bucket: "b"},
	}
	_, err := Open(context.Background(), cfg)
	assert.ErrorContains(t, err, "access key")
}

func TestOpen_Memory(t *testing.T) {
	s, err := Open(context.Background(), config.Config{Backends: config.BackendsConfig{Storage: config.BackendMemory}})
	require.NoError(t, err)
	require.NoError(t, s.PutBytes(context.Background(), "k", []byte("v"), ""))

	exists, err := s.Exists(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, exists)
}
