package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutObjectStoresCopy(t *testing.T) {
	t.Parallel()

	store := New()
	payload := []byte("<html>v1</html>")

	uri, err := store.PutObject(context.Background(), "pages/t-1/h.html", "text/html", payload)
	require.NoError(t, err)
	assert.Equal(t, "memory://pages/t-1/h.html", uri)

	payload[6] = 'X'
	got, ok := store.Get("pages/t-1/h.html")
	require.True(t, ok)
	assert.Equal(t, "<html>v1</html>", string(got))

	_, ok = store.Get("missing")
	assert.False(t, ok)
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := New().PutObject(context.Background(), "", "text/html", []byte("x"))
	assert.Error(t, err)
}
