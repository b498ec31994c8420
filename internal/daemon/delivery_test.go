package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irislabs/iris/internal/capability"
)

func pngBytes(n int) []byte {
	return append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, n)...)
}

func TestResolveArtifacts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/big.png":
			w.Header().Set("Content-Type", "image/png")
			w.Write(pngBytes(800))
		case "/tiny.png":
			w.Write([]byte("erro"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	local := filepath.Join(dir, "img_local.png")
	require.NoError(t, os.WriteFile(local, pngBytes(600), 0o644))
	small := filepath.Join(dir, "small.png")
	require.NoError(t, os.WriteFile(small, []byte("x"), 0o644))

	text, atts := resolveArtifacts(context.Background(), srv.Client(), "Pronto.", []capability.Artifact{
		{Path: local, URL: srv.URL + "/never-fetched"},
		{Path: small, URL: srv.URL + "/big.png"},
		{Path: filepath.Join(dir, "missing.png"), URL: srv.URL + "/tiny.png"},
		{URL: srv.URL + "/gone"},
		{Path: filepath.Join(dir, "missing.png")},
	})

	require.Len(t, atts, 2)
	assert.Equal(t, "img_local.png", atts[0].Name)
	assert.Equal(t, "image/png", atts[0].MimeType)
	assert.Len(t, atts[0].Data, 608)
	assert.Equal(t, "big.png", atts[1].Name)
	assert.Equal(t, "image/png", atts[1].MimeType)

	lines := strings.Split(text, "\n")
	assert.Equal(t, "Pronto.", lines[0])
	assert.Contains(t, text, srv.URL+"/tiny.png")
	assert.Contains(t, text, srv.URL+"/gone")
	assert.NotContains(t, text, "never-fetched")
	assert.Contains(t, text, "(imagem indisponivel: missing.png)")
}

func TestResolveArtifactsNone(t *testing.T) {
	text, atts := resolveArtifacts(context.Background(), http.DefaultClient, "so texto", nil)
	assert.Equal(t, "so texto", text)
	assert.Empty(t, atts)
}
