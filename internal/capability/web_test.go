package capability

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
)

const searchPage = `<html><body>
<div class="result results_links web-result">
  <a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fgo.dev%2Fdoc&amp;rut=x">The Go   Programming Language</a>
  <a class="result__snippet">Go is an open source <b>language</b>.</a>
</div>
<div class="result results_links web-result">
  <a class="result__a" href="https://pkg.go.dev">Go Packages</a>
  <a class="result__snippet">Discover packages.</a>
</div>
</body></html>`

const newsFeed = `<?xml version="1.0"?>
<rss><channel>
<item><title>Selic cai</title><link>https://news.example/1</link>
<description>&lt;a href="x"&gt;Copom reduz juros&lt;/a&gt;</description><source url="https://g1.globo.com">g1</source></item>
<item><title>Dolar sobe</title><link>https://news.example/2</link><description>alta</description><source>Valor</source></item>
</channel></rss>`

func newWebToolkit(t *testing.T, h http.Handler) (*Dispatcher, *Toolkit) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	tk := &Toolkit{
		Location: brt,
		Clock:    func() time.Time { return time.Date(2026, 3, 4, 10, 30, 0, 0, brt) },
		Endpoints: Endpoints{
			Search: srv.URL + "/html/",
			News:   srv.URL + "/rss/search",
			Reddit: srv.URL,
			Image:  srv.URL + "/prompt/",
			GitHub: srv.URL + "/gh",
		},
		GitHub:   GitHubConfig{Token: "tok", User: "iris"},
		ImageDir: t.TempDir(),
	}
	r := NewRegistry()
	require.NoError(t, tk.Register(r))
	return NewDispatcher(r, DispatcherConfig{ResultLimit: 5000}), tk
}

func TestSearchWeb(t *testing.T) {
	d, _ := newWebToolkit(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") == "nada" {
			io.WriteString(w, "<html></html>")
			return
		}
		assert.Equal(t, "golang", r.URL.Query().Get("q"))
		io.WriteString(w, searchPage)
	}))
	ctx := context.Background()

	out := d.Call(ctx, "buscar_web", map[string]any{"query": "golang"})
	assert.Equal(t, "- The Go Programming Language: Go is an open source language. (https://go.dev/doc)\n"+
		"- Go Packages: Discover packages. (https://pkg.go.dev)", out)

	out = d.Call(ctx, "buscar_web", map[string]any{"query": "golang", "max": 1})
	assert.NotContains(t, out, "pkg.go.dev")

	assert.Equal(t, "Nenhum resultado: nada", d.Call(ctx, "buscar_web", map[string]any{"query": "nada"}))
}

func TestSearchNews(t *testing.T) {
	d, _ := newWebToolkit(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "pt-BR", r.URL.Query().Get("hl"))
		assert.Equal(t, "BR:pt-419", r.URL.Query().Get("ceid"))
		io.WriteString(w, newsFeed)
	}))

	out := d.Call(context.Background(), "buscar_noticias", map[string]any{"query": "economia"})
	assert.Equal(t, "- [g1] Selic cai: Copom reduz juros (https://news.example/1)\n"+
		"- [Valor] Dolar sobe: alta (https://news.example/2)", out)
}

func TestReddit(t *testing.T) {
	d, _ := newWebToolkit(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/r/technology/hot.json":
			assert.Equal(t, "3", r.URL.Query().Get("limit"))
			io.WriteString(w, `{"data":{"children":[{"data":{"title":"New chip","score":1200}},{"data":{"title":"Rust 2.0","score":87}}]}}`)
		case "/r/vazio/hot.json":
			io.WriteString(w, `{"data":{"children":[]}}`)
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	ctx := context.Background()

	assert.Equal(t, "r/technology:\n[1200 pts] New chip\n[87 pts] Rust 2.0",
		d.Call(ctx, "reddit", map[string]any{"subreddit": "tech", "limit": 3}))
	assert.Equal(t, "Nenhum post.", d.Call(ctx, "reddit", map[string]any{"subreddit": "vazio"}))
	assert.Equal(t, "Reddit HTTP 403", d.Call(ctx, "reddit", map[string]any{"subreddit": "private"}))
}

func TestReadURLRejectsUnsafeTargets(t *testing.T) {
	d, _ := newWebToolkit(t, http.NotFoundHandler())
	ctx := context.Background()

	for _, u := range []string{
		"http://example.com",
		"https://localhost/admin",
		"https://127.0.0.1/",
		"https://10.0.0.8/",
		"https://[::1]/",
		"https://169.254.169.254/latest/meta-data",
	} {
		out := d.Call(ctx, "ler_url", map[string]any{"url": u})
		assert.True(t, strings.HasPrefix(out, "ERROR:"), u)
	}
}

func TestPageText(t *testing.T) {
	doc := `<html><head><style>p{}</style><script>var x</script></head><body>
<nav>menu</nav><h1>Titulo</h1><p>Primeiro   paragrafo.</p><div>Segundo</div><footer>rodape</footer></body></html>`
	parsed, err := html.Parse(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, "Titulo\nPrimeiro paragrafo.\nSegundo", pageText(parsed))
}

func TestGenerateImage(t *testing.T) {
	png := make([]byte, 2048)
	var calls []string
	d, tk := newWebToolkit(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.URL.RawQuery)
		if r.URL.Query().Get("model") == "flux" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "/prompt/um gato astronauta", r.URL.Path)
		w.Write(png)
	}))

	res := d.Dispatch(context.Background(), Call{Name: "gerar_imagem", Input: json.RawMessage(`{"prompt":"um gato astronauta"}`)})
	require.False(t, res.IsError, res.Text)
	require.NotNil(t, res.Artifact)
	assert.Equal(t, filepath.Join(tk.ImageDir, "img_20260304_103000.png"), res.Artifact.Path)
	assert.NotContains(t, res.Artifact.URL, "model=flux")
	require.Len(t, calls, 2)

	data, err := os.ReadFile(res.Artifact.Path)
	require.NoError(t, err)
	assert.Len(t, data, 2048)
}

func TestGenerateImageTooSmall(t *testing.T) {
	d, _ := newWebToolkit(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tiny"))
	}))
	res := d.Dispatch(context.Background(), Call{Name: "gerar_imagem", Input: json.RawMessage(`{"prompt":"x"}`)})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Text, "muito pequena")
	assert.Nil(t, res.Artifact)
}

func TestGitHub(t *testing.T) {
	var saved map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc("/gh/users/iris/repos", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "updated", r.URL.Query().Get("sort"))
		io.WriteString(w, `[{"name":"iris","private":true,"language":"Go","stargazers_count":3,"updated_at":"2026-03-01T10:00:00Z"},
			{"name":"notes","language":null,"stargazers_count":0,"updated_at":"2025-12-24T00:00:00Z"}]`)
	})
	mux.HandleFunc("/gh/repos/iris/iris/issues", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			io.WriteString(w, `{"number":42,"html_url":"https://github.com/iris/iris/issues/42"}`)
			return
		}
		io.WriteString(w, `[{"number":1,"state":"open","title":"Bug","labels":[{"name":"bug"},{"name":"p1"}]},
			{"number":2,"state":"open","title":"A PR","pull_request":{"url":"x"}}]`)
	})
	mux.HandleFunc("/gh/repos/other/lib/contents/README.md", func(w http.ResponseWriter, r *http.Request) {
		content := base64.StdEncoding.EncodeToString([]byte("# lib\nhello"))
		io.WriteString(w, `{"type":"file","name":"README.md","sha":"abc","encoding":"base64","content":"`+content[:8]+`\n`+content[8:]+`"}`)
	})
	mux.HandleFunc("/gh/repos/iris/iris/contents/docs", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"type":"file","name":"a.md","size":12},{"type":"dir","name":"img"}]`)
	})
	mux.HandleFunc("/gh/repos/iris/iris/contents/new.txt", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
			return
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&saved))
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"content":{"html_url":"https://github.com/iris/iris/blob/main/new.txt"}}`)
	})
	mux.HandleFunc("/gh/repos/iris/iris/commits", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"sha":"0123456789","commit":{"message":"fix scheduler","author":{"name":"Ana","date":"2026-03-02T12:00:00Z"}}}]`)
	})
	mux.HandleFunc("/gh/repos/iris/iris/pulls", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "closed", r.URL.Query().Get("state"))
		io.WriteString(w, `[]`)
	})
	mux.HandleFunc("/gh/users/iris/events", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"type":"PushEvent","repo":{"name":"iris/iris"},"created_at":"2026-03-02T12:34:56Z","payload":{"commits":[{"message":"wip"}]}},
			{"type":"WatchEvent","repo":{"name":"x/y"},"created_at":"2026-03-01T08:00:00Z"}]`)
	})
	mux.HandleFunc("/gh/repos/iris/missing", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
	})

	d, tk := newWebToolkit(t, mux)
	ctx := context.Background()

	assert.Equal(t, "- iris [PRIVADO] (Go, 3 stars, atualizado 2026-03-01)\n- notes (N/A, 0 stars, atualizado 2025-12-24)",
		d.Call(ctx, "github_repos", nil))
	assert.Equal(t, "#1 [open] Bug (bug, p1)", d.Call(ctx, "github_issues", map[string]any{"repo": "iris"}))
	assert.Equal(t, "Issue #42 criada: https://github.com/iris/iris/issues/42",
		d.Call(ctx, "github_criar_issue", map[string]any{"repo": "iris/iris", "title": "Novo"}))
	assert.Equal(t, "# lib\nhello", d.Call(ctx, "github_arquivo", map[string]any{"repo": "other/lib", "path": "README.md"}))
	assert.Equal(t, "[file] a.md (12b)\n[dir] img", d.Call(ctx, "github_arquivo", map[string]any{"repo": "iris", "path": "docs"}))

	assert.Equal(t, "Arquivo criado: new.txt\nhttps://github.com/iris/iris/blob/main/new.txt",
		d.Call(ctx, "github_salvar_arquivo", map[string]any{"repo": "iris", "path": "new.txt", "content": "oi"}))
	assert.Equal(t, "Update via IRIS", saved["message"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("oi")), saved["content"])
	assert.NotContains(t, saved, "sha")

	assert.Equal(t, "[0123456] 2026-03-02 - fix scheduler (Ana)", d.Call(ctx, "github_commits", map[string]any{"repo": "iris"}))
	assert.Equal(t, "Nenhum PR closed.", d.Call(ctx, "github_prs", map[string]any{"repo": "iris", "state": "closed"}))
	assert.Equal(t, "[2026-03-02 12:34] Push -> iris/iris: wip\n[2026-03-01 08:00] WatchEvent -> x/y",
		d.Call(ctx, "github_atividade", nil))

	assert.True(t, strings.HasPrefix(d.Call(ctx, "github_repo", map[string]any{"repo": "missing"}), "ERROR: HTTP 404"))

	tk.GitHub.Token = ""
	assert.Equal(t, "ERROR: GITHUB_TOKEN nao configurado", d.Call(ctx, "github_repos", nil))
}
