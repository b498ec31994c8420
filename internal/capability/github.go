package capability

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

var errNoGitHubToken = errors.New("GITHUB_TOKEN nao configurado")

// githubError is a non-2xx answer from the GitHub API.
type githubError struct {
	StatusCode int
	Body       string
}

func (e *githubError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, truncate(e.Body, 300))
}

func (t *Toolkit) githubCapabilities() []Capability {
	repo := Param{Name: "repo", Type: TypeString, Description: "repositorio (nome ou owner/nome)", Required: true}
	state := Param{Name: "state", Type: TypeString, Description: "open, closed ou all (padrao open)"}
	return []Capability{
		{
			Name:        "github_repos",
			Description: "Lista os repositorios de um usuario do GitHub, mais recentes primeiro.",
			Params:      []Param{{Name: "user", Type: TypeString, Description: "usuario (padrao: o configurado)"}},
			Func:        t.githubRepos,
		},
		{Name: "github_repo", Description: "Detalhes de um repositorio.", Params: []Param{repo}, Func: t.githubRepo},
		{Name: "github_issues", Description: "Lista issues de um repositorio.", Params: []Param{repo, state}, Func: t.githubIssues},
		{
			Name:        "github_criar_issue",
			Description: "Cria uma issue.",
			Params: []Param{
				repo,
				{Name: "title", Type: TypeString, Description: "titulo", Required: true},
				{Name: "body", Type: TypeString, Description: "descricao"},
			},
			Func: t.githubCreateIssue,
		},
		{
			Name:        "github_arquivo",
			Description: "Le um arquivo ou lista um diretorio de um repositorio.",
			Params:      []Param{repo, {Name: "path", Type: TypeString, Description: "caminho no repositorio"}},
			Func:        t.githubContents,
		},
		{
			Name:        "github_salvar_arquivo",
			Description: "Cria ou atualiza um arquivo em um repositorio (gera um commit).",
			Params: []Param{
				repo,
				{Name: "path", Type: TypeString, Description: "caminho no repositorio", Required: true},
				{Name: "content", Type: TypeString, Description: "conteudo completo do arquivo", Required: true},
				{Name: "message", Type: TypeString, Description: "mensagem do commit"},
			},
			Func: t.githubSaveFile,
		},
		{
			Name:        "github_commits",
			Description: "Lista commits recentes.",
			Params:      []Param{repo, {Name: "n", Type: TypeInteger, Description: "quantidade (padrao 10)"}},
			Func:        t.githubCommits,
		},
		{Name: "github_prs", Description: "Lista pull requests.", Params: []Param{repo, state}, Func: t.githubPRs},
		{Name: "github_atividade", Description: "Atividade recente do usuario configurado no GitHub.", Func: t.githubActivity},
	}
}

// ownerRepo splits "owner/name", defaulting the owner to the configured user.
func (t *Toolkit) ownerRepo(repo string) (string, string, error) {
	repo = strings.Trim(strings.TrimSpace(repo), "/")
	owner := t.GitHub.User
	if o, r, ok := strings.Cut(repo, "/"); ok {
		owner, repo = o, r
	}
	if owner == "" || repo == "" {
		return "", "", errors.New("repositorio deve ser owner/nome ou GITHUB_USER deve estar configurado")
	}
	return owner, repo, nil
}

// githubDo calls the REST API and decodes a JSON answer into out.
func (t *Toolkit) githubDo(ctx context.Context, method, endpoint string, payload, out any) error {
	if t.GitHub.Token == "" {
		return errNoGitHubToken
	}
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(t.Endpoints.GitHub, "/")+endpoint, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.GitHub.Token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("github request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &githubError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode github response: %w", err)
	}
	return nil
}

func githubState(s string) string {
	switch s = strings.ToLower(strings.TrimSpace(s)); s {
	case "open", "closed", "all":
		return s
	}
	return "open"
}

func (t *Toolkit) githubRepos(ctx context.Context, args Args) (string, error) {
	user := strings.TrimSpace(args.String("user"))
	if user == "" {
		user = t.GitHub.User
	}
	if user == "" {
		return "", errors.New("GITHUB_USER nao configurado")
	}
	var repos []struct {
		Name      string `json:"name"`
		Private   bool   `json:"private"`
		Language  string `json:"language"`
		Stars     int    `json:"stargazers_count"`
		UpdatedAt string `json:"updated_at"`
	}
	if err := t.githubDo(ctx, http.MethodGet, "/users/"+url.PathEscape(user)+"/repos?sort=updated&per_page=15", nil, &repos); err != nil {
		return "", err
	}
	if len(repos) == 0 {
		return "Nenhum repositorio.", nil
	}
	lines := make([]string, len(repos))
	for i, r := range repos {
		private := ""
		if r.Private {
			private = " [PRIVADO]"
		}
		lang := r.Language
		if lang == "" {
			lang = "N/A"
		}
		lines[i] = fmt.Sprintf("- %s%s (%s, %d stars, atualizado %s)", r.Name, private, lang, r.Stars, prefix(r.UpdatedAt, 10))
	}
	return strings.Join(lines, "\n"), nil
}

func (t *Toolkit) githubRepo(ctx context.Context, args Args) (string, error) {
	owner, name, err := t.ownerRepo(args.String("repo"))
	if err != nil {
		return "", err
	}
	var r struct {
		FullName    string `json:"full_name"`
		Description string `json:"description"`
		Language    string `json:"language"`
		Stars       int    `json:"stargazers_count"`
		Forks       int    `json:"forks_count"`
		OpenIssues  int    `json:"open_issues_count"`
		CreatedAt   string `json:"created_at"`
		UpdatedAt   string `json:"updated_at"`
		HTMLURL     string `json:"html_url"`
	}
	if err := t.githubDo(ctx, http.MethodGet, "/repos/"+owner+"/"+name, nil, &r); err != nil {
		return "", err
	}
	return fmt.Sprintf("Repo: %s\nDescricao: %s\nLinguagem: %s\nStars: %d | Forks: %d\nIssues abertas: %d\nCriado: %s\nAtualizado: %s\nURL: %s",
		r.FullName, orNA(r.Description), orNA(r.Language), r.Stars, r.Forks, r.OpenIssues,
		prefix(r.CreatedAt, 10), prefix(r.UpdatedAt, 10), r.HTMLURL), nil
}

func (t *Toolkit) githubIssues(ctx context.Context, args Args) (string, error) {
	owner, name, err := t.ownerRepo(args.String("repo"))
	if err != nil {
		return "", err
	}
	state := githubState(args.String("state"))
	var issues []struct {
		Number      int       `json:"number"`
		State       string    `json:"state"`
		Title       string    `json:"title"`
		PullRequest *struct{} `json:"pull_request"`
		Labels      []struct {
			Name string `json:"name"`
		} `json:"labels"`
	}
	if err := t.githubDo(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s/issues?state=%s&per_page=10", owner, name, state), nil, &issues); err != nil {
		return "", err
	}
	var lines []string
	for _, i := range issues {
		if i.PullRequest != nil {
			continue
		}
		line := fmt.Sprintf("#%d [%s] %s", i.Number, i.State, truncate(i.Title, 80))
		if len(i.Labels) > 0 {
			names := make([]string, len(i.Labels))
			for k, l := range i.Labels {
				names[k] = l.Name
			}
			line += " (" + strings.Join(names, ", ") + ")"
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return fmt.Sprintf("Nenhuma issue %s.", state), nil
	}
	return strings.Join(lines, "\n"), nil
}

func (t *Toolkit) githubCreateIssue(ctx context.Context, args Args) (string, error) {
	owner, name, err := t.ownerRepo(args.String("repo"))
	if err != nil {
		return "", err
	}
	title := strings.TrimSpace(args.String("title"))
	if title == "" {
		return "", errors.New("titulo da issue vazio")
	}
	var created struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
	}
	payload := map[string]string{"title": title, "body": args.String("body")}
	if err := t.githubDo(ctx, http.MethodPost, "/repos/"+owner+"/"+name+"/issues", payload, &created); err != nil {
		return "", err
	}
	return fmt.Sprintf("Issue #%d criada: %s", created.Number, created.HTMLURL), nil
}

type githubContent struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	Size     int    `json:"size"`
	SHA      string `json:"sha"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
	HTMLURL  string `json:"html_url"`
}

func contentsPath(owner, name, path string) string {
	return "/repos/" + owner + "/" + name + "/contents/" + strings.TrimLeft(path, "/")
}

func (t *Toolkit) githubContents(ctx context.Context, args Args) (string, error) {
	owner, name, err := t.ownerRepo(args.String("repo"))
	if err != nil {
		return "", err
	}
	var raw json.RawMessage
	if err := t.githubDo(ctx, http.MethodGet, contentsPath(owner, name, args.String("path")), nil, &raw); err != nil {
		return "", err
	}

	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		var items []githubContent
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return "", fmt.Errorf("decode directory: %w", err)
		}
		if len(items) > 30 {
			items = items[:30]
		}
		lines := make([]string, len(items))
		for i, it := range items {
			lines[i] = fmt.Sprintf("[%s] %s", it.Type, it.Name)
			if it.Type == "file" {
				lines[i] += fmt.Sprintf(" (%db)", it.Size)
			}
		}
		return strings.Join(lines, "\n"), nil
	}

	var file githubContent
	if err := json.Unmarshal(raw, &file); err != nil {
		return "", fmt.Errorf("decode file: %w", err)
	}
	if file.Encoding != "base64" {
		return truncate(file.Content, maxPageChars), nil
	}
	// GitHub wraps base64 content at 60 columns.
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(file.Content, "\n", ""))
	if err != nil {
		return "", fmt.Errorf("decode content: %w", err)
	}
	return truncate(strings.ToValidUTF8(string(decoded), "�"), maxPageChars), nil
}

func (t *Toolkit) githubSaveFile(ctx context.Context, args Args) (string, error) {
	owner, name, err := t.ownerRepo(args.String("repo"))
	if err != nil {
		return "", err
	}
	path := strings.TrimLeft(strings.TrimSpace(args.String("path")), "/")
	if path == "" {
		return "", errors.New("caminho vazio")
	}
	message := strings.TrimSpace(args.String("message"))
	if message == "" {
		message = "Update via IRIS"
	}

	// An existing file must be updated with its current sha.
	var existing githubContent
	err = t.githubDo(ctx, http.MethodGet, contentsPath(owner, name, path), nil, &existing)
	var ghErr *githubError
	if err != nil && !(errors.As(err, &ghErr) && ghErr.StatusCode == http.StatusNotFound) {
		return "", err
	}

	payload := map[string]string{
		"message": message,
		"content": base64.StdEncoding.EncodeToString([]byte(args.String("content"))),
	}
	if existing.SHA != "" {
		payload["sha"] = existing.SHA
	}
	var result struct {
		Content githubContent `json:"content"`
	}
	if err := t.githubDo(ctx, http.MethodPut, contentsPath(owner, name, path), payload, &result); err != nil {
		return "", err
	}
	action := "criado"
	if existing.SHA != "" {
		action = "atualizado"
	}
	return fmt.Sprintf("Arquivo %s: %s\n%s", action, path, result.Content.HTMLURL), nil
}

func (t *Toolkit) githubCommits(ctx context.Context, args Args) (string, error) {
	owner, name, err := t.ownerRepo(args.String("repo"))
	if err != nil {
		return "", err
	}
	n := args.Int("n")
	if n <= 0 || n > 30 {
		n = 10
	}
	var commits []struct {
		SHA    string `json:"sha"`
		Commit struct {
			Message string `json:"message"`
			Author  struct {
				Name string `json:"name"`
				Date string `json:"date"`
			} `json:"author"`
		} `json:"commit"`
	}
	if err := t.githubDo(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s/commits?per_page=%d", owner, name, n), nil, &commits); err != nil {
		return "", err
	}
	if len(commits) == 0 {
		return "Nenhum commit.", nil
	}
	lines := make([]string, len(commits))
	for i, c := range commits {
		lines[i] = fmt.Sprintf("[%s] %s - %s (%s)",
			prefix(c.SHA, 7), prefix(c.Commit.Author.Date, 10),
			truncate(c.Commit.Message, 80), truncate(c.Commit.Author.Name, 20))
	}
	return strings.Join(lines, "\n"), nil
}

func (t *Toolkit) githubPRs(ctx context.Context, args Args) (string, error) {
	owner, name, err := t.ownerRepo(args.String("repo"))
	if err != nil {
		return "", err
	}
	state := githubState(args.String("state"))
	var prs []struct {
		Number int    `json:"number"`
		State  string `json:"state"`
		Title  string `json:"title"`
		User   struct {
			Login string `json:"login"`
		} `json:"user"`
	}
	if err := t.githubDo(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s/pulls?state=%s&per_page=10", owner, name, state), nil, &prs); err != nil {
		return "", err
	}
	if len(prs) == 0 {
		return fmt.Sprintf("Nenhum PR %s.", state), nil
	}
	lines := make([]string, len(prs))
	for i, p := range prs {
		lines[i] = fmt.Sprintf("#%d [%s] %s (%s)", p.Number, p.State, truncate(p.Title, 80), p.User.Login)
	}
	return strings.Join(lines, "\n"), nil
}

type githubEvent struct {
	Type string `json:"type"`
	Repo struct {
		Name string `json:"name"`
	} `json:"repo"`
	CreatedAt string `json:"created_at"`
	Payload   struct {
		Action  string `json:"action"`
		RefType string `json:"ref_type"`
		Commits []struct {
			Message string `json:"message"`
		} `json:"commits"`
		Issue struct {
			Title string `json:"title"`
		} `json:"issue"`
		PullRequest struct {
			Title string `json:"title"`
		} `json:"pull_request"`
	} `json:"payload"`
}

func (e githubEvent) line() string {
	date := strings.Replace(prefix(e.CreatedAt, 16), "T", " ", 1)
	repo := e.Repo.Name
	switch e.Type {
	case "PushEvent":
		msg := ""
		if len(e.Payload.Commits) > 0 {
			msg = truncate(e.Payload.Commits[0].Message, 60)
		}
		return fmt.Sprintf("[%s] Push -> %s: %s", date, repo, msg)
	case "CreateEvent":
		return fmt.Sprintf("[%s] Create %s -> %s", date, e.Payload.RefType, repo)
	case "IssuesEvent":
		return fmt.Sprintf("[%s] Issue %s -> %s: %s", date, e.Payload.Action, repo, truncate(e.Payload.Issue.Title, 60))
	case "PullRequestEvent":
		return fmt.Sprintf("[%s] PR %s -> %s: %s", date, e.Payload.Action, repo, truncate(e.Payload.PullRequest.Title, 60))
	}
	return fmt.Sprintf("[%s] %s -> %s", date, e.Type, repo)
}

func (t *Toolkit) githubActivity(ctx context.Context, _ Args) (string, error) {
	if t.GitHub.User == "" {
		return "", errors.New("GITHUB_USER nao configurado")
	}
	var events []githubEvent
	if err := t.githubDo(ctx, http.MethodGet, "/users/"+url.PathEscape(t.GitHub.User)+"/events?per_page=15", nil, &events); err != nil {
		return "", err
	}
	if len(events) == 0 {
		return "Nenhuma atividade recente.", nil
	}
	lines := make([]string, len(events))
	for i, e := range events {
		lines[i] = e.line()
	}
	return strings.Join(lines, "\n"), nil
}

// prefix returns the first n bytes of an ASCII timestamp or hash.
func prefix(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
