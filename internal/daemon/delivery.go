package daemon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/irislabs/iris/internal/capability"
	"github.com/irislabs/iris/pkg/channel"
)

const (
	// minArtifactBytes rejects placeholder and error payloads.
	minArtifactBytes = 500
	maxArtifactBytes = 20 << 20
)

// resolveArtifacts turns artifacts into attachments, in order. An artifact
// neither readable locally nor downloadable is appended to text as its URL,
// or as a short note when it has none.
func resolveArtifacts(ctx context.Context, client *http.Client, text string, artifacts []capability.Artifact) (string, []channel.Attachment) {
	var (
		attachments []channel.Attachment
		links       []string
	)
	for _, a := range artifacts {
		if att, ok := localAttachment(a.Path); ok {
			attachments = append(attachments, att)
			continue
		}
		if a.URL == "" {
			slog.Warn("artifact unavailable", "path", a.Path)
			links = append(links, "(imagem indisponivel: "+filepath.Base(a.Path)+")")
			continue
		}
		att, err := remoteAttachment(ctx, client, a.URL)
		if err != nil {
			slog.Warn("artifact download failed, sending link", "url", a.URL, "error", err)
			links = append(links, a.URL)
			continue
		}
		attachments = append(attachments, att)
	}

	if len(links) > 0 {
		text = strings.TrimSpace(text + "\n\n" + strings.Join(links, "\n"))
	}
	return text, attachments
}

func localAttachment(p string) (channel.Attachment, bool) {
	if p == "" {
		return channel.Attachment{}, false
	}
	info, err := os.Stat(p)
	if err != nil || info.IsDir() || info.Size() <= minArtifactBytes || info.Size() > maxArtifactBytes {
		return channel.Attachment{}, false
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return channel.Attachment{}, false
	}
	return channel.Attachment{
		Name:     filepath.Base(p),
		MimeType: http.DetectContentType(data),
		Data:     data,
	}, true
}

func remoteAttachment(ctx context.Context, client *http.Client, rawURL string) (channel.Attachment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return channel.Attachment{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return channel.Attachment{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return channel.Attachment{}, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactBytes))
	if err != nil {
		return channel.Attachment{}, err
	}
	if len(data) <= minArtifactBytes {
		return channel.Attachment{}, fmt.Errorf("artifact too small (%d bytes)", len(data))
	}

	name := path.Base(req.URL.Path)
	if name == "" || name == "/" || name == "." || !strings.Contains(name, ".") {
		name = "artifact"
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" || strings.HasPrefix(mime, "application/octet-stream") {
		mime = http.DetectContentType(data)
	}
	return channel.Attachment{Name: name, MimeType: mime, Data: data}, nil
}
