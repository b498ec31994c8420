package capability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

const (
	minImageBytes = 500
	maxImageBytes = 20 << 20
)

func (t *Toolkit) imageCapabilities() []Capability {
	return []Capability{
		{
			Name:        "gerar_imagem",
			Description: "Gera uma imagem a partir de uma descricao (de preferencia em ingles, detalhada).",
			Params:      []Param{{Name: "prompt", Type: TypeString, Description: "descricao da imagem", Required: true}},
			Timeout:     t.ImageTimeout,
			Func:        t.generateImage,
		},
	}
}

func (t *Toolkit) generateImage(ctx context.Context, args Args) (string, error) {
	prompt := strings.TrimSpace(args.String("prompt"))
	if prompt == "" {
		return "", errors.New("prompt vazio")
	}
	now := t.now()
	seed := now.Unix() % 999999
	base := fmt.Sprintf("%s%s?width=1024&height=1024&seed=%d",
		t.Endpoints.Image, url.PathEscape(prompt), seed)

	// Generation is slow; the capability timeout bounds it, not the shared
	// client's.
	client := &http.Client{Transport: t.HTTP.Transport}

	var failures []string
	for _, u := range []string{base + "&model=flux", base} {
		data, err := fetchImage(ctx, client, u)
		if err != nil {
			slog.Warn("image generation attempt failed", "error", err)
			failures = append(failures, err.Error())
			if ctx.Err() != nil {
				break
			}
			continue
		}

		if err := os.MkdirAll(t.ImageDir, 0o755); err != nil {
			return "", fmt.Errorf("create image dir: %w", err)
		}
		path := filepath.Join(t.ImageDir, "img_"+now.Format("20060102_150405")+".png")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return "", fmt.Errorf("save image: %w", err)
		}
		return fmt.Sprintf("Imagem gerada (%d bytes). %s", len(data), FormatArtifact(path, u)), nil
	}
	return "", fmt.Errorf("imagem nao gerada: %s", strings.Join(failures, "; "))
}

func fetchImage(ctx context.Context, client *http.Client, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if len(data) < minImageBytes {
		return nil, fmt.Errorf("imagem muito pequena (%d bytes)", len(data))
	}
	return data, nil
}
