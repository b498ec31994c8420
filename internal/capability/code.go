package capability

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	maxFileChars   = 4000
	maxOutputChars = 3000
	maxListedFiles = 30
	pythonScratch  = "_run.py"
)

var blockedCommands = []string{"rm -rf /", "mkfs", "dd if=", ":(){ "}

func (t *Toolkit) codeCapabilities() []Capability {
	filename := Param{Name: "filename", Type: TypeString, Description: "caminho relativo ao workspace", Required: true}
	execTimeout := t.CodeTimeout + 5*time.Second
	return []Capability{
		{
			Name:        "criar_arquivo",
			Description: "Cria ou sobrescreve um arquivo no workspace.",
			Params:      []Param{filename, {Name: "content", Type: TypeString, Description: "conteudo", Required: true}},
			Func:        t.createFile,
		},
		{Name: "ler_arquivo", Description: "Le um arquivo do workspace.", Params: []Param{filename}, Func: t.readFile},
		{Name: "listar_workspace", Description: "Lista os arquivos do workspace.", Func: t.listWorkspace},
		{
			Name:        "executar_python",
			Description: "Executa codigo Python 3 no workspace e retorna stdout e stderr.",
			Params:      []Param{{Name: "code", Type: TypeString, Description: "codigo Python", Required: true}},
			Timeout:     execTimeout,
			Func:        t.runPython,
		},
		{
			Name:        "executar_bash",
			Description: "Executa um comando shell no workspace.",
			Params:      []Param{{Name: "command", Type: TypeString, Description: "comando", Required: true}},
			Timeout:     execTimeout,
			Func:        t.runBash,
		},
	}
}

// workspacePath resolves name inside the workspace, rejecting escapes.
func (t *Toolkit) workspacePath(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("nome de arquivo vazio")
	}
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("caminho absoluto nao permitido: %s", name)
	}
	root, err := filepath.Abs(t.WorkspaceDir)
	if err != nil {
		return "", err
	}
	p := filepath.Join(root, name)
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("caminho fora do workspace: %s", name)
	}
	return p, nil
}

func (t *Toolkit) createFile(_ context.Context, args Args) (string, error) {
	name := args.String("filename")
	p, err := t.workspacePath(name)
	if err != nil {
		return "", err
	}
	content := args.String("content")
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("OK: %s (%db)", strings.TrimSpace(name), len(content)), nil
}

func (t *Toolkit) readFile(_ context.Context, args Args) (string, error) {
	name := args.String("filename")
	p, err := t.workspacePath(name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return "Nao encontrado: " + strings.TrimSpace(name), nil
	}
	if err != nil {
		return "", err
	}
	return truncate(string(data), maxFileChars), nil
}

func (t *Toolkit) listWorkspace(_ context.Context, _ Args) (string, error) {
	var files []string
	err := filepath.WalkDir(t.WorkspaceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), "_") {
			return nil
		}
		rel, err := filepath.Rel(t.WorkspaceDir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "Vazio", nil
	}
	sort.Strings(files)
	if len(files) > maxListedFiles {
		files = files[:maxListedFiles]
	}
	return strings.Join(files, "\n"), nil
}

func (t *Toolkit) runPython(ctx context.Context, args Args) (string, error) {
	code := args.String("code")
	if strings.TrimSpace(code) == "" {
		return "", errors.New("codigo vazio")
	}
	if err := os.MkdirAll(t.WorkspaceDir, 0o755); err != nil {
		return "", err
	}
	script := filepath.Join(t.WorkspaceDir, pythonScratch)
	if err := os.WriteFile(script, []byte(code), 0o644); err != nil {
		return "", err
	}
	return t.runCommand(ctx, t.Python, pythonScratch)
}

func (t *Toolkit) runBash(ctx context.Context, args Args) (string, error) {
	command := args.String("command")
	if strings.TrimSpace(command) == "" {
		return "", errors.New("comando vazio")
	}
	for _, b := range blockedCommands {
		if strings.Contains(command, b) {
			return "", fmt.Errorf("comando bloqueado: contem %q", b)
		}
	}
	if err := os.MkdirAll(t.WorkspaceDir, 0o755); err != nil {
		return "", err
	}
	return t.runCommand(ctx, "bash", "-c", command)
}

// runCommand runs name in the workspace and returns stdout and stderr
// combined. A non-zero exit is not an error; its output is the result.
func (t *Toolkit) runCommand(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.CodeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = t.WorkspaceDir
	// Children that outlive the shell must not hold Wait open.
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("timeout after %s", t.CodeTimeout)
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return "", fmt.Errorf("run %s: %w", name, err)
	}

	out := strings.TrimSpace(stdout.String() + "\n" + stderr.String())
	if out == "" {
		out = "OK"
	}
	return truncate(out, maxOutputChars), nil
}
