package capability

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCodeDispatcher(t *testing.T) (*Dispatcher, string) {
	t.Helper()
	dir := t.TempDir()
	tk := &Toolkit{WorkspaceDir: dir, CodeTimeout: 2 * time.Second}
	r := NewRegistry()
	require.NoError(t, tk.Register(r))
	return NewDispatcher(r, DispatcherConfig{}), dir
}

func TestWorkspaceFiles(t *testing.T) {
	d, dir := newCodeDispatcher(t)
	ctx := context.Background()

	assert.Equal(t, "Vazio", d.Call(ctx, "listar_workspace", nil))
	assert.Equal(t, "OK: src/main.py (11b)", d.Call(ctx, "criar_arquivo", map[string]any{"filename": "src/main.py", "content": "print('oi')"}))
	assert.Equal(t, "print('oi')", d.Call(ctx, "ler_arquivo", map[string]any{"filename": "src/main.py"}))
	assert.Equal(t, "Nao encontrado: nada.txt", d.Call(ctx, "ler_arquivo", map[string]any{"filename": "nada.txt"}))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "_scratch.py"), []byte("x"), 0o644))
	assert.Equal(t, "src/main.py", d.Call(ctx, "listar_workspace", nil))

	for _, bad := range []string{"../escape.txt", "/etc/passwd", "a/../../b"} {
		out := d.Call(ctx, "criar_arquivo", map[string]any{"filename": bad, "content": "x"})
		assert.True(t, strings.HasPrefix(out, "ERROR:"), bad)
	}
	_, err := os.Stat(filepath.Join(filepath.Dir(dir), "escape.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunBash(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	d, dir := newCodeDispatcher(t)
	ctx := context.Background()

	assert.Equal(t, "hello", d.Call(ctx, "executar_bash", map[string]any{"command": "echo hello"}))
	assert.Equal(t, "OK", d.Call(ctx, "executar_bash", map[string]any{"command": "true"}))
	assert.Equal(t, "out\n\nerr", d.Call(ctx, "executar_bash", map[string]any{"command": "echo out; echo err >&2; exit 3"}))

	d.Call(ctx, "executar_bash", map[string]any{"command": "touch created_here"})
	_, err := os.Stat(filepath.Join(dir, "created_here"))
	assert.NoError(t, err)

	for _, cmd := range []string{"rm -rf / --no-preserve-root", "mkfs.ext4 /dev/sda", "dd if=/dev/zero of=x", ":(){ :|:& };:"} {
		out := d.Call(ctx, "executar_bash", map[string]any{"command": cmd})
		assert.True(t, strings.HasPrefix(out, "ERROR: comando bloqueado"), cmd)
	}

	out := d.Call(ctx, "executar_bash", map[string]any{"command": "sleep 10"})
	assert.Equal(t, "ERROR: timeout after 2s", out)
}

func TestRunPython(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	d, dir := newCodeDispatcher(t)

	out := d.Call(context.Background(), "executar_python", map[string]any{"code": "print(sum(range(5)))"})
	assert.Equal(t, "10", out)
	_, err := os.Stat(filepath.Join(dir, "_run.py"))
	assert.NoError(t, err)
}
