package capability

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echo(ctx context.Context, args Args) (string, error) {
	return args.String("text"), nil
}

func TestRegistryRejectsDuplicatesAndBadSchemas(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Capability{Name: "echo", Func: echo}))

	assert.Error(t, r.Register(Capability{Name: "echo", Func: echo}))
	assert.Error(t, r.Register(Capability{Name: "", Func: echo}))
	assert.Error(t, r.Register(Capability{Name: "nofunc"}))
	assert.Error(t, r.Register(Capability{
		Name:   "badtype",
		Params: []Param{{Name: "x", Type: "array"}},
		Func:   echo,
	}))
	assert.Equal(t, 1, r.Len())
}

func TestDefinitionsAreSortedAndStable(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.Register(Capability{
			Name:        name,
			Description: name + " desc",
			Params: []Param{
				{Name: "q", Type: TypeString, Description: "query", Required: true},
				{Name: "n", Type: TypeInteger},
			},
			Func: echo,
		}))
	}

	defs := r.Definitions()
	require.Len(t, defs, 3)
	assert.Equal(t, "alpha", defs[0].Name)
	assert.Equal(t, "zeta", defs[2].Name)
	assert.Equal(t, []string{"q"}, defs[0].Required)
	assert.Equal(t, map[string]interface{}{"type": "string", "description": "query"}, defs[0].InputSchema["q"])
	assert.Equal(t, map[string]interface{}{"type": "integer"}, defs[0].InputSchema["n"])

	assert.Equal(t, defs, r.Definitions())
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.Names())
}

func TestBind(t *testing.T) {
	params := []Param{
		{Name: "s", Type: TypeString},
		{Name: "i", Type: TypeInteger},
		{Name: "f", Type: TypeNumber},
		{Name: "b", Type: TypeBoolean},
	}

	args, err := Bind(params, nil)
	require.NoError(t, err)
	assert.Equal(t, Args{"s": "", "i": int64(0), "f": float64(0), "b": false}, args)

	args, err = Bind(params, json.RawMessage(`{"s": 12, "i": "#7", "f": "2,5", "b": "true", "extra": 1}`))
	require.NoError(t, err)
	assert.Equal(t, "12", args.String("s"))
	assert.Equal(t, 7, args.Int("i"))
	assert.InDelta(t, 2.5, args.Float("f"), 1e-9)
	assert.True(t, args.Bool("b"))
	assert.NotContains(t, args, "extra")

	args, err = Bind(params, json.RawMessage(`{"i": 3.9, "s": null}`))
	require.NoError(t, err)
	assert.Equal(t, 3, args.Int("i"))
	assert.Equal(t, "", args.String("s"))

	_, err = Bind(params, json.RawMessage(`{"i": "many"}`))
	assert.ErrorContains(t, err, "argument i")

	_, err = Bind(params, json.RawMessage(`{not json`))
	assert.ErrorContains(t, err, "invalid arguments")
}

func TestArtifacts(t *testing.T) {
	text := "Pronto! " + FormatArtifact("/data/img.png", "https://img.example/1") + "\nsegunda " +
		FormatArtifact("/data/b.png", "https://img.example/2")

	a := ExtractArtifact(text)
	require.NotNil(t, a)
	assert.Equal(t, "/data/img.png", a.Path)
	assert.Equal(t, "https://img.example/1", a.URL)

	assert.Equal(t, "Pronto!\nsegunda", StripArtifacts(text))

	assert.Nil(t, ExtractArtifact("nothing here"))
	assert.Nil(t, ExtractArtifact("ARTIFACT_PATH= ARTIFACT_URL="))

	stray := "Veja ARTIFACT_URL=https://x.example/a\n\n\n\nfim ARTIFACT_PATH=/tmp/x"
	assert.Equal(t, "Veja\n\nfim", StripArtifacts(stray))
	assert.Equal(t, "texto normal", StripArtifacts("texto normal"))
}
