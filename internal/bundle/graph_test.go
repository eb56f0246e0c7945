package bundle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Norgate-AV/wasmbundle/internal/builderr"
	"github.com/Norgate-AV/wasmbundle/internal/loader"
)

const sampleMetafile = `{
  "inputs": {
    "static/index.js": {"bytes": 10, "imports": [
      {"path": "pkg/app.js", "kind": "import-statement"},
      {"path": "https://cdn.example/x.js", "kind": "import-statement", "external": true}
    ]},
    "pkg/app.js": {"bytes": 10, "imports": [{"path": "async-binary:/abs/pkg/app_bg.wasm", "kind": "import-statement"}]},
    "async-binary:/abs/pkg/app_bg.wasm": {"bytes": 10, "imports": [{"path": "pkg/app_bg.wasm", "kind": "import-statement"}]},
    "pkg/app_bg.wasm": {"bytes": 8, "imports": []},
    "static/unused.js": {"bytes": 1, "imports": []}
  },
  "outputs": {
    "dist/index.js": {"bytes": 100, "entryPoint": "static/index.js"}
  }
}`

func TestBuildNodes_Classification(t *testing.T) {
	m, err := parseMetafile(sampleMetafile)
	require.NoError(t, err)

	policy := loader.NewPolicy(loader.ExtensionClassifier(".wasm"))
	g := reachable(buildNodes(m, policy), "static/index.js")

	assert.Equal(t, []string{
		"async-binary:/abs/pkg/app_bg.wasm",
		"pkg/app.js",
		"pkg/app_bg.wasm",
		"static/index.js",
	}, g.Paths())

	assert.Equal(t, loader.JavaScript, g.Node("static/index.js").Kind)
	assert.Equal(t, loader.AsyncBinary, g.Node("pkg/app_bg.wasm").Kind)
	assert.Equal(t, loader.AsyncBinary, g.Node("async-binary:/abs/pkg/app_bg.wasm").Kind)
	assert.Equal(t, []string{"pkg/app.js"}, g.Node("static/index.js").Dependencies, "external imports are not graph edges")
	assert.NoError(t, checkAcyclic(g))
}

func TestCheckAcyclic(t *testing.T) {
	tests := []struct {
		name      string
		nodes     map[string][]string
		wantCycle bool
		wantPath  string
	}{
		{
			name:  "diamond is fine",
			nodes: map[string][]string{"a": {"b", "c"}, "b": {"d"}, "c": {"d"}, "d": nil},
		},
		{
			name:      "two node cycle",
			nodes:     map[string][]string{"a": {"b"}, "b": {"a"}},
			wantCycle: true,
		},
		{
			name:      "self import",
			nodes:     map[string][]string{"a": {"a"}},
			wantCycle: true,
		},
		{
			name:     "dangling dependency",
			nodes:    map[string][]string{"a": {"ghost"}},
			wantPath: "ghost",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &Graph{Entry: "a", Nodes: map[string]*Node{}}
			for p, deps := range tt.nodes {
				g.Nodes[p] = &Node{Path: p, Kind: loader.JavaScript, Dependencies: deps}
			}

			err := checkAcyclic(g)
			if !tt.wantCycle && tt.wantPath == "" {
				assert.NoError(t, err)
				return
			}

			var re *builderr.ResolutionError
			require.ErrorAs(t, err, &re)

			if tt.wantCycle {
				require.GreaterOrEqual(t, len(re.Cycle), 2)
				assert.Equal(t, re.Cycle[0], re.Cycle[len(re.Cycle)-1])
				assert.Contains(t, re.Error(), "module graph cycle")
			} else {
				assert.Equal(t, tt.wantPath, re.Path)
			}
		})
	}
}

func TestStripNamespace(t *testing.T) {
	assert.Equal(t, "/abs/x.wasm", stripNamespace("async-binary:/abs/x.wasm"))
	assert.Equal(t, "static/x.js", stripNamespace("static/x.js"))
	assert.Equal(t, `C:\x.wasm`, stripNamespace(`C:\x.wasm`))
}
