package catalog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/agentforge/internal/profile"
)

const sampleCatalog = `
version: "1"
templates:
  - id: frontend-react
    name: React
    variant: frontend
    rules:
      - kind: framework_in
        values: [react]
  - id: backend-go
    name: Go
    variant: backend
    capabilities: [go-services, code-generation]
    languages: [go]
    rules:
      - kind: language_in
        values: [go]
    base_priority: 10
    target_complexity: 0.4
    scales: [small]
    resources:
      max_artifact_bytes: 1024
      tools: [go]
    permissions: [read, write]
    owner: ${CATALOG_OWNER}
`

func TestDefault_LoadsAndValidates(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)
	assert.NotEmpty(t, c.Version())
	assert.Greater(t, c.Len(), 5)

	d, ok := c.Get("backend-go")
	require.True(t, ok)
	assert.Equal(t, VariantBackend, d.Variant)
	assert.True(t, d.Required())

	ids := make([]string, 0, c.Len())
	for _, tmpl := range c.Templates() {
		ids = append(ids, tmpl.ID)
		for _, perm := range tmpl.Permissions {
			assert.True(t, tmpl.Variant.Allows(perm), "%s requests %s outside its scope", tmpl.ID, perm)
		}
	}
	assert.IsNonDecreasing(t, ids)
}

func TestLoadBytes_UnknownFieldRejected(t *testing.T) {
	_, err := LoadBytes([]byte(sampleCatalog))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "owner")
}

func TestLoadBytes_SortsByID(t *testing.T) {
	src := strings.Replace(sampleCatalog, "    owner: ${CATALOG_OWNER}\n", "", 1)
	c, err := LoadBytes([]byte(src))
	require.NoError(t, err)
	tmpls := c.Templates()
	require.Len(t, tmpls, 2)
	assert.Equal(t, "backend-go", tmpls[0].ID)
	assert.Equal(t, "frontend-react", tmpls[1].ID)
}

func TestLoadBytes_ExpandsEnv(t *testing.T) {
	t.Setenv("CATALOG_DESC", "from env")
	src := `
version: "1"
templates:
  - id: docs
    name: Docs
    description: ${CATALOG_DESC}
    variant: docs
`
	c, err := LoadBytes([]byte(src))
	require.NoError(t, err)
	d, _ := c.Get("docs")
	assert.Equal(t, "from env", d.Description)
}

func TestNew_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		tmpls   []*Descriptor
		wantErr string
	}{
		{
			name:    "bad id",
			tmpls:   []*Descriptor{{ID: "Bad ID", Name: "x", Variant: VariantDocs}},
			wantErr: "invalid template id",
		},
		{
			name:    "unknown variant",
			tmpls:   []*Descriptor{{ID: "x", Name: "x", Variant: "mobile"}},
			wantErr: "unknown variant",
		},
		{
			name:    "duplicate",
			tmpls:   []*Descriptor{{ID: "x", Name: "x", Variant: VariantDocs}, {ID: "x", Name: "y", Variant: VariantDocs}},
			wantErr: "duplicate",
		},
		{
			name:    "unknown rule",
			tmpls:   []*Descriptor{{ID: "x", Name: "x", Variant: VariantDocs, Rules: []Rule{{Kind: "regex_match"}}}},
			wantErr: "unknown rule kind",
		},
		{
			name:    "unknown dependency",
			tmpls:   []*Descriptor{{ID: "x", Name: "x", Variant: VariantDocs, DependsOn: []string{"y"}}},
			wantErr: "unknown template",
		},
		{
			name:    "self dependency",
			tmpls:   []*Descriptor{{ID: "x", Name: "x", Variant: VariantDocs, DependsOn: []string{"x"}}},
			wantErr: "depends on itself",
		},
		{
			name:    "bad scale",
			tmpls:   []*Descriptor{{ID: "x", Name: "x", Variant: VariantDocs, Scales: []profile.Scale{"huge"}}},
			wantErr: "unknown scale",
		},
		{
			name:    "architecture rule",
			tmpls:   []*Descriptor{{ID: "x", Name: "x", Variant: VariantDocs, Rules: []Rule{{Kind: RuleArchitectureIs, Values: []string{"event-driven"}}}}},
			wantErr: "unknown architecture",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New("1", tt.tmpls)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRule_Holds(t *testing.T) {
	p := profile.New(profile.Profile{
		Languages:    []string{"go"},
		Frameworks:   []string{"grpc"},
		Architecture: profile.ArchModular,
		Complexity:   0.3,
		FileCount:    12,
		Dependencies: map[string]string{"google.golang.org/grpc": "v1.60.0"},
	})

	tests := []struct {
		rule Rule
		want bool
	}{
		{Rule{Kind: RuleLanguageIn, Values: []string{"Go"}}, true},
		{Rule{Kind: RuleLanguageIn, Values: []string{"python"}}, false},
		{Rule{Kind: RuleFrameworkIn, Values: []string{"react", "grpc"}}, true},
		{Rule{Kind: RuleArchitectureIs, Values: []string{"modular"}}, true},
		{Rule{Kind: RuleArchitectureIs, Values: []string{"monolith"}}, false},
		{Rule{Kind: RuleDependencyPresent, Values: []string{"google.golang.org/grpc"}}, true},
		{Rule{Kind: RuleComplexityAtLeast, Threshold: 0.3}, true},
		{Rule{Kind: RuleComplexityAtLeast, Threshold: 0.31}, false},
		{Rule{Kind: RuleComplexityAtMost, Threshold: 0.2}, false},
		{Rule{Kind: RuleMinFiles, Threshold: 12}, true},
		{Rule{Kind: RuleMinFiles, Threshold: 13}, false},
		{Rule{Kind: "bogus"}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.rule.Holds(p), "%s %v %v", tt.rule.Kind, tt.rule.Values, tt.rule.Threshold)
	}
}

func TestDescriptor_Capabilities(t *testing.T) {
	d := &Descriptor{Variant: VariantBackend, CapabilityTags: []string{"go-services", "code-generation"}}
	assert.Equal(t, []string{"code-generation", "api-design", "go-services"}, d.Capabilities())
}

func TestVariant_Scope(t *testing.T) {
	assert.True(t, VariantDevOps.Allows(PermDeploy))
	assert.False(t, VariantDocs.Allows(PermExec))
	assert.False(t, Variant("mobile").Valid())
	assert.Len(t, Variants(), 8)

	scope := VariantDocs.Scope()
	scope[0] = "mutated"
	assert.Equal(t, PermRead, VariantDocs.Scope()[0])
}

func TestIsExclusive(t *testing.T) {
	assert.True(t, IsExclusive("architecture-owner"))
	assert.False(t, IsExclusive("documentation"))
}
