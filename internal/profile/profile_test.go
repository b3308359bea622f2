package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_NormalizesSets(t *testing.T) {
	p := New(Profile{
		Languages:    []string{"Go", "go", " python ", ""},
		Frameworks:   []string{"gRPC", "cobra"},
		Architecture: "weird",
		Complexity:   1.7,
		Dependencies: map[string]string{"a": "v1"},
	})

	assert.Equal(t, []string{"go", "python"}, p.Languages)
	assert.Equal(t, []string{"cobra", "grpc"}, p.Frameworks)
	assert.Equal(t, ArchUnknown, p.Architecture)
	assert.Equal(t, 1.0, p.Complexity)
	assert.False(t, p.AnalyzedAt.IsZero())
}

func TestNew_CopiesDependencies(t *testing.T) {
	deps := map[string]string{"a": "v1"}
	p := New(Profile{Dependencies: deps})
	deps["b"] = "v2"
	assert.False(t, p.HasDependency("b"))
	assert.True(t, p.HasDependency("a"))
}

func TestClone_IsDeep(t *testing.T) {
	p := New(Profile{Languages: []string{"go"}, Dependencies: map[string]string{"x": "1"}})
	c := p.Clone()
	c.Languages[0] = "rust"
	c.Dependencies["y"] = "2"

	assert.Equal(t, []string{"go"}, p.Languages)
	assert.False(t, p.HasDependency("y"))
	assert.Nil(t, (*Profile)(nil).Clone())
}

func TestHasLanguage_CaseInsensitive(t *testing.T) {
	p := New(Profile{Languages: []string{"go"}, Frameworks: []string{"react"}})
	assert.True(t, p.HasLanguage("Go"))
	assert.True(t, p.HasFramework("REACT"))
	assert.False(t, p.HasFramework("vue"))
}

func TestScale(t *testing.T) {
	tests := []struct {
		loc  int
		want Scale
	}{
		{0, ScaleSmall},
		{4_999, ScaleSmall},
		{5_000, ScaleMedium},
		{49_999, ScaleMedium},
		{50_000, ScaleLarge},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, (&Profile{LOC: tt.loc}).Scale(), "loc=%d", tt.loc)
	}
	assert.Equal(t, 1, ScaleMedium.Rank())
	assert.Equal(t, -1, Scale("huge").Rank())
}

func TestIsEmpty(t *testing.T) {
	assert.True(t, (*Profile)(nil).IsEmpty())
	assert.True(t, New(Profile{}).IsEmpty())
	assert.False(t, New(Profile{FileCount: 1}).IsEmpty())
}
