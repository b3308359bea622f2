package profile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/p-blackswan/agentforge/internal/errors"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestFileSystemAnalyzer_GoProject(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "go.mod", `module example.com/svc

go 1.22

require (
	google.golang.org/grpc v1.60.0
	github.com/rs/zerolog v1.32.0 // indirect
)
`)
	writeFile(t, root, "main.go", "package main\n\nfunc main() {}\n")
	writeFile(t, root, "internal/server/server.go", "package server\n")
	writeFile(t, root, "vendor/dep/dep.go", "package dep\n")

	a := NewFileSystemAnalyzer(zerolog.Nop())
	p, err := a.Analyze(context.Background(), root)
	require.NoError(t, err)

	assert.Equal(t, []string{"go"}, p.Languages)
	assert.Equal(t, []string{"grpc"}, p.Frameworks)
	assert.Equal(t, ArchModular, p.Architecture)
	assert.Equal(t, 2, p.FileCount, "vendor is excluded")
	assert.Equal(t, 4, p.LOC)
	assert.Equal(t, "v1.60.0", p.Dependencies["google.golang.org/grpc"])
	assert.GreaterOrEqual(t, p.Complexity, 0.0)
	assert.LessOrEqual(t, p.Complexity, 1.0)
}

func TestFileSystemAnalyzer_NodeMicroservices(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "package.json", `{"dependencies":{"react":"^18.0.0"},"devDependencies":{"express":"4"}}`)
	writeFile(t, root, "web/app.tsx", "export const App = () => null\n")
	writeFile(t, root, "services/api/package.json", "{}")
	writeFile(t, root, "services/worker/Dockerfile", "FROM scratch\n")
	writeFile(t, root, "services/api/index.js", "module.exports = {}\n")

	p, err := NewFileSystemAnalyzer(zerolog.Nop()).Analyze(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, []string{"javascript", "typescript"}, p.Languages)
	assert.Equal(t, []string{"express", "react"}, p.Frameworks)
	assert.Equal(t, ArchMicroservices, p.Architecture)
}

func TestFileSystemAnalyzer_PythonRequirements(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "requirements.txt", "# deps\nDjango==4.2\npytest>=7\n")
	writeFile(t, root, "app.py", "print('hi')\n")

	p, err := NewFileSystemAnalyzer(zerolog.Nop()).Analyze(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, []string{"django", "pytest"}, p.Frameworks)
	assert.Equal(t, "4.2", p.Dependencies["django"])
	assert.Equal(t, ArchMonolith, p.Architecture)
}

func TestFileSystemAnalyzer_EmptyProject(t *testing.T) {
	_, err := NewFileSystemAnalyzer(zerolog.Nop()).Analyze(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ferrors.ErrEmptyProfile)
	assert.Equal(t, ferrors.KindAnalysis, ferrors.KindOf(err))
}

func TestFileSystemAnalyzer_MissingPath(t *testing.T) {
	_, err := NewFileSystemAnalyzer(zerolog.Nop()).Analyze(context.Background(), filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, ferrors.KindAnalysis, ferrors.KindOf(err))
}

func TestFileSystemAnalyzer_FileNotDir(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main\n")
	_, err := NewFileSystemAnalyzer(zerolog.Nop()).Analyze(context.Background(), filepath.Join(root, "main.go"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a directory")
}

func TestAnalyzerFunc(t *testing.T) {
	var a Analyzer = AnalyzerFunc(func(ctx context.Context, root string) (*Profile, error) {
		return New(Profile{Root: root, Languages: []string{"go"}, FileCount: 1}), nil
	})
	p, err := a.Analyze(context.Background(), "/x")
	require.NoError(t, err)
	assert.Equal(t, "/x", p.Root)
}
