package profile

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"

	ferrors "github.com/p-blackswan/agentforge/internal/errors"
)

// extensionLanguages maps source extensions to language names.
var extensionLanguages = map[string]string{
	".go":   "go",
	".py":   "python",
	".ts":   "typescript",
	".tsx":  "typescript",
	".js":   "javascript",
	".jsx":  "javascript",
	".rs":   "rust",
	".java": "java",
	".kt":   "kotlin",
	".rb":   "ruby",
	".cs":   "csharp",
}

// goFrameworks maps go.mod module prefixes to framework names.
var goFrameworks = map[string]string{
	"google.golang.org/grpc":             "grpc",
	"github.com/gin-gonic/gin":           "gin",
	"github.com/labstack/echo":           "echo",
	"github.com/gofiber/fiber":           "fiber",
	"github.com/spf13/cobra":             "cobra",
	"github.com/charmbracelet/bubbletea": "bubbletea",
	"gorm.io/gorm":                       "gorm",
}

// nodeFrameworks maps package.json dependency names to framework names.
var nodeFrameworks = map[string]string{
	"react":         "react",
	"next":          "nextjs",
	"vue":           "vue",
	"@angular/core": "angular",
	"express":       "express",
	"fastify":       "fastify",
	"svelte":        "svelte",
}

// pythonFrameworks maps requirements.txt entries to framework names.
var pythonFrameworks = map[string]string{
	"django":  "django",
	"flask":   "flask",
	"fastapi": "fastapi",
	"pytest":  "pytest",
}

// excludedDirs are never scanned.
var excludedDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	".git":         true,
	"dist":         true,
	"build":        true,
	"__pycache__":  true,
	".agentforge":  true,
	".agents":      true,
}

const maxCountedFileBytes = 1 << 20

// FileSystemAnalyzer is a deterministic, marker-file based analyzer.
type FileSystemAnalyzer struct {
	logger zerolog.Logger
	now    func() time.Time
}

// NewFileSystemAnalyzer creates an analyzer for local directories.
func NewFileSystemAnalyzer(logger zerolog.Logger) *FileSystemAnalyzer {
	return &FileSystemAnalyzer{
		logger: logger.With().Str("component", "analyzer").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Analyze implements Analyzer.
func (a *FileSystemAnalyzer) Analyze(ctx context.Context, root string) (*Profile, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, ferrors.Analysis("stat project", err)
	}
	if !info.IsDir() {
		return nil, ferrors.Analysis("stat project", fmt.Errorf("%s is not a directory", root))
	}
	fsys := os.DirFS(root)

	var (
		files     int
		loc       int
		languages []string
	)
	err = doublestar.GlobWalk(fsys, "**/*.{go,py,ts,tsx,js,jsx,rs,java,kt,rb,cs}", func(p string, d fs.DirEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if isExcluded(p) {
			return nil
		}
		lang, ok := extensionLanguages[path.Ext(p)]
		if !ok {
			return nil
		}
		files++
		languages = append(languages, lang)
		loc += countLines(fsys, p)
		return nil
	}, doublestar.WithFilesOnly())
	if err != nil {
		return nil, ferrors.Analysis("scan sources", err)
	}

	deps := map[string]string{}
	var frameworks []string
	frameworks = append(frameworks, scanGoMod(fsys, deps)...)
	frameworks = append(frameworks, scanPackageJSON(fsys, deps)...)
	frameworks = append(frameworks, scanRequirements(fsys, deps)...)

	arch := detectArchitecture(fsys, files)
	p := New(Profile{
		Root:         root,
		Languages:    languages,
		Frameworks:   frameworks,
		Architecture: arch,
		FileCount:    files,
		LOC:          loc,
		Dependencies: deps,
		AnalyzedAt:   a.now(),
	})
	p.Complexity = complexityScore(p)

	if p.IsEmpty() {
		return nil, ferrors.Analysis("analyze", ferrors.ErrEmptyProfile)
	}

	a.logger.Debug().
		Str("root", root).
		Strs("languages", p.Languages).
		Strs("frameworks", p.Frameworks).
		Str("architecture", string(p.Architecture)).
		Int("files", p.FileCount).
		Int("loc", p.LOC).
		Float64("complexity", p.Complexity).
		Msg("project analyzed")
	return p, nil
}

func isExcluded(p string) bool {
	for _, segment := range strings.Split(p, "/") {
		if excludedDirs[segment] {
			return true
		}
	}
	return false
}

func countLines(fsys fs.FS, p string) int {
	f, err := fsys.Open(p)
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(io.LimitReader(f, maxCountedFileBytes))
	scanner.Buffer(make([]byte, 0, 64*1024), maxCountedFileBytes)
	lines := 0
	for scanner.Scan() {
		lines++
	}
	return lines
}

func scanGoMod(fsys fs.FS, deps map[string]string) []string {
	data, err := fs.ReadFile(fsys, "go.mod")
	if err != nil {
		return nil
	}
	var frameworks []string
	inBlock := false
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "require ("):
			inBlock = true
			continue
		case inBlock && line == ")":
			inBlock = false
			continue
		case strings.HasPrefix(line, "require "):
			line = strings.TrimPrefix(line, "require ")
		case !inBlock:
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		deps[fields[0]] = fields[1]
		for prefix, name := range goFrameworks {
			if strings.HasPrefix(fields[0], prefix) {
				frameworks = append(frameworks, name)
			}
		}
	}
	return frameworks
}

func scanPackageJSON(fsys fs.FS, deps map[string]string) []string {
	data, err := fs.ReadFile(fsys, "package.json")
	if err != nil {
		return nil
	}
	var pkg struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil
	}
	var frameworks []string
	for _, set := range []map[string]string{pkg.Dependencies, pkg.DevDependencies} {
		for name, version := range set {
			deps[name] = version
			if fw, ok := nodeFrameworks[name]; ok {
				frameworks = append(frameworks, fw)
			}
		}
	}
	return frameworks
}

func scanRequirements(fsys fs.FS, deps map[string]string) []string {
	data, err := fs.ReadFile(fsys, "requirements.txt")
	if err != nil {
		return nil
	}
	var frameworks []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, version := line, ""
		if i := strings.IndexAny(line, "=<>~"); i > 0 {
			name, version = line[:i], strings.TrimLeft(line[i:], "=<>~")
		}
		name = strings.ToLower(strings.TrimSpace(name))
		deps[name] = strings.TrimSpace(version)
		if fw, ok := pythonFrameworks[name]; ok {
			frameworks = append(frameworks, fw)
		}
	}
	return frameworks
}

func detectArchitecture(fsys fs.FS, files int) Architecture {
	manifests, _ := doublestar.Glob(fsys, "*/**/{go.mod,package.json,Dockerfile}", doublestar.WithFilesOnly())
	nested := 0
	for _, m := range manifests {
		if !isExcluded(m) {
			nested++
		}
	}
	if nested >= 2 {
		return ArchMicroservices
	}
	for _, dir := range []string{"internal", "pkg", "packages", "modules"} {
		if info, err := fs.Stat(fsys, dir); err == nil && info.IsDir() {
			return ArchModular
		}
	}
	if files > 0 {
		return ArchMonolith
	}
	return ArchUnknown
}

// complexityScore blends size, dependency count and language spread.
func complexityScore(p *Profile) float64 {
	size := math.Min(1, math.Log10(float64(p.LOC)+1)/6)
	deps := math.Min(1, float64(len(p.Dependencies))/100)
	spread := 0.0
	if n := len(p.Languages); n > 1 {
		spread = math.Min(1, float64(n-1)/4)
	}
	score := 0.5*size + 0.3*deps + 0.2*spread
	if p.Architecture == ArchMicroservices {
		score += 0.1
	}
	return clamp01(score)
}
