package orchestrator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/p-blackswan/agentforge/internal/fsutil"
)

const (
	// ManifestFile lists the artifacts of the last committed run.
	ManifestFile = "manifest.json"

	hashHeaderPrefix = "# content-hash: sha256:"
)

// Manifest is written next to the committed artifacts.
type Manifest struct {
	RunID       string          `json:"run_id"`
	CommittedAt time.Time       `json:"committed_at"`
	Artifacts   []ManifestEntry `json:"artifacts"`
}

// ManifestEntry is one committed artifact.
type ManifestEntry struct {
	TemplateID  string `json:"template_id"`
	File        string `json:"file"`
	ContentHash string `json:"content_hash"`
}

// ReadManifest loads dir/manifest.json.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// withHeader prefixes body with its content-hash line.
func withHeader(hash string, body []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(hashHeaderPrefix) + len(hash) + 1 + len(body))
	buf.WriteString(hashHeaderPrefix)
	buf.WriteString(hash)
	buf.WriteByte('\n')
	buf.Write(body)
	return buf.Bytes()
}

// SplitHeader separates a committed file into its declared hash and body.
// ok is false when the file carries no header.
func SplitHeader(data []byte) (hash string, body []byte, ok bool) {
	if !bytes.HasPrefix(data, []byte(hashHeaderPrefix)) {
		return "", data, false
	}
	line, rest, found := bytes.Cut(data, []byte("\n"))
	if !found {
		return "", data, false
	}
	return strings.TrimSpace(strings.TrimPrefix(string(line), hashHeaderPrefix)), rest, true
}

// staged is one artifact ready to be committed.
type staged struct {
	templateID string
	data       []byte
	hash       string
}

// commitTxn tracks what a commit has replaced so it can be undone.
// A nil backup means the file did not exist before.
type commitTxn struct {
	order   []string
	backups map[string][]byte
	// createdDir is the config dir when this commit created it.
	createdDir string
}

// place moves a staged file over path, remembering the previous content.
func (t *commitTxn) place(src, path string) error {
	if _, seen := t.backups[path]; !seen {
		old, err := os.ReadFile(path)
		switch {
		case err == nil:
			t.backups[path] = old
		case errors.Is(err, os.ErrNotExist):
			t.backups[path] = nil
		default:
			return fmt.Errorf("back up %s: %w", path, err)
		}
		t.order = append(t.order, path)
	}
	return placeFile(src, path)
}

// rollback restores every replaced file in reverse order.
func (t *commitTxn) rollback() error {
	var errs []error
	for i := len(t.order) - 1; i >= 0; i-- {
		path := t.order[i]
		old := t.backups[path]
		var err error
		if old == nil {
			err = os.Remove(path)
			if errors.Is(err, os.ErrNotExist) {
				err = nil
			}
		} else {
			err = fsutil.WriteFileAtomic(path, old, 0o644)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", path, err))
		}
	}
	if t.createdDir != "" {
		// only succeeds when empty
		_ = os.Remove(t.createdDir)
	}
	return errors.Join(errs...)
}

// writeFile stages a file and placeFile renames it into the config dir.
// Tests swap both to inject failures.
var (
	writeFile = func(path string, data []byte) error { return fsutil.WriteFileAtomic(path, data, 0o644) }
	placeFile = os.Rename
)

// unchanged reports whether path already holds exactly the committed form
// of body. The header alone is not trusted: an edited body is rewritten.
func unchanged(path, hash string, body []byte) bool {
	existing, err := os.ReadFile(path)
	return err == nil && bytes.Equal(existing, withHeader(hash, body))
}

// commit writes every changed artifact and the manifest into a sibling
// staging directory first, then renames them into dir. Nothing reaches dir
// until all files are staged. Files already holding identical content are
// left untouched. On any error every file placed so far is restored.
func commit(dir, runID string, items []staged, at time.Time) ([]CommittedArtifact, error) {
	txn := &commitTxn{backups: make(map[string][]byte)}
	if !fsutil.Exists(dir) {
		txn.createdDir = dir
	}
	if err := fsutil.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	stageDir, err := os.MkdirTemp(filepath.Dir(dir), "."+filepath.Base(dir)+".commit-*")
	if err != nil {
		return nil, rollbackErr(txn, fmt.Errorf("create commit staging: %w", err))
	}
	defer os.RemoveAll(stageDir)

	manifest := Manifest{RunID: runID, CommittedAt: at}
	out := make([]CommittedArtifact, 0, len(items))
	var pending []string

	for _, it := range items {
		name := it.templateID + ".yaml"
		path := filepath.Join(dir, name)
		ca := CommittedArtifact{TemplateID: it.templateID, Path: path, ContentHash: it.hash}

		if unchanged(path, it.hash, it.data) {
			ca.Unchanged = true
		} else {
			if err := writeFile(filepath.Join(stageDir, name), withHeader(it.hash, it.data)); err != nil {
				return nil, rollbackErr(txn, fmt.Errorf("commit %s: %w", it.templateID, err))
			}
			pending = append(pending, name)
		}
		out = append(out, ca)
		manifest.Artifacts = append(manifest.Artifacts, ManifestEntry{
			TemplateID:  it.templateID,
			File:        name,
			ContentHash: "sha256:" + it.hash,
		})
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, rollbackErr(txn, fmt.Errorf("encode manifest: %w", err))
	}
	if err := writeFile(filepath.Join(stageDir, ManifestFile), append(data, '\n')); err != nil {
		return nil, rollbackErr(txn, fmt.Errorf("write manifest: %w", err))
	}
	pending = append(pending, ManifestFile)

	for _, name := range pending {
		if err := txn.place(filepath.Join(stageDir, name), filepath.Join(dir, name)); err != nil {
			return nil, rollbackErr(txn, fmt.Errorf("place %s: %w", name, err))
		}
	}
	if err := fsutil.SyncDir(dir); err != nil {
		return nil, rollbackErr(txn, fmt.Errorf("sync config dir: %w", err))
	}
	return out, nil
}

func rollbackErr(txn *commitTxn, err error) error {
	if rerr := txn.rollback(); rerr != nil {
		return errors.Join(err, fmt.Errorf("rollback: %w", rerr))
	}
	return err
}
