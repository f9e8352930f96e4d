package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"github.com/pmezard/go-difflib/difflib"
)

// DirProviderOptions configures a DirProvider.
type DirProviderOptions struct {
	// Root is the directory whose contents are snapshotted and restored.
	Root string

	// SnapshotsPath is where captures are stored. Must not be inside Root.
	SnapshotsPath string

	// Include are doublestar patterns selecting files to snapshot,
	// relative to Root. Defaults to everything.
	Include []string

	// Exclude patterns take precedence over Include.
	Exclude []string
}

// DirProvider snapshots a directory tree by copying matching files aside and
// hashing their contents. Restores are verified against the recorded
// manifest; any drift is reported as a unified diff.
type DirProvider struct {
	options DirProviderOptions
	mutex   sync.Mutex
}

// NewDirProvider creates a directory snapshot provider.
func NewDirProvider(options DirProviderOptions) (*DirProvider, error) {
	if options.Root == "" {
		return nil, fmt.Errorf("root directory is required")
	}
	if options.SnapshotsPath == "" {
		return nil, fmt.Errorf("snapshots path is required")
	}
	if len(options.Include) == 0 {
		options.Include = []string{"**"}
	}
	if err := os.MkdirAll(options.SnapshotsPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshots directory: %w", err)
	}
	return &DirProvider{options: options}, nil
}

type dirManifest map[string]string // relative path -> sha256

func (p *DirProvider) matches(relPath string) bool {
	for _, pattern := range p.options.Exclude {
		if ok, _ := doublestar.Match(pattern, relPath); ok {
			return false
		}
	}
	for _, pattern := range p.options.Include {
		if ok, _ := doublestar.Match(pattern, relPath); ok {
			return true
		}
	}
	return false
}

// Capture copies matching files into a new snapshot directory. The directory
// is built under a temporary name and renamed into place last, so partially
// written captures are never observable.
func (p *DirProvider) Capture(ctx context.Context, epicID string) (string, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	ref := "dir-" + uuid.NewString()
	finalDir := filepath.Join(p.options.SnapshotsPath, ref)
	tempDir := finalDir + ".tmp"

	manifest, err := p.copyTree(ctx, p.options.Root, filepath.Join(tempDir, "files"))
	if err != nil {
		os.RemoveAll(tempDir)
		return "", err
	}
	if err := writeManifest(filepath.Join(tempDir, "manifest.json"), manifest); err != nil {
		os.RemoveAll(tempDir)
		return "", err
	}
	if err := os.Rename(tempDir, finalDir); err != nil {
		os.RemoveAll(tempDir)
		return "", fmt.Errorf("failed to finalize capture: %w", err)
	}
	return ref, nil
}

// Restore replaces the matching portion of the root tree with the snapshot's
// contents, then verifies the result against the manifest. Restoring a
// snapshot that already matches current state is a no-op.
func (p *DirProvider) Restore(ctx context.Context, ref string) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	snapDir := filepath.Join(p.options.SnapshotsPath, ref)
	manifest, err := readManifest(filepath.Join(snapDir, "manifest.json"))
	if err != nil {
		return fmt.Errorf("failed to read snapshot manifest: %w", err)
	}

	// Remove matching files that did not exist at capture time.
	current, err := p.scanTree(p.options.Root)
	if err != nil {
		return err
	}
	for relPath := range current {
		if _, ok := manifest[relPath]; !ok {
			if err := os.Remove(filepath.Join(p.options.Root, relPath)); err != nil {
				return fmt.Errorf("failed to remove %s: %w", relPath, err)
			}
		}
	}

	// Copy snapshotted files back.
	for relPath := range manifest {
		src := filepath.Join(snapDir, "files", relPath)
		dst := filepath.Join(p.options.Root, relPath)
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("failed to restore %s: %w", relPath, err)
		}
	}

	// Verify: the restored tree must hash identically to the manifest.
	restored, err := p.scanTree(p.options.Root)
	if err != nil {
		return err
	}
	if diff := manifestDiff(manifest, restored); diff != "" {
		return fmt.Errorf("restored tree drifted from snapshot %s:\n%s", ref, diff)
	}
	return nil
}

// Discard removes a snapshot. Unknown refs are ignored.
func (p *DirProvider) Discard(ctx context.Context, ref string) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return os.RemoveAll(filepath.Join(p.options.SnapshotsPath, ref))
}

func (p *DirProvider) copyTree(ctx context.Context, srcRoot, dstRoot string) (dirManifest, error) {
	manifest := dirManifest{}
	err := filepath.WalkDir(srcRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		relPath, err := filepath.Rel(srcRoot, path)
		if err != nil {
			return err
		}
		relPath = filepath.ToSlash(relPath)
		if !p.matches(relPath) {
			return nil
		}
		if err := copyFile(path, filepath.Join(dstRoot, relPath)); err != nil {
			return err
		}
		hash, err := hashFile(path)
		if err != nil {
			return err
		}
		manifest[relPath] = hash
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to copy tree: %w", err)
	}
	return manifest, nil
}

func (p *DirProvider) scanTree(root string) (dirManifest, error) {
	manifest := dirManifest{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		relPath = filepath.ToSlash(relPath)
		if !p.matches(relPath) {
			return nil
		}
		hash, err := hashFile(path)
		if err != nil {
			return err
		}
		manifest[relPath] = hash
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan tree: %w", err)
	}
	return manifest, nil
}

func hashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func writeManifest(path string, manifest dirManifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

func readManifest(path string) (dirManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var manifest dirManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}
	return manifest, nil
}

// manifestDiff renders the difference between two manifests as a unified
// diff, or "" when they match.
func manifestDiff(want, got dirManifest) string {
	wantText := manifestText(want)
	gotText := manifestText(got)
	if wantText == gotText {
		return ""
	}
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(wantText),
		B:        difflib.SplitLines(gotText),
		FromFile: "snapshot",
		ToFile:   "restored",
		Context:  2,
	})
	if err != nil {
		return "manifest mismatch (diff unavailable)"
	}
	return diff
}

func manifestText(manifest dirManifest) string {
	paths := make([]string, 0, len(manifest))
	for path := range manifest {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	var b strings.Builder
	for _, path := range paths {
		fmt.Fprintf(&b, "%s  %s\n", manifest[path], path)
	}
	return b.String()
}
