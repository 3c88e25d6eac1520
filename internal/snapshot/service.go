// Package snapshot keeps each document's named history as a git repository:
// one repo per document, one commit per snapshot, content.json as the only
// tracked file. The commit subject carries the snapshot name and the short
// hash doubles as the snapshot id.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const contentFile = "content.json"

// Info describes one recorded snapshot.
type Info struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Service manages the per-document repositories under baseDir. Access to
// each repository is serialized by a per-document mutex; go-git worktrees
// are not safe for concurrent commits.
type Service struct {
	baseDir string
	locks   sync.Map // document id -> *sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{baseDir: baseDir}
}

func (s *Service) lockFor(documentID string) *sync.Mutex {
	actual, _ := s.locks.LoadOrStore(documentID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

func (s *Service) repoDir(documentID string) string {
	return filepath.Join(s.baseDir, documentID)
}

// Ensure creates the document's repository with its creation baseline. A
// repository that already exists is left untouched, so Ensure is safe to
// call on every document create.
func (s *Service) Ensure(documentID string, content json.RawMessage, author string) error {
	mu := s.lockFor(documentID)
	mu.Lock()
	defer mu.Unlock()

	dir := s.repoDir(documentID)
	switch _, err := os.Stat(dir); {
	case err == nil:
		return nil
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("stat snapshot dir: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		return fmt.Errorf("init snapshot repo: %w", err)
	}

	hash, err := writeCommit(repo, content, author, "Document created")
	if err != nil {
		return err
	}
	mainRef := plumbing.NewBranchReferenceName("main")
	if err := repo.Storer.SetReference(plumbing.NewHashReference(mainRef, hash)); err != nil {
		return fmt.Errorf("point main at baseline: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, mainRef)); err != nil {
		return fmt.Errorf("point HEAD at main: %w", err)
	}
	return nil
}

// Record commits the content as a new snapshot named name.
func (s *Service) Record(documentID string, content json.RawMessage, name, author string) (Info, error) {
	mu := s.lockFor(documentID)
	mu.Lock()
	defer mu.Unlock()

	repo, err := git.PlainOpen(s.repoDir(documentID))
	if err != nil {
		return Info{}, fmt.Errorf("open snapshot repo: %w", err)
	}
	hash, err := writeCommit(repo, content, author, name)
	if err != nil {
		return Info{}, err
	}
	c, err := repo.CommitObject(hash)
	if err != nil {
		return Info{}, fmt.Errorf("load recorded snapshot: %w", err)
	}
	return infoOf(c), nil
}

// List walks main and returns every snapshot, newest first. The creation
// baseline is included; it is the document's first snapshot.
func (s *Service) List(documentID string) ([]Info, error) {
	mu := s.lockFor(documentID)
	mu.Lock()
	defer mu.Unlock()

	repo, err := git.PlainOpen(s.repoDir(documentID))
	if err != nil {
		return nil, fmt.Errorf("open snapshot repo: %w", err)
	}
	head, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("walk snapshot history: %w", err)
	}
	defer iter.Close()

	infos := make([]Info, 0)
	if err := iter.ForEach(func(c *object.Commit) error {
		infos = append(infos, infoOf(c))
		return nil
	}); err != nil {
		return nil, fmt.Errorf("walk snapshot history: %w", err)
	}
	return infos, nil
}

// Get returns the content the snapshot recorded. Stored bytes that are no
// longer valid JSON are refused rather than handed back to the editor.
func (s *Service) Get(documentID, snapshotID string) (json.RawMessage, error) {
	mu := s.lockFor(documentID)
	mu.Lock()
	defer mu.Unlock()

	repo, err := git.PlainOpen(s.repoDir(documentID))
	if err != nil {
		return nil, fmt.Errorf("open snapshot repo: %w", err)
	}
	c, err := lookupCommit(repo, snapshotID)
	if err != nil {
		return nil, err
	}

	file, err := c.File(contentFile)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s has no content: %w", snapshotID, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open snapshot content: %w", err)
	}
	defer reader.Close()
	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read snapshot content: %w", err)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("snapshot %s holds malformed content", snapshotID)
	}
	return raw, nil
}

func lookupCommit(repo *git.Repository, snapshotID string) (*object.Commit, error) {
	hash := plumbing.NewHash(snapshotID)
	if len(snapshotID) != 40 {
		resolved, err := repo.ResolveRevision(plumbing.Revision(snapshotID))
		if err != nil {
			return nil, fmt.Errorf("unknown snapshot %s: %w", snapshotID, err)
		}
		hash = *resolved
	}
	c, err := repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("unknown snapshot %s: %w", snapshotID, err)
	}
	return c, nil
}

// writeCommit normalizes the content, stages it, and commits. Identical
// content is still committed: a snapshot is a moment the user chose to
// mark, not a content change.
func writeCommit(repo *git.Repository, content json.RawMessage, author, subject string) (plumbing.Hash, error) {
	wt, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}

	normalized, err := normalize(content)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	target := filepath.Join(wt.Filesystem.Root(), contentFile)
	if err := os.WriteFile(target, append(normalized, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := wt.Add(contentFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("stage %s: %w", contentFile, err)
	}

	hash, err := wt.Commit(subject, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: authorEmail(author),
			When:  time.Now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit snapshot: %w", err)
	}
	return hash, nil
}

func infoOf(c *object.Commit) Info {
	subject, _, _ := strings.Cut(c.Message, "\n")
	return Info{
		ID:        c.Hash.String()[:7],
		Name:      strings.TrimSpace(subject),
		CreatedAt: c.Author.When,
	}
}

func authorEmail(author string) string {
	var b strings.Builder
	for _, r := range author {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('.')
		}
	}
	local := b.String()
	if local == "" {
		local = "user"
	}
	return local + "@local.lorekeep.dev"
}

// normalize re-marshals the content so byte-identical documents produce
// byte-identical blobs regardless of incoming whitespace.
func normalize(content json.RawMessage) ([]byte, error) {
	var parsed any
	if err := json.Unmarshal(content, &parsed); err != nil {
		return nil, fmt.Errorf("decode snapshot content: %w", err)
	}
	out, err := json.MarshalIndent(parsed, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot content: %w", err)
	}
	return out, nil
}
