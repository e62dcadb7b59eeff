// Package mirror keeps a best-effort git mirror of every entity's
// snapshot history. The durable store stays authoritative; the mirror
// exists so history survives in a tool-inspectable form.
package mirror

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

	"github.com/AaraikAI/Abode-AI-sub013/internal/store"
)

const snapshotFile = "snapshot.json"

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// MirrorCommit records the snapshot on the named branch of the entity's
// mirror repo, creating the repo and the branch as needed.
func (s *Service) MirrorCommit(scope store.Scope, branchName string, snapshot json.RawMessage, author, message string) (CommitInfo, error) {
	lock := s.entityLock(scope)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(scope)
	repo, created, err := s.openOrInit(path, snapshot, author, message)
	if err != nil {
		return CommitInfo{}, err
	}
	if created && branchName == store.DefaultBranchName {
		head, err := repo.Reference(plumbing.NewBranchReferenceName(store.DefaultBranchName), true)
		if err != nil {
			return CommitInfo{}, fmt.Errorf("resolve baseline ref: %w", err)
		}
		commitObj, err := repo.CommitObject(head.Hash())
		if err != nil {
			return CommitInfo{}, fmt.Errorf("read baseline commit: %w", err)
		}
		return toCommitInfo(commitObj), nil
	}

	hash, err := s.commit(repo, branchName, snapshot, author, message)
	if err != nil {
		return CommitInfo{}, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// History walks the branch's log, newest first.
func (s *Service) History(scope store.Scope, branchName string, limit int) ([]CommitInfo, error) {
	lock := s.entityLock(scope)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(scope))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branchName, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// SnapshotAt reads the snapshot stored in one mirror commit.
func (s *Service) SnapshotAt(scope store.Scope, hash string) (json.RawMessage, error) {
	lock := s.entityLock(scope)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(scope))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return nil, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", hash, err)
	}
	file, err := commitObj.File(snapshotFile)
	if err != nil {
		return nil, fmt.Errorf("load snapshot from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()

	contents, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read snapshot bytes: %w", err)
	}
	return contents, nil
}

func (s *Service) openOrInit(path string, snapshot json.RawMessage, author, message string) (*git.Repository, bool, error) {
	if _, err := os.Stat(path); err == nil {
		repo, err := git.PlainOpen(path)
		if err != nil {
			return nil, false, fmt.Errorf("open repo: %w", err)
		}
		return repo, false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, false, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, false, fmt.Errorf("init repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return nil, false, fmt.Errorf("open worktree: %w", err)
	}
	if err := writeSnapshot(path, snapshot); err != nil {
		return nil, false, err
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return nil, false, fmt.Errorf("git add baseline snapshot: %w", err)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: signature(author),
	})
	if err != nil {
		return nil, false, fmt.Errorf("commit baseline snapshot: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(store.DefaultBranchName), hash)); err != nil {
		return nil, false, fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(store.DefaultBranchName))); err != nil {
		return nil, false, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, true, nil
}

func (s *Service) commit(repo *git.Repository, branchName string, snapshot json.RawMessage, author, message string) (plumbing.Hash, error) {
	if err := checkoutBranch(repo, branchName); err != nil {
		return plumbing.ZeroHash, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}
	repoRoot := worktree.Filesystem.Root()
	if err := writeSnapshot(repoRoot, snapshot); err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add snapshot: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            signature(author),
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit snapshot: %w", err)
	}
	return hash, nil
}

func checkoutBranch(repo *git.Repository, branchName string) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	branchRef := plumbing.NewBranchReferenceName(branchName)
	if _, err := repo.Reference(branchRef, true); err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Create: true}); err != nil {
				return fmt.Errorf("create branch checkout %s: %w", branchName, err)
			}
			return nil
		}
		return fmt.Errorf("resolve branch %s: %w", branchName, err)
	}

	if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
		return fmt.Errorf("checkout branch %s: %w", branchName, err)
	}
	return nil
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}

func writeSnapshot(dir string, snapshot json.RawMessage) error {
	payload := []byte(snapshot)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if err := os.WriteFile(filepath.Join(dir, snapshotFile), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write snapshot file: %w", err)
	}
	return nil
}

func (s *Service) repoPath(scope store.Scope) string {
	return filepath.Join(s.baseDir, scope.OrgID, scope.EntityType, scope.EntityID)
}

func (s *Service) entityLock(scope store.Scope) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	key := scope.OrgID + "/" + scope.EntityType + "/" + scope.EntityID
	lock, ok := s.locks[key]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[key] = lock
	return lock
}

func signature(author string) *object.Signature {
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@mirror.local", sanitizeEmail(author)),
		When:  time.Now(),
	}
}

func sanitizeEmail(author string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(author) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "anonymous"
	}
	return b.String()
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}
