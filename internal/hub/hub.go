// Package hub resolves published checkpoint and tokenizer files to local
// paths through the Hugging Face cache, downloading them on a miss.
package hub

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	hf "github.com/gomlx/go-huggingface/hub"

	"github.com/samcharles93/mambagen/internal/logger"
	"github.com/samcharles93/mambagen/internal/model"
)

const (
	Mamba1Repo = "state-spaces/mamba-130m"
	Mamba2Repo = "state-spaces/mamba2-130m"
	// ModelRevision carries the safetensors conversion of both checkpoints.
	ModelRevision = "refs/pr/1"
	WeightsFile   = "model.safetensors"

	TokenizerRepo     = "EleutherAI/gpt-neox-20b"
	TokenizerRevision = "main"
	TokenizerFile     = "tokenizer.json"
)

var ErrNotFound = errors.New("hub: file not found")

// File names one file of one repository revision.
type File struct {
	Repo     string
	Revision string
	Name     string
}

func (f File) String() string {
	return f.Repo + "@" + f.Revision + "/" + f.Name
}

// Weights returns the checkpoint file of the 130M model of version v.
func Weights(v model.Version) (File, error) {
	switch v {
	case model.V1:
		return File{Repo: Mamba1Repo, Revision: ModelRevision, Name: WeightsFile}, nil
	case model.V2:
		return File{Repo: Mamba2Repo, Revision: ModelRevision, Name: WeightsFile}, nil
	default:
		return File{}, fmt.Errorf("no published checkpoint for %s", v)
	}
}

func Tokenizer() File {
	return File{Repo: TokenizerRepo, Revision: TokenizerRevision, Name: TokenizerFile}
}

type Client struct {
	CacheDir string
	// Token authenticates downloads when set.
	Token string
	// Offline restricts Resolve to the local cache.
	Offline bool
	// ProgressBar draws download progress on the terminal.
	ProgressBar bool
	Logger      logger.Logger

	// download fetches f into the cache and returns its snapshot path.
	// Tests replace it; nil means the Hugging Face hub.
	download func(f File) (string, error)
}

// DefaultCacheDir follows HF_HUB_CACHE, then HF_HOME, then the user cache
// directory, as huggingface-cli does.
func DefaultCacheDir() string {
	if dir := os.Getenv("HF_HUB_CACHE"); dir != "" {
		return dir
	}
	if home := os.Getenv("HF_HOME"); home != "" {
		return filepath.Join(home, "hub")
	}
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "huggingface", "hub")
	}
	return filepath.Join(os.TempDir(), "huggingface", "hub")
}

func NewClient() *Client {
	return &Client{
		CacheDir: DefaultCacheDir(),
		Token:    os.Getenv("HF_TOKEN"),
		Logger:   logger.Nop(),
	}
}

var commitHash = regexp.MustCompile(`^[0-9a-f]{40}$`)

// RepoDir is the cache directory of f's repository.
func (c *Client) RepoDir(f File) string {
	return filepath.Join(c.CacheDir, "models--"+strings.ReplaceAll(f.Repo, "/", "--"))
}

// CachedPath returns the snapshot path of f when the cache already holds
// it. A branch or ref revision is mapped to its commit through
// refs/<revision>; a commit hash is used as is.
func (c *Client) CachedPath(f File) (string, bool) {
	repoDir := c.RepoDir(f)
	commit := f.Revision
	if !commitHash.MatchString(commit) {
		raw, err := os.ReadFile(filepath.Join(repoDir, "refs", filepath.FromSlash(f.Revision)))
		if err != nil {
			return "", false
		}
		commit = strings.TrimSpace(string(raw))
		if commit == "" {
			return "", false
		}
	}
	path := filepath.Join(repoDir, "snapshots", commit, filepath.FromSlash(f.Name))
	if st, err := os.Stat(path); err != nil || st.IsDir() {
		return "", false
	}
	return path, true
}

// Resolve returns a local path for f, downloading it when it is not cached.
func (c *Client) Resolve(ctx context.Context, f File) (string, error) {
	if path, ok := c.CachedPath(f); ok {
		return path, nil
	}
	if c.Offline {
		return "", fmt.Errorf("%w: %s not in cache %s", ErrNotFound, f, c.CacheDir)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	log := c.Logger
	if log == nil {
		log = logger.Nop()
	}
	download := c.download
	if download == nil {
		download = c.fetch
	}

	type result struct {
		path string
		err  error
	}
	start := time.Now()
	log.Info("downloading", "file", f.String(), "cache", c.CacheDir)
	done := make(chan result, 1)
	go func() {
		path, err := download(f)
		done <- result{path, err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-done:
		if r.err != nil {
			return "", fmt.Errorf("download %s: %w", f, r.err)
		}
		log.Info("downloaded", "file", f.String(), "path", r.path, "elapsed", time.Since(start))
		return r.path, nil
	}
}

func (c *Client) fetch(f File) (string, error) {
	repo := hf.New(f.Repo).
		WithRevision(f.Revision).
		WithCacheDir(c.CacheDir).
		WithProgressBar(c.ProgressBar)
	if c.Token != "" {
		repo = repo.WithAuth(c.Token)
	}
	return repo.DownloadFile(f.Name)
}
