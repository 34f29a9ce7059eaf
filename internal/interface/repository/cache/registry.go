package cache

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"cacheproxy/internal/domain"
)

// DefaultRoot はパーティションディレクトリを置くルート
const DefaultRoot = "partitions"

// Clock は時刻を提供する.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

// Registry はパーティションの集合を管理するリポジトリ実装
type Registry struct {
	mu       sync.Mutex
	fsLock   sync.Mutex
	fs       billy.Filesystem
	root     string
	parts    map[string]*Repository
	policies map[string]domain.PartitionPolicy
	clock    Clock
}

// Verify interface implementation
var _ domain.CacheRegistry = (*Registry)(nil)

// Option はRegistryを設定する
type Option func(*Registry)

// WithRoot はパーティションディレクトリのルートを設定
func WithRoot(root string) Option {
	return func(r *Registry) {
		r.root = root
	}
}

// WithPolicy は識別子ごとの制限を設定
func WithPolicy(id string, policy domain.PartitionPolicy) Option {
	return func(r *Registry) {
		r.policies[id] = policy
	}
}

// WithClock は期限判定に使う時計を設定
func WithClock(clock Clock) Option {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// New は新しいRegistryインスタンスを作成し, 既存のパーティションを読み込む
func New(fs billy.Filesystem, opts ...Option) (*Registry, error) {
	if fs == nil {
		return nil, fmt.Errorf("filesystem cannot be nil")
	}

	r := &Registry{
		fs:       fs,
		root:     DefaultRoot,
		parts:    make(map[string]*Repository),
		policies: make(map[string]domain.PartitionPolicy),
		clock:    realClock{},
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := fs.MkdirAll(r.root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}

	dirs, err := fs.ReadDir(r.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	for _, fi := range dirs {
		if !fi.IsDir() {
			continue
		}
		repo, err := r.openRepository(fi.Name())
		if err != nil {
			return nil, err
		}
		r.parts[fi.Name()] = repo
	}

	return r, nil
}

// Open はパーティションを開く. 存在しなければ作成する
func (r *Registry) Open(ctx context.Context, id string) (domain.CacheManager, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateID(id); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if repo, ok := r.parts[id]; ok {
		return repo, nil
	}

	r.fsLock.Lock()
	err := r.fs.MkdirAll(r.fs.Join(r.root, id), 0o755)
	r.fsLock.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to create partition %s: %w", id, err)
	}
	repo, err := r.openRepository(id)
	if err != nil {
		return nil, err
	}
	r.parts[id] = repo
	return repo, nil
}

// Lookup は既存のパーティションのみを返す
func (r *Registry) Lookup(ctx context.Context, id string) (domain.CacheManager, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	repo, ok := r.parts[id]
	if !ok {
		return nil, false, nil
	}
	return repo, true, nil
}

// Names は保存されているパーティションの識別子を返す
func (r *Registry) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.parts))
	for id := range r.parts {
		names = append(names, id)
	}
	sort.Strings(names)
	return names, nil
}

// Remove はパーティションを削除する
func (r *Registry) Remove(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	repo, ok := r.parts[id]
	if !ok {
		return false, nil
	}
	repo.markRemoved()
	delete(r.parts, id)

	r.fsLock.Lock()
	err := util.RemoveAll(r.fs, r.fs.Join(r.root, id))
	r.fsLock.Unlock()
	if err != nil && !os.IsNotExist(err) {
		return true, fmt.Errorf("failed to remove partition %s: %w", id, err)
	}
	return true, nil
}

func (r *Registry) openRepository(id string) (*Repository, error) {
	r.fsLock.Lock()
	sub, err := r.fs.Chroot(r.fs.Join(r.root, id))
	r.fsLock.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to open partition %s: %w", id, err)
	}
	return newRepository(id, sub, &r.fsLock, r.policies[id], r.clock)
}

func validateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid partition id %q", id)
	}
	return nil
}
