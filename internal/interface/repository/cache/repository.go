package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"cacheproxy/internal/domain"
)

const (
	metaSuffix = ".meta"
	bodySuffix = ".body"
	filePerm   = 0o644
)

// Repository は単一パーティションのリポジトリ実装
type Repository struct {
	mu       sync.RWMutex
	id       string
	fs       billy.Filesystem
	fsLock   *sync.Mutex
	policy   domain.PartitionPolicy
	clock    Clock
	currSize int64
	entries  map[domain.CacheKey]*Entry
	seq      atomic.Uint64
	removed  bool
}

// Verify interface implementation
var _ domain.CacheManager = (*Repository)(nil)

// newRepository はパーティションディレクトリ上にRepositoryを作成し, 既存のエントリを読み込む
func newRepository(id string, fs billy.Filesystem, fsLock *sync.Mutex, policy domain.PartitionPolicy, clock Clock) (*Repository, error) {
	r := &Repository{
		id:      id,
		fs:      fs,
		fsLock:  fsLock,
		policy:  policy,
		clock:   clock,
		entries: make(map[domain.CacheKey]*Entry),
	}
	if err := r.load(); err != nil {
		return nil, fmt.Errorf("failed to load partition %s: %w", id, err)
	}
	return r, nil
}

// ID はパーティションの識別子を返す
func (r *Repository) ID() string {
	return r.id
}

// Get はキャッシュからデータを取得
// 期限切れのエントリはミスとして扱うが, GetStaleのために削除はしない
func (r *Repository) Get(ctx context.Context, key domain.CacheKey) (*domain.CacheEntry, bool, error) {
	return r.get(ctx, key, false)
}

// GetStale は期限切れかどうかに関わらずエントリを返す
func (r *Repository) GetStale(ctx context.Context, key domain.CacheKey) (*domain.CacheEntry, bool, error) {
	return r.get(ctx, key, true)
}

func (r *Repository) get(ctx context.Context, key domain.CacheKey, allowExpired bool) (*domain.CacheEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	r.mu.RLock()
	entry, exists := r.entries[key]
	if !exists || (!allowExpired && entry.IsExpired(r.clock.Now(), r.policy.MaxAge)) {
		r.mu.RUnlock()
		return nil, false, nil
	}

	data, err := r.readFile(entry.File)
	meta := *entry
	r.mu.RUnlock()

	if err == nil && meta.Compressed {
		data, err = decompress(data)
	}
	if err != nil {
		// 読めないエントリは削除してミス扱いにする
		r.deleteIfSame(key, entry)
		return nil, false, fmt.Errorf("failed to read entry %s: %w", key, err)
	}

	return &domain.CacheEntry{
		Key:      meta.Key,
		Status:   meta.Status,
		Headers:  meta.Headers,
		Body:     data,
		StoredAt: meta.StoredAt,
	}, true, nil
}

// Set はキャッシュにデータを保存
// 同じキーへの書き込みは後勝ち.
func (r *Repository) Set(ctx context.Context, entry *domain.CacheEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !entry.Key.IsCacheable() {
		return fmt.Errorf("refusing to store non-GET key %q", entry.Key)
	}

	data, compressed := maybeCompress(entry.Body)
	size := int64(len(data))
	if r.policy.MaxBytes > 0 && size > r.policy.MaxBytes {
		return fmt.Errorf("entry %s of %d bytes exceeds partition limit %d", entry.Key, size, r.policy.MaxBytes)
	}

	hash := keyHash(entry.Key)
	bodyFile := hash + "-" + strconv.FormatUint(r.seq.Add(1), 36) + "-" +
		strconv.FormatInt(r.clock.Now().UnixNano(), 36) + bodySuffix

	// ボディはロック外で書き込み, ロック内でインデックスを差し替える
	if err := r.writeFile(bodyFile, data); err != nil {
		return err
	}

	meta := &Entry{
		Key:        entry.Key,
		Status:     entry.Status,
		Headers:    entry.Headers,
		File:       bodyFile,
		Size:       size,
		StoredAt:   entry.StoredAt,
		Compressed: compressed,
	}
	if meta.StoredAt.IsZero() {
		meta.StoredAt = r.clock.Now()
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		_ = r.remove(bodyFile)
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.removed {
		_ = r.remove(bodyFile)
		return fmt.Errorf("partition %s has been removed", r.id)
	}

	r.makeRoom(entry.Key, size)

	if err := r.writeFile(hash+metaSuffix, encoded); err != nil {
		_ = r.remove(bodyFile)
		return err
	}

	if old, ok := r.entries[entry.Key]; ok {
		r.currSize -= old.Size
		_ = r.remove(old.File)
	}
	r.entries[entry.Key] = meta
	r.currSize += size

	return nil
}

// Delete はキャッシュからエントリを削除
func (r *Repository) Delete(ctx context.Context, key domain.CacheKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(key)
}

// Len は期限内のエントリ数を返す
func (r *Repository) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.policy.MaxAge <= 0 {
		return len(r.entries), nil
	}
	now := r.clock.Now()
	n := 0
	for _, entry := range r.entries {
		if !entry.IsExpired(now, r.policy.MaxAge) {
			n++
		}
	}
	return n, nil
}

// Keys は保存されているキーを返す
func (r *Repository) Keys() []domain.CacheKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]domain.CacheKey, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	return keys
}

// Size は保存されているボディの合計バイト数を返す
func (r *Repository) Size() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currSize
}

// deleteIfSame は読み取り後に差し替えられていない場合のみ削除する
func (r *Repository) deleteIfSame(key domain.CacheKey, entry *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.entries[key]; ok && current == entry {
		_ = r.deleteLocked(key)
	}
}

func (r *Repository) deleteLocked(key domain.CacheKey) error {
	entry, exists := r.entries[key]
	if !exists {
		return nil
	}

	r.currSize -= entry.Size
	delete(r.entries, key)

	metaErr := r.remove(keyHash(key) + metaSuffix)
	bodyErr := r.remove(entry.File)
	if metaErr != nil && !os.IsNotExist(metaErr) {
		return metaErr
	}
	if bodyErr != nil && !os.IsNotExist(bodyErr) {
		return bodyErr
	}
	return nil
}

// makeRoom は制限を超えないよう古いエントリから追い出す
func (r *Repository) makeRoom(key domain.CacheKey, size int64) {
	existing := int64(0)
	if old, ok := r.entries[key]; ok {
		existing = old.Size
	}

	for {
		count := len(r.entries)
		if _, ok := r.entries[key]; !ok {
			count++
		}
		overEntries := r.policy.MaxEntries > 0 && count > r.policy.MaxEntries
		overBytes := r.policy.MaxBytes > 0 && r.currSize-existing+size > r.policy.MaxBytes
		if !overEntries && !overBytes {
			return
		}
		if !r.evictOldest(key) {
			return
		}
	}
}

// evictOldest は指定キー以外で最も古いエントリを削除する
func (r *Repository) evictOldest(skip domain.CacheKey) bool {
	var oldest *Entry

	for k, entry := range r.entries {
		if k == skip {
			continue
		}
		if oldest == nil || entry.StoredAt.Before(oldest.StoredAt) {
			oldest = entry
		}
	}

	if oldest == nil {
		return false
	}
	_ = r.deleteLocked(oldest.Key)
	return true
}

// load はメタデータファイルからインデックスを復元する
func (r *Repository) load() error {
	r.fsLock.Lock()
	files, err := r.fs.ReadDir(".")
	r.fsLock.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	referenced := make(map[string]bool)
	for _, fi := range files {
		if fi.IsDir() || !strings.HasSuffix(fi.Name(), metaSuffix) {
			continue
		}

		data, err := r.readFile(fi.Name())
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil || !entry.Key.IsCacheable() {
			continue
		}
		if _, err := r.stat(entry.File); err != nil {
			_ = r.remove(fi.Name())
			continue
		}

		r.entries[entry.Key] = &entry
		r.currSize += entry.Size
		referenced[entry.File] = true
	}

	// 参照されていないボディは書き込み途中で中断されたもの
	for _, fi := range files {
		if strings.HasSuffix(fi.Name(), bodySuffix) && !referenced[fi.Name()] {
			_ = r.remove(fi.Name())
		}
	}

	return nil
}

// markRemoved は以降の書き込みを拒否する
func (r *Repository) markRemoved() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = true
}

// ファイルシステム操作は共有ロックで直列化する (memfsは並行アクセスに安全でない)

func (r *Repository) readFile(name string) ([]byte, error) {
	r.fsLock.Lock()
	defer r.fsLock.Unlock()
	return util.ReadFile(r.fs, name)
}

func (r *Repository) writeFile(name string, data []byte) error {
	r.fsLock.Lock()
	defer r.fsLock.Unlock()
	return util.WriteFile(r.fs, name, data, filePerm)
}

func (r *Repository) remove(name string) error {
	r.fsLock.Lock()
	defer r.fsLock.Unlock()
	return r.fs.Remove(name)
}

func (r *Repository) stat(name string) (os.FileInfo, error) {
	r.fsLock.Lock()
	defer r.fsLock.Unlock()
	return r.fs.Stat(name)
}
