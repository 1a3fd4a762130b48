package cache

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// diskHeader is the first line of every cache file, followed by the raw
// value bytes. Keeping the key in the header lets load() rebuild the
// index without a separate manifest.
type diskHeader struct {
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Size      int64     `json:"size"`
}

type diskEntry struct {
	hash       string
	key        string
	size       int64
	expiresAt  time.Time
	lastAccess time.Time
}

// diskTier is the content-addressed on-disk cache level. Files live at
// <dir>/<hh>/<hash>.bin where hh is the first two hex digits of the key
// hash. All failures are swallowed after logging; the cache degrades to
// memory-only behavior.
type diskTier struct {
	dir      string
	budget   int64
	logger   *zap.Logger
	degraded *atomic.Int64

	mu     sync.Mutex
	byHash map[string]*diskEntry
	byKey  map[string]string
	bytes  int64
}

func newDiskTier(dir string, budget int64, logger *zap.Logger, degraded *atomic.Int64) *diskTier {
	return &diskTier{
		dir:      dir,
		budget:   budget,
		logger:   logger,
		degraded: degraded,
		byHash:   make(map[string]*diskEntry),
		byKey:    make(map[string]string),
	}
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (d *diskTier) path(hash string) string {
	return filepath.Join(d.dir, hash[:2], hash+".bin")
}

// fault logs a disk error and bumps the degraded counter.
func (d *diskTier) fault(op string, err error) {
	d.degraded.Add(1)
	d.logger.Warn("cache disk tier error", zap.String("op", op), zap.Error(err))
}

// load rebuilds the index by scanning cache files. Unreadable files are
// deleted rather than indexed.
func (d *diskTier) load() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.byHash = make(map[string]*diskEntry)
	d.byKey = make(map[string]string)
	d.bytes = 0

	err := filepath.WalkDir(d.dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() || !strings.HasSuffix(path, ".bin") {
			return nil
		}
		header, ok := d.readHeader(path)
		if !ok {
			_ = os.Remove(path)
			return nil
		}
		info, ierr := entry.Info()
		lastAccess := time.Now()
		if ierr == nil {
			lastAccess = info.ModTime()
		}
		hash := strings.TrimSuffix(filepath.Base(path), ".bin")
		e := &diskEntry{
			hash:       hash,
			key:        header.Key,
			size:       header.Size,
			expiresAt:  header.ExpiresAt,
			lastAccess: lastAccess,
		}
		d.byHash[hash] = e
		d.byKey[header.Key] = hash
		d.bytes += e.size
		return nil
	})
	if err != nil {
		d.fault("load", err)
	}

	d.evictLocked()
}

func (d *diskTier) readHeader(path string) (diskHeader, bool) {
	f, err := os.Open(path)
	if err != nil {
		return diskHeader{}, false
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadBytes('\n')
	if err != nil {
		return diskHeader{}, false
	}
	var header diskHeader
	if err := json.Unmarshal(line, &header); err != nil || header.Key == "" {
		return diskHeader{}, false
	}
	return header, true
}

// read returns the value stored for key, reaping it when expired.
func (d *diskTier) read(key string, now time.Time) ([]byte, time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	hash, ok := d.byKey[key]
	if !ok {
		return nil, time.Time{}, false
	}
	e := d.byHash[hash]
	if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
		d.dropLocked(e)
		return nil, time.Time{}, false
	}

	f, err := os.Open(d.path(hash))
	if err != nil {
		d.dropLocked(e)
		if !os.IsNotExist(err) {
			d.fault("read", err)
		}
		return nil, time.Time{}, false
	}
	defer f.Close()

	r := bufio.NewReader(f)
	if _, err := r.ReadBytes('\n'); err != nil {
		d.dropLocked(e)
		d.fault("read", err)
		return nil, time.Time{}, false
	}
	value, err := io.ReadAll(r)
	if err != nil {
		d.dropLocked(e)
		d.fault("read", err)
		return nil, time.Time{}, false
	}

	e.lastAccess = now
	return value, e.expiresAt, true
}

// write persists key atomically (tmp file + rename) and evicts by last
// access until the tier fits its budget.
func (d *diskTier) write(key string, value []byte, expiresAt time.Time) {
	hash := hashKey(key)
	path := d.path(hash)

	header, err := json.Marshal(diskHeader{Key: key, ExpiresAt: expiresAt, Size: int64(len(value))})
	if err != nil {
		d.fault("write", err)
		return
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		d.fault("write", err)
		return
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		d.fault("write", err)
		return
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(append(append(header, '\n'), value...))
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(tmpName)
		if werr == nil {
			werr = cerr
		}
		d.fault("write", werr)
		return
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		d.fault("write", err)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if old, ok := d.byHash[hash]; ok {
		d.bytes -= old.size
	}
	e := &diskEntry{hash: hash, key: key, size: int64(len(value)), expiresAt: expiresAt, lastAccess: time.Now()}
	d.byHash[hash] = e
	d.byKey[key] = hash
	d.bytes += e.size

	d.evictLocked()
}

func (d *diskTier) remove(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if hash, ok := d.byKey[key]; ok {
		d.dropLocked(d.byHash[hash])
	}
}

func (d *diskTier) removePrefix(prefix string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, hash := range d.byKey {
		if strings.HasPrefix(key, prefix) {
			d.dropLocked(d.byHash[hash])
		}
	}
}

func (d *diskTier) residentBytes() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bytes
}

// dropLocked removes an entry and its file. Caller holds d.mu.
func (d *diskTier) dropLocked(e *diskEntry) {
	delete(d.byHash, e.hash)
	delete(d.byKey, e.key)
	d.bytes -= e.size
	if err := os.Remove(d.path(e.hash)); err != nil && !os.IsNotExist(err) {
		d.fault("remove", err)
	}
}

// evictLocked drops least-recently-accessed entries until the tier is
// within budget. Caller holds d.mu.
func (d *diskTier) evictLocked() {
	if d.bytes <= d.budget {
		return
	}
	entries := make([]*diskEntry, 0, len(d.byHash))
	for _, e := range d.byHash {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastAccess.Before(entries[j].lastAccess)
	})
	for _, e := range entries {
		if d.bytes <= d.budget {
			break
		}
		d.dropLocked(e)
	}
}
