package store

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/simplemem/simplemem/internal/memory"
)

// walOp whitelists the operations a WAL entry may carry, for
// deserialization safety.
type walOp string

const (
	opInsert walOp = "insert"
	opUpdate walOp = "update"
	opTombstone walOp = "tombstone"
)

var validWALOps = map[walOp]bool{opInsert: true, opUpdate: true, opTombstone: true}

const hmacKeySize = 32

// walEntry is one durable record of a single-tenant write. The three
// views (vector, lexical, symbolic) are never persisted independently
// — they are derived in memory by replaying the WAL — so "all three
// views updated or none" follows directly from each entry's own
// atomic append: either the gob-encoded, HMAC-checksummed entry file
// exists in full (atomic rename) or it does not exist at all.
type walEntry struct {
	Seq uint64
	Op walOp
	Unit memory.Unit // full unit snapshot for insert/update
	UnitID uint64 // target id for update/tombstone
	Timestamp time.Time
	Checksum []byte
}

// wal is a per-tenant write-ahead log. One wal guards exactly one
// tenant's units table plus the derived indexes built from it.
type wal struct {
	dir string
	mu sync.Mutex
	hmacKey []byte
	keyPath string
	logger *zap.Logger
	nextSeq uint64
}

func openWAL(dir string, logger *zap.Logger) (*wal, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("store: create wal dir: %w", err)
	}
	w := &wal{dir: dir, logger: logger, keyPath: filepath.Join(dir, ".hmac_key")}
	if err := w.initKey(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *wal) initKey() error {
	if data, err := os.ReadFile(w.keyPath); err == nil && len(data) == hmacKeySize {
		w.hmacKey = data
		return nil
	}

	key := make([]byte, hmacKeySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("store: generate wal hmac key: %w", err)
	}
	if err := writeFileAtomic(w.keyPath, key, 0600); err != nil {
		return err
	}
	w.hmacKey = key
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp." + randomSuffix()
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("store: create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("store: write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("store: sync %s: %w", path, err)
	}
	f.Close()
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: finalize %s: %w", path, err)
	}
	return nil
}

func randomSuffix() string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}

func (w *wal) computeHMAC(e walEntry) []byte {
	h := hmac.New(sha256.New, w.hmacKey)
	fmt.Fprintf(h, "%d|%s|%d|%s", e.Seq, e.Op, e.UnitID, e.Timestamp.Format(time.RFC3339Nano))
	fmt.Fprintf(h, "|%d|%s", e.Unit.ID, e.Unit.Text)
	return h.Sum(nil)
}

func (w *wal) validChecksum(e walEntry) bool {
	return subtle.ConstantTimeCompare(e.Checksum, w.computeHMAC(e)) == 1
}

// append durably writes entry and advances the sequence counter. It
// is the sole write path: insert/update/tombstone in the store all
// funnel through append before mutating any in-memory view.
func (w *wal) append(op walOp, unit memory.Unit, unitID uint64) (walEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !validWALOps[op] {
		return walEntry{}, fmt.Errorf("store: invalid wal operation %q", op)
	}

	w.nextSeq++
	entry := walEntry{
		Seq: w.nextSeq,
		Op: op,
		Unit: unit,
		UnitID: unitID,
		Timestamp: time.Now().UTC(),
	}
	entry.Checksum = w.computeHMAC(entry)

	path := filepath.Join(w.dir, fmt.Sprintf("%020d.wal", entry.Seq))
	tmp := path + ".tmp." + randomSuffix()
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		w.nextSeq--
		return walEntry{}, fmt.Errorf("store: create wal entry: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(entry); err != nil {
		f.Close()
		os.Remove(tmp)
		w.nextSeq--
		return walEntry{}, fmt.Errorf("store: encode wal entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		w.nextSeq--
		return walEntry{}, fmt.Errorf("store: sync wal entry: %w", err)
	}
	f.Close()
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		w.nextSeq--
		return walEntry{}, fmt.Errorf("store: finalize wal entry: %w", err)
	}

	return entry, nil
}

// replay reads every entry in sequence order, skipping (and logging)
// any entry whose checksum fails or whose file is a truncated partial
// write left behind by a crash: a crash during append() either
// leaves a fully-written, checksummed file behind, or no file at
// all, because the rename is the last step, so no view is ever left
// holding a partial unit.
func (w *wal) replay() ([]walEntry, error) {
	matches, err := filepath.Glob(filepath.Join(w.dir, "*.wal"))
	if err != nil {
		return nil, fmt.Errorf("store: list wal entries: %w", err)
	}
	sort.Strings(matches)

	entries := make([]walEntry, 0, len(matches))
	var maxSeq uint64
	for _, path := range matches {
		f, err := os.Open(path)
		if err != nil {
			w.logger.Warn("store: skipping unreadable wal entry", zap.String("path", path), zap.Error(err))
			continue
		}
		var entry walEntry
		decErr := gob.NewDecoder(f).Decode(&entry)
		f.Close()
		if decErr != nil {
			w.logger.Warn("store: skipping corrupt wal entry", zap.String("path", path), zap.Error(decErr))
			continue
		}
		if !w.validChecksum(entry) {
			w.logger.Warn("store: skipping wal entry with bad checksum", zap.String("path", path))
			continue
		}
		if !validWALOps[entry.Op] {
			w.logger.Warn("store: skipping wal entry with unknown op", zap.String("path", path))
			continue
		}
		entries = append(entries, entry)
		if entry.Seq > maxSeq {
			maxSeq = entry.Seq
		}
	}

	w.mu.Lock()
	w.nextSeq = maxSeq
	w.mu.Unlock()

	return entries, nil
}
