package kvstore

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Snapshot is the binary-encoded form of the ".ctx" resume file: the
// preserved config keys plus the full context map.
type Snapshot struct {
	Preserved map[string]any `msgpack:"preserved"`
	Data      map[string]any `msgpack:"data"`
}

// Save writes a Snapshot to path with write-tmp/unlink/rename discipline,
// so a crash mid-write leaves either the previous file or the new one,
// never a partial. The temp file name carries a ULID suffix so two engine
// instances racing on the same temp_dir never collide on the same
// intermediate file.
func Save(path string, preserved map[string]any, store *Store) error {
	snap := Snapshot{Preserved: preserved, Data: store.Items()}
	buf, err := msgpack.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("kvstore: marshal snapshot: %w", err)
	}

	tmp := fmt.Sprintf("%s.%s.tmp", path, newSuffix())
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("kvstore: write temp snapshot: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("kvstore: remove stale snapshot: %w", err)
		}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("kvstore: rename snapshot into place: %w", err)
	}
	return nil
}

// Load reads a Snapshot previously written by Save and restores it into a
// fresh interactive-disabled Store plus the preserved-config map.
func Load(path string) (*Store, map[string]any, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("kvstore: read snapshot: %w", err)
	}
	var snap Snapshot
	if err := msgpack.Unmarshal(buf, &snap); err != nil {
		return nil, nil, fmt.Errorf("kvstore: decode snapshot: %w", err)
	}
	store := New(false)
	store.Merge(snap.Data)
	return store, snap.Preserved, nil
}

var entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)

func newSuffix() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
