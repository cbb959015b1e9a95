package cache

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// diskSchema creates the persistent tier's table. Values are msgpack blobs;
// tags are stored comma-fenced (",a,b,") so tag lookups can use LIKE.
// Timestamps are unix milliseconds so sub-second TTLs survive the round-trip.
const diskSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	tags       TEXT NOT NULL DEFAULT '',
	expires_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	last_used  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expires ON cache_entries(expires_at);
`

// diskTier is the persistent cache tier backed by SQLite. All I/O faults are
// reported to the caller; the Manager logs them and treats them as misses.
type diskTier struct {
	db         *sql.DB
	maxEntries int
	lru        bool

	hits   int64
	misses int64
}

func newDiskTier(db *sql.DB, maxEntries int, lru bool) (*diskTier, error) {
	if _, err := db.Exec(diskSchema); err != nil {
		return nil, fmt.Errorf("failed to create cache schema: %w", err)
	}
	return &diskTier{db: db, maxEntries: maxEntries, lru: lru}, nil
}

func encodeTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	return "," + strings.Join(tags, ",") + ","
}

// get returns the decoded value for an unexpired key. Expired rows are
// deleted on read and count as misses.
func (t *diskTier) get(key string) (interface{}, bool, error) {
	var blob []byte
	var expiresAt int64
	err := t.db.QueryRow(
		"SELECT value, expires_at FROM cache_entries WHERE key = ?", key,
	).Scan(&blob, &expiresAt)
	if err == sql.ErrNoRows {
		t.misses++
		return nil, false, nil
	}
	if err != nil {
		t.misses++
		return nil, false, fmt.Errorf("failed to read cache entry: %w", err)
	}

	now := time.Now().UnixMilli()
	if now >= expiresAt {
		// Lazy expiry.
		if _, err := t.db.Exec("DELETE FROM cache_entries WHERE key = ?", key); err != nil {
			return nil, false, fmt.Errorf("failed to delete expired entry: %w", err)
		}
		t.misses++
		return nil, false, nil
	}

	if t.lru {
		if _, err := t.db.Exec("UPDATE cache_entries SET last_used = ? WHERE key = ?", now, key); err != nil {
			return nil, false, fmt.Errorf("failed to touch cache entry: %w", err)
		}
	}

	var value interface{}
	if err := msgpack.Unmarshal(blob, &value); err != nil {
		t.misses++
		return nil, false, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	t.hits++
	return value, true, nil
}

// remainingTTL returns how long an unexpired key has left, for promotion.
func (t *diskTier) remainingTTL(key string) (time.Duration, []string, error) {
	var expiresAt int64
	var tags string
	err := t.db.QueryRow(
		"SELECT expires_at, tags FROM cache_entries WHERE key = ?", key,
	).Scan(&expiresAt, &tags)
	if err != nil {
		return 0, nil, err
	}
	ttl := time.Until(time.UnixMilli(expiresAt))
	var parsed []string
	if trimmed := strings.Trim(tags, ","); trimmed != "" {
		parsed = strings.Split(trimmed, ",")
	}
	return ttl, parsed, nil
}

// set upserts an entry, evicting past capacity before admission.
func (t *diskTier) set(key string, value interface{}, ttl time.Duration, tags []string) error {
	blob, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value: %w", err)
	}

	if err := t.evictForAdmission(key); err != nil {
		return err
	}

	now := time.Now()
	_, err = t.db.Exec(`
		INSERT INTO cache_entries (key, value, tags, expires_at, created_at, last_used)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			tags = excluded.tags,
			expires_at = excluded.expires_at,
			last_used = excluded.last_used
	`, key, blob, encodeTags(tags), now.Add(ttl).UnixMilli(), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}
	return nil
}

// evictForAdmission removes rows until a new key fits under maxEntries.
// Order follows the configured strategy: least-recently-used or oldest-created.
func (t *diskTier) evictForAdmission(key string) error {
	var exists int
	if err := t.db.QueryRow("SELECT COUNT(*) FROM cache_entries WHERE key = ?", key).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check cache entry: %w", err)
	}
	if exists > 0 {
		return nil
	}

	var count int
	if err := t.db.QueryRow("SELECT COUNT(*) FROM cache_entries").Scan(&count); err != nil {
		return fmt.Errorf("failed to count cache entries: %w", err)
	}
	if count < t.maxEntries {
		return nil
	}

	orderBy := "created_at"
	if t.lru {
		orderBy = "last_used"
	}
	_, err := t.db.Exec(fmt.Sprintf(`
		DELETE FROM cache_entries WHERE key IN (
			SELECT key FROM cache_entries ORDER BY %s ASC LIMIT ?
		)`, orderBy), count-t.maxEntries+1)
	if err != nil {
		return fmt.Errorf("failed to evict cache entries: %w", err)
	}
	return nil
}

// delete removes a key, reporting whether a row existed.
func (t *diskTier) delete(key string) (bool, error) {
	res, err := t.db.Exec("DELETE FROM cache_entries WHERE key = ?", key)
	if err != nil {
		return false, fmt.Errorf("failed to delete cache entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// invalidatePattern removes all keys matching the regex, returning the count.
// Matching happens in Go; SQLite has no regex support without an extension.
func (t *diskTier) invalidatePattern(re *regexp.Regexp) (int, error) {
	rows, err := t.db.Query("SELECT key FROM cache_entries")
	if err != nil {
		return 0, fmt.Errorf("failed to list cache keys: %w", err)
	}
	var matched []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return 0, err
		}
		if re.MatchString(key) {
			matched = append(matched, key)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	removed := 0
	for _, key := range matched {
		ok, err := t.delete(key)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// escapeLike neutralises LIKE wildcards in a literal match fragment.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

// invalidateTag removes all entries carrying the tag, returning the count.
func (t *diskTier) invalidateTag(tag string) (int, error) {
	res, err := t.db.Exec(
		`DELETE FROM cache_entries WHERE tags LIKE ? ESCAPE '\'`, "%,"+escapeLike(tag)+",%",
	)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate by tag: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// clear empties the tier without resetting counters.
func (t *diskTier) clear() error {
	if _, err := t.db.Exec("DELETE FROM cache_entries"); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}

func (t *diskTier) size() (int, error) {
	var count int
	if err := t.db.QueryRow("SELECT COUNT(*) FROM cache_entries").Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
