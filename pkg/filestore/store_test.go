package filestore

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wingedpig/ip2asn/pkg/model"
)

func TestOpenRejectsBadDirectory(t *testing.T) {
	dir := t.TempDir()

	_, err := Open("", time.Hour)
	assert.ErrorIs(t, err, model.ErrConfiguration)

	_, err = Open(filepath.Join(dir, "missing"), time.Hour)
	assert.ErrorIs(t, err, model.ErrConfiguration)

	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0644))
	_, err = Open(file, time.Hour)
	assert.ErrorIs(t, err, model.ErrConfiguration)
}

func TestOpenDefaultTTL(t *testing.T) {
	s, err := Open(t.TempDir(), 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultTTL, s.TTL())
}

func TestAppendScan(t *testing.T) {
	s, err := Open(t.TempDir(), time.Hour)
	require.NoError(t, err)

	err = s.Scan("log.db", func(string) bool { return true })
	assert.ErrorIs(t, err, model.ErrNotFound)

	for _, line := range []string{"one", "two", "three"} {
		require.NoError(t, s.Append("log.db", line))
	}

	var got []string
	require.NoError(t, s.Scan("log.db", func(line string) bool {
		got = append(got, line)
		return true
	}))
	assert.Equal(t, []string{"one", "two", "three"}, got)

	// Stop early
	got = nil
	require.NoError(t, s.Scan("log.db", func(line string) bool {
		got = append(got, line)
		return line != "two"
	}))
	assert.Equal(t, []string{"one", "two"}, got)
}

func TestScanStaleFile(t *testing.T) {
	s, err := Open(t.TempDir(), time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.Append("log.db", "old"))

	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(s.Path("log.db"), past, past))

	err = s.Scan("log.db", func(string) bool { return true })
	assert.ErrorIs(t, err, model.ErrStale)

	// Appending to a stale file starts it over
	require.NoError(t, s.Append("log.db", "new"))
	var got []string
	require.NoError(t, s.Scan("log.db", func(line string) bool {
		got = append(got, line)
		return true
	}))
	assert.Equal(t, []string{"new"}, got)
}

func TestReadWriteWhole(t *testing.T) {
	s, err := Open(t.TempDir(), time.Hour)
	require.NoError(t, err)

	_, err = s.ReadWhole("set.json")
	assert.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, s.WriteWhole("set.json", []byte("a much longer first value")))
	require.NoError(t, s.WriteWhole("set.json", []byte("short")))

	data, err := s.ReadWhole("set.json")
	require.NoError(t, err)
	assert.Equal(t, "short", string(data))

	// Simulate the clock moving past the TTL
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = s.ReadWhole("set.json")
	assert.ErrorIs(t, err, model.ErrStale)
}

func TestConcurrentAppend(t *testing.T) {
	s, err := Open(t.TempDir(), time.Hour)
	require.NoError(t, err)

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				line := strings.Repeat(strconv.Itoa(w), 100)
				if err := s.Append("log.db", line); err != nil {
					t.Errorf("append: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	count := 0
	require.NoError(t, s.Scan("log.db", func(line string) bool {
		assert.Len(t, line, 100)
		count++
		return true
	}))
	assert.Equal(t, writers*perWriter, count)
}

func TestWriteFileLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "names.txt")
	require.NoError(t, WriteFileLocked(path, []byte("AS1 ONE\n")))

	var content []byte
	err := WithLock(path, os.O_RDONLY, false, func(f *os.File) error {
		var err error
		content, err = os.ReadFile(f.Name())
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "AS1 ONE\n", string(content))
}
