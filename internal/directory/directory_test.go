package directory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	d, err := Parse([]byte(`[{"id":"u1","username":"alice","displayName":"Alice","avatarUrl":"https://x/a.png"},{"id":"u2","username":"bob"}]`))
	require.NoError(t, err)

	u, err := d.Lookup(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", u.DisplayName)

	_, err = d.Lookup(context.Background(), "u3")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestParseRejects(t *testing.T) {
	for name, raw := range map[string]string{
		"unknown field": `[{"id":"u1","username":"a","role":"admin"}]`,
		"missing id":    `[{"username":"a"}]`,
		"missing name":  `[{"id":"u1"}]`,
		"duplicate":     `[{"id":"u1","username":"a"},{"id":"u1","username":"b"}]`,
		"trailing":      `[] []`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			require.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"id":"u1","username":"alice"}]`), 0o600))
	d, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, d, 1)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestFallback(t *testing.T) {
	d := Static{"u1": {ID: "u1", Username: "alice"}}
	assert.Equal(t, "alice", Fallback(context.Background(), d, "u1").Username)
	assert.Equal(t, User{ID: "u9", Username: "u9"}, Fallback(context.Background(), d, "u9"))
	assert.Equal(t, "u9", Fallback(context.Background(), nil, "u9").Username)
}
