// SPDX-License-Identifier: MIT

package blob

import (
	"context"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Both implementations must satisfy the same contract, so the suite runs
// against each.
func testStores(t *testing.T) map[string]Store {
	t.Helper()
	fsStore, err := NewFSStore(filepath.Join(t.TempDir(), "artifacts"))
	require.NoError(t, err)
	return map[string]Store{
		"fs":     fsStore,
		"memory": NewMemoryStore(),
	}
}

func TestStore_PutGetDelete(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := JobTranscriptPath("job-1")

			_, err := s.Get(ctx, key)
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Put(ctx, key, []byte(`{"text":"hello"}`)))
			got, err := s.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, []byte(`{"text":"hello"}`), got)

			// Overwrites replace the object.
			require.NoError(t, s.Put(ctx, key, []byte(`{"text":"bye"}`)))
			got, err = s.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, []byte(`{"text":"bye"}`), got)

			require.NoError(t, s.Delete(ctx, key))
			_, err = s.Get(ctx, key)
			assert.ErrorIs(t, err, ErrNotFound)

			// Deleting again is not an error.
			require.NoError(t, s.Delete(ctx, key))
		})
	}
}

func TestStore_ListAndDeletePrefix(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			want := []string{
				JobAudioPath("job-1", "wav"),
				TaskInputPath("job-1", "task-1"),
				TaskOutputPath("job-1", "task-1"),
				JobTranscriptPath("job-1"),
			}
			for _, key := range want {
				require.NoError(t, s.Put(ctx, key, []byte("x")))
			}
			require.NoError(t, s.Put(ctx, JobTranscriptPath("job-2"), []byte("y")))

			keys, err := s.List(ctx, JobPrefix("job-1"))
			require.NoError(t, err)
			sort.Strings(keys)
			sorted := append([]string(nil), want...)
			sort.Strings(sorted)
			if diff := cmp.Diff(sorted, keys); diff != "" {
				t.Fatalf("listing mismatch (-want +got):\n%s", diff)
			}

			deleted, err := s.DeletePrefix(ctx, JobPrefix("job-1"))
			require.NoError(t, err)
			assert.Equal(t, len(want), deleted)

			keys, err = s.List(ctx, JobPrefix("job-1"))
			require.NoError(t, err)
			assert.Empty(t, keys)

			// The other job's blobs survive.
			_, err = s.Get(ctx, JobTranscriptPath("job-2"))
			assert.NoError(t, err)

			// A second pass deletes nothing.
			deleted, err = s.DeletePrefix(ctx, JobPrefix("job-1"))
			require.NoError(t, err)
			assert.Zero(t, deleted)
		})
	}
}

func TestStore_RejectsUnsafeKeys(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, key := range []string{
				"",
				"/etc/passwd",
				"jobs/../../../etc/passwd",
				"jobs/job-1/../../secrets",
			} {
				assert.Error(t, s.Put(ctx, key, []byte("x")), "key %q", key)
			}
		})
	}
}

func TestValidateKey(t *testing.T) {
	assert.NoError(t, ValidateKey("jobs/job-1/transcript.json"))
	assert.Error(t, ValidateKey(""))
	assert.Error(t, ValidateKey("/abs/path"))
	assert.Error(t, ValidateKey("a/../b"))
}

func TestFSStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "artifacts")

	first, err := NewFSStore(root)
	require.NoError(t, err)
	require.NoError(t, first.Put(ctx, SessionAudioPath("sess-1"), []byte("pcm")))

	second, err := NewFSStore(root)
	require.NoError(t, err)
	got, err := second.Get(ctx, SessionAudioPath("sess-1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("pcm"), got)
}
