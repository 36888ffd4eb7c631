package assembler

import (
	"context"
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/APTlantis/epic-build-downloader/internal/chunk"
	"github.com/APTlantis/epic-build-downloader/internal/manifest"
)

type memSource map[manifest.GUID][]byte

func (m memSource) Get(g manifest.GUID) ([]byte, error) {
	b, ok := m[g]
	if !ok {
		return nil, fmt.Errorf("%w: %s", chunk.ErrNotCached, g)
	}
	return b, nil
}

var (
	guidA = manifest.GUID{1, 1, 1, 1}
	guidB = manifest.GUID{2, 2, 2, 2}
)

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%253)
	}
	return b
}

func parts(specs ...manifest.ChunkPart) []manifest.ChunkPart {
	var off int64
	for i := range specs {
		specs[i].FileOffset = off
		off += int64(specs[i].Size)
	}
	return specs
}

func TestAssembleFileCopiesPartsInOrder(t *testing.T) {
	a, b := pattern(4096, 1), pattern(100, 50)
	src := memSource{guidA: a, guidB: b}

	want := append(append(append([]byte{}, a[2048:4096]...), b[10:60]...), a[0:2048]...)
	fm := &manifest.FileManifest{
		Filename: "Engine/Binaries/game.bin",
		SHAHash:  sha1.Sum(want),
		ChunkParts: parts(
			manifest.ChunkPart{GUID: guidA, Offset: 2048, Size: 2048},
			manifest.ChunkPart{GUID: guidB, Offset: 10, Size: 50},
			manifest.ChunkPart{GUID: guidA, Offset: 0, Size: 2048},
		),
	}
	fm.FileSize = int64(len(want))

	dir := t.TempDir()
	require.NoError(t, New(dir, src).AssembleFile(context.Background(), fm))

	got, err := os.ReadFile(filepath.Join(dir, "Engine", "Binaries", "game.bin"))
	require.NoError(t, err)
	assert.Equal(t, want, got)
	_, err = os.Stat(filepath.Join(dir, "Engine", "Binaries", "game.bin.part"))
	assert.True(t, os.IsNotExist(err))
}

func TestAssembleEmptyFile(t *testing.T) {
	dir := t.TempDir()
	fm := &manifest.FileManifest{Filename: "empty.txt"}
	require.NoError(t, New(dir, memSource{}).AssembleFile(context.Background(), fm))
	fi, err := os.Stat(filepath.Join(dir, "empty.txt"))
	require.NoError(t, err)
	assert.Zero(t, fi.Size())
}

func TestAssembleMissingChunk(t *testing.T) {
	dir := t.TempDir()
	fm := &manifest.FileManifest{
		Filename:   "c.bin",
		ChunkParts: parts(manifest.ChunkPart{GUID: guidB, Size: 10}),
	}
	err := New(dir, memSource{guidA: pattern(10, 0)}).AssembleFile(context.Background(), fm)
	assert.ErrorIs(t, err, ErrMissingChunk)
	assertAbsent(t, filepath.Join(dir, "c.bin"))
	assertAbsent(t, filepath.Join(dir, "c.bin.part"))
}

func TestAssemblePartOutOfRange(t *testing.T) {
	dir := t.TempDir()
	fm := &manifest.FileManifest{
		Filename:   "r.bin",
		ChunkParts: parts(manifest.ChunkPart{GUID: guidA, Offset: 90, Size: 20}),
	}
	err := New(dir, memSource{guidA: pattern(100, 0)}).AssembleFile(context.Background(), fm)
	assert.ErrorIs(t, err, ErrPartRange)
	assertAbsent(t, filepath.Join(dir, "r.bin"))
}

func TestAssembleHashMismatch(t *testing.T) {
	dir := t.TempDir()
	data := pattern(64, 3)
	fm := &manifest.FileManifest{
		Filename:   "h.bin",
		SHAHash:    sha1.Sum([]byte("something else")),
		ChunkParts: parts(manifest.ChunkPart{GUID: guidA, Size: 64}),
	}
	asm := New(dir, memSource{guidA: data})
	err := asm.AssembleFile(context.Background(), fm)
	assert.ErrorIs(t, err, ErrFileHash)
	assertAbsent(t, filepath.Join(dir, "h.bin"))

	asm.VerifyHash = false
	require.NoError(t, asm.AssembleFile(context.Background(), fm))
	got, err := os.ReadFile(filepath.Join(dir, "h.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestAssembleRejectsEscapingPaths(t *testing.T) {
	asm := New(t.TempDir(), memSource{})
	for _, name := range []string{"../evil", "/etc/passwd", `..\evil`, "a/../../b", ""} {
		err := asm.AssembleFile(context.Background(), &manifest.FileManifest{Filename: name})
		assert.ErrorIs(t, err, ErrUnsafePath, name)
	}
}

func TestAssembleRejectsEscapingSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	base := t.TempDir()
	dir := filepath.Join(base, "install")
	asm := New(dir, memSource{guidA: []byte("pwned")})

	for _, fm := range []*manifest.FileManifest{
		{Filename: "link", SymlinkTarget: "../outside"},
		{Filename: "sub/link", SymlinkTarget: "../../outside"},
		{Filename: "abs", SymlinkTarget: "/tmp"},
	} {
		err := asm.AssembleFile(context.Background(), fm)
		assert.ErrorIs(t, err, ErrUnsafePath, fm.Filename)
		_, err = os.Lstat(filepath.Join(dir, filepath.FromSlash(fm.Filename)))
		assert.True(t, os.IsNotExist(err), "%s should not be created", fm.Filename)
	}

	// A link inside the tree is fine.
	require.NoError(t, asm.AssembleFile(context.Background(), &manifest.FileManifest{Filename: "sub/up", SymlinkTarget: "../lib"}))

	// A link already on disk cannot redirect writes out of the tree.
	outside := filepath.Join(base, "outside")
	require.NoError(t, os.MkdirAll(outside, 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(dir, "planted")))
	fm := &manifest.FileManifest{Filename: "planted/evil.txt", ChunkParts: parts(manifest.ChunkPart{GUID: guidA, Size: 5})}
	err := asm.AssembleFile(context.Background(), fm)
	assert.ErrorIs(t, err, ErrUnsafePath)
	_, err = os.Stat(filepath.Join(outside, "evil.txt"))
	assert.True(t, os.IsNotExist(err), "nothing may be written outside the install dir")
}

func TestAssembleModes(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permission bits")
	}
	dir := t.TempDir()
	asm := New(dir, memSource{})
	require.NoError(t, asm.AssembleFile(context.Background(), &manifest.FileManifest{Filename: "run.sh", Flags: manifest.FlagExecutable}))
	require.NoError(t, asm.AssembleFile(context.Background(), &manifest.FileManifest{Filename: "ro.txt", Flags: manifest.FlagReadOnly}))

	fi, err := os.Stat(filepath.Join(dir, "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), fi.Mode().Perm())
	fi, err = os.Stat(filepath.Join(dir, "ro.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o444), fi.Mode().Perm())
}

func TestAssembleSymlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	dir := t.TempDir()
	asm := New(dir, memSource{})
	fm := &manifest.FileManifest{Filename: "lib/libfoo.so", SymlinkTarget: "libfoo.so.1"}
	require.NoError(t, asm.AssembleFile(context.Background(), fm))
	// A second run replaces the existing link.
	require.NoError(t, asm.AssembleFile(context.Background(), fm))

	target, err := os.Readlink(filepath.Join(dir, "lib", "libfoo.so"))
	require.NoError(t, err)
	assert.Equal(t, "libfoo.so.1", target)
}

func TestAssembleFromStore(t *testing.T) {
	store, err := chunk.NewStore(t.TempDir(), true)
	require.NoError(t, err)
	defer store.Close()
	data := pattern(3000, 9)
	require.NoError(t, store.Put(guidA, data))

	dir := t.TempDir()
	fm := &manifest.FileManifest{
		Filename:   "s.bin",
		SHAHash:    sha1.Sum(data[1000:3000]),
		ChunkParts: parts(manifest.ChunkPart{GUID: guidA, Offset: 1000, Size: 2000}),
	}
	require.NoError(t, New(dir, store).AssembleFile(context.Background(), fm))
	got, err := os.ReadFile(filepath.Join(dir, "s.bin"))
	require.NoError(t, err)
	assert.Equal(t, data[1000:3000], got)

	err = New(dir, store).AssembleFile(context.Background(), &manifest.FileManifest{
		Filename:   "t.bin",
		ChunkParts: parts(manifest.ChunkPart{GUID: guidB, Size: 1}),
	})
	assert.ErrorIs(t, err, ErrMissingChunk)
}

func TestAssembleCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New(t.TempDir(), memSource{}).AssembleFile(ctx, &manifest.FileManifest{Filename: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func assertAbsent(t *testing.T, path string) {
	t.Helper()
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "%s should not exist", path)
}
