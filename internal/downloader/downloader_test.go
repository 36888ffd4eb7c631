package downloader

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/APTlantis/epic-build-downloader/internal/assembler"
	"github.com/APTlantis/epic-build-downloader/internal/chunk"
	"github.com/APTlantis/epic-build-downloader/internal/manifest"
)

const testVersion = 18

type testChunk struct {
	info *manifest.ChunkInfo
	data []byte
	env  []byte
}

func newTestChunk(t *testing.T, guid manifest.GUID, size int, corrupt bool) testChunk {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*31 + int(guid[0]))
	}
	served := data
	if corrupt {
		served = append([]byte(nil), data...)
		served[0] ^= 0xFF
	}
	env, err := chunk.Encode(guid, served, true)
	require.NoError(t, err)
	return testChunk{
		info: &manifest.ChunkInfo{
			GUID:       guid,
			Hash:       chunk.RollingHash(data),
			SHAHash:    sha1.Sum(data),
			GroupNum:   uint8(guid[0] % 100),
			WindowSize: uint32(size),
			FileSize:   int64(len(env)),
		},
		data: data,
		env:  env,
	}
}

type cdn struct {
	srv  *httptest.Server
	hits atomic.Int32
}

// newCDN serves each chunk's envelope at its resolved path. onRequest runs
// before the body is written.
func newCDN(t *testing.T, chunks []testChunk, onRequest func()) *cdn {
	t.Helper()
	paths := make(map[string][]byte)
	for _, c := range chunks {
		paths["/"+c.info.Path(testVersion)] = c.env
	}
	c := &cdn{}
	c.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.hits.Add(1)
		if onRequest != nil {
			onRequest()
		}
		body, ok := paths[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(body)
	}))
	t.Cleanup(c.srv.Close)
	return c
}

func buildManifest(t *testing.T, chunks []testChunk, files []*manifest.FileManifest) []byte {
	t.Helper()
	infos := make([]*manifest.ChunkInfo, len(chunks))
	for i, c := range chunks {
		infos[i] = c.info
	}
	m := &manifest.Manifest{
		StoredAs: manifest.StoredCompressed,
		Version:  testVersion,
		Meta: &manifest.Meta{
			FeatureLevel: testVersion,
			AppID:        1,
			AppName:      "TestGame",
			BuildVersion: "1.0.0",
			LaunchExe:    "Game.exe",
		},
		ChunkDataList:    &manifest.ChunkDataList{Elements: infos},
		FileManifestList: &manifest.FileManifestList{Elements: files},
		CustomFields:     manifest.NewCustomFields(),
	}
	b, err := m.MarshalBinary()
	require.NoError(t, err)
	return b
}

func testOptions(t *testing.T) Options {
	root := t.TempDir()
	return Options{
		InstallDir: filepath.Join(root, "install"),
		ScratchDir: filepath.Join(root, "scratch"),
		Client:     chunk.NewHTTPClient(4, time.Second, 10*time.Second),
	}
}

// Three files: A is two 2048 byte parts of one chunk, B is empty and C's
// only chunk fails its hash on every mirror.
func TestRunAssemblesIntactFilesAndFailsOnBadChunk(t *testing.T) {
	x := newTestChunk(t, manifest.GUID{1, 0, 0, 1}, 4096, false)
	y := newTestChunk(t, manifest.GUID{2, 0, 0, 2}, 1000, true)
	files := []*manifest.FileManifest{
		{
			Filename: "A.bin",
			SHAHash:  sha1.Sum(x.data),
			ChunkParts: []manifest.ChunkPart{
				{GUID: x.info.GUID, Offset: 0, Size: 2048},
				{GUID: x.info.GUID, Offset: 2048, Size: 2048},
			},
		},
		{Filename: "B.txt"},
		{
			Filename:   "sub/C.bin",
			SHAHash:    sha1.Sum(y.data),
			ChunkParts: []manifest.ChunkPart{{GUID: y.info.GUID, Offset: 0, Size: 1000}},
		},
	}
	data := buildManifest(t, []testChunk{x, y}, files)
	m1 := newCDN(t, []testChunk{x, y}, nil)
	m2 := newCDN(t, []testChunk{x, y}, nil)

	opts := testOptions(t)
	info := &DownloadInfo{}
	d := New(opts)
	res, err := d.Run(context.Background(), StaticSource{Data: data, BaseURLs: []string{m1.srv.URL, m2.srv.URL}}, info)

	require.Error(t, err)
	assert.Equal(t, KindChunk, KindOf(err))
	assert.ErrorIs(t, err, chunk.ErrAllMirrorsFailed)
	assert.ErrorIs(t, err, chunk.ErrHashMismatch)
	assert.False(t, IsCancelled(err))
	assert.Equal(t, Failed, res.State)
	assert.Equal(t, Failed, d.State())

	a, err := os.ReadFile(filepath.Join(opts.InstallDir, "A.bin"))
	require.NoError(t, err)
	assert.Equal(t, x.data, a)
	fi, err := os.Stat(filepath.Join(opts.InstallDir, "B.txt"))
	require.NoError(t, err)
	assert.Zero(t, fi.Size())
	assertMissing(t, filepath.Join(opts.InstallDir, "sub", "C.bin"))
	assertMissing(t, filepath.Join(opts.InstallDir, "sub", "C.bin.part"))

	assert.Equal(t, 2, res.FilesAssembled)
	assert.Equal(t, []string{"sub/C.bin"}, res.FilesSkipped)
	assert.Equal(t, 1, res.ChunksFetched)

	snap := info.Snapshot()
	assert.Equal(t, float64(-1), snap.Progress)
	assert.Equal(t, int64(5096), snap.Total)
	assert.Equal(t, int64(4096), snap.Downloaded)
	assert.Contains(t, snap.Status, "Failed")

	// The verified chunk stays cached for the next attempt.
	_, err = os.Stat(opts.ScratchDir)
	assert.NoError(t, err)
}

func TestRunSuccess(t *testing.T) {
	x := newTestChunk(t, manifest.GUID{3, 0, 0, 3}, 3000, false)
	y := newTestChunk(t, manifest.GUID{4, 0, 0, 4}, 500, false)
	unused := newTestChunk(t, manifest.GUID{5, 0, 0, 5}, 100, false)
	want := append(append([]byte{}, y.data[100:300]...), x.data...)
	files := []*manifest.FileManifest{
		{
			Filename: "Game/Data/pak0.pak",
			SHAHash:  sha1.Sum(want),
			Flags:    manifest.FlagReadOnly,
			ChunkParts: []manifest.ChunkPart{
				{GUID: y.info.GUID, Offset: 100, Size: 200},
				{GUID: x.info.GUID, Offset: 0, Size: 3000},
			},
		},
		{
			Filename:   "Game/tail.bin",
			SHAHash:    sha1.Sum(y.data[300:]),
			ChunkParts: []manifest.ChunkPart{{GUID: y.info.GUID, Offset: 300, Size: 200}},
		},
	}
	data := buildManifest(t, []testChunk{x, y, unused}, files)
	empty := newCDN(t, nil, nil)
	good := newCDN(t, []testChunk{x, y, unused}, nil)

	opts := testOptions(t)
	opts.BaseURLs = []string{good.srv.URL, empty.srv.URL + "/"}
	info := &DownloadInfo{}
	res, err := New(opts).Run(context.Background(), StaticSource{Data: data, BaseURLs: []string{empty.srv.URL}}, info)
	require.NoError(t, err)

	assert.Equal(t, Complete, res.State)
	assert.Equal(t, 2, res.ChunksFetched)
	assert.Equal(t, 2, res.FilesAssembled)
	assert.Equal(t, int64(3400), res.BytesDownloaded)
	assert.Equal(t, int32(2), good.hits.Load())
	assert.Equal(t, int32(2), empty.hits.Load())

	got, err := os.ReadFile(filepath.Join(opts.InstallDir, "Game", "Data", "pak0.pak"))
	require.NoError(t, err)
	assert.Equal(t, want, got)
	got, err = os.ReadFile(filepath.Join(opts.InstallDir, "Game", "tail.bin"))
	require.NoError(t, err)
	assert.Equal(t, y.data[300:], got)

	snap := info.Snapshot()
	assert.Equal(t, 1.0, snap.Progress)
	assert.Equal(t, "Complete", snap.Status)
	assert.Equal(t, snap.Total, snap.Downloaded)

	_, err = os.Stat(opts.ScratchDir)
	assert.True(t, os.IsNotExist(err))
}

func TestRunCancelsAtBatchBoundary(t *testing.T) {
	var chunks []testChunk
	var files []*manifest.FileManifest
	for i := uint32(1); i <= 4; i++ {
		c := newTestChunk(t, manifest.GUID{10 + i, 0, 0, i}, 256, false)
		chunks = append(chunks, c)
		files = append(files, &manifest.FileManifest{
			Filename:   "f" + string(rune('0'+i)),
			ChunkParts: []manifest.ChunkPart{{GUID: c.info.GUID, Size: 256}},
		})
	}
	data := buildManifest(t, chunks, files)

	info := &DownloadInfo{}
	var once sync.Once
	server := newCDN(t, chunks, func() { once.Do(info.Cancel) })

	opts := testOptions(t)
	opts.Concurrency = 2
	d := New(opts)
	res, err := d.Run(context.Background(), StaticSource{Data: data, BaseURLs: []string{server.srv.URL}}, info)

	require.Error(t, err)
	assert.True(t, IsCancelled(err))
	assert.Equal(t, KindCancelled, KindOf(err))
	assert.Equal(t, Cancelled, res.State)
	// The first batch finishes; the second never starts.
	assert.Equal(t, int32(2), server.hits.Load())
	assert.Equal(t, 2, res.ChunksFetched)
	assert.Zero(t, res.FilesAssembled)

	snap := info.Snapshot()
	assert.Equal(t, float64(-1), snap.Progress)
	assert.Equal(t, "Cancelled", snap.Status)
	assertMissing(t, filepath.Join(opts.InstallDir, "f1"))
}

func TestRunContextCancelled(t *testing.T) {
	c := newTestChunk(t, manifest.GUID{20, 0, 0, 0}, 64, false)
	data := buildManifest(t, []testChunk{c}, []*manifest.FileManifest{
		{Filename: "x", ChunkParts: []manifest.ChunkPart{{GUID: c.info.GUID, Size: 64}}},
	})
	server := newCDN(t, []testChunk{c}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	info := &DownloadInfo{}
	res, err := New(testOptions(t)).Run(ctx, StaticSource{Data: data, BaseURLs: []string{server.srv.URL}}, info)
	assert.True(t, IsCancelled(err))
	assert.Equal(t, Cancelled, res.State)
	assert.Zero(t, server.hits.Load())
}

func TestRunManifestErrors(t *testing.T) {
	opts := testOptions(t)

	_, err := New(opts).Run(context.Background(), StaticSource{Data: []byte("definitely not a manifest")}, nil)
	assert.Equal(t, KindManifest, KindOf(err))
	assert.ErrorIs(t, err, manifest.ErrBadJSON)

	_, err = New(opts).Run(context.Background(), StaticSource{}, nil)
	assert.Equal(t, KindManifest, KindOf(err))

	_, err = New(opts).Run(context.Background(), FileSource{Path: filepath.Join(t.TempDir(), "missing.manifest")}, nil)
	assert.Equal(t, KindManifest, KindOf(err))
	assert.ErrorIs(t, err, os.ErrNotExist)

	c := newTestChunk(t, manifest.GUID{30, 0, 0, 0}, 64, false)
	data := buildManifest(t, []testChunk{c}, []*manifest.FileManifest{
		{Filename: "x", ChunkParts: []manifest.ChunkPart{{GUID: c.info.GUID, Size: 64}}},
	})
	_, err = New(opts).Run(context.Background(), StaticSource{Data: data}, nil)
	assert.Equal(t, KindManifest, KindOf(err))
}

func TestRunResumesFromScratch(t *testing.T) {
	c := newTestChunk(t, manifest.GUID{40, 0, 0, 0}, 2048, false)
	data := buildManifest(t, []testChunk{c}, []*manifest.FileManifest{
		{Filename: "r.bin", SHAHash: sha1.Sum(c.data), ChunkParts: []manifest.ChunkPart{{GUID: c.info.GUID, Size: 2048}}},
	})
	server := newCDN(t, []testChunk{c}, nil)

	opts := testOptions(t)
	opts.KeepScratch = true
	opts.CacheCompression = true
	_, err := New(opts).Run(context.Background(), StaticSource{Data: data, BaseURLs: []string{server.srv.URL}}, nil)
	require.NoError(t, err)
	require.Equal(t, int32(1), server.hits.Load())

	require.NoError(t, os.Remove(filepath.Join(opts.InstallDir, "r.bin")))
	offline := newCDN(t, nil, nil)
	res, err := New(opts).Run(context.Background(), StaticSource{Data: data, BaseURLs: []string{offline.srv.URL}}, nil)
	require.NoError(t, err)
	assert.Equal(t, Complete, res.State)
	assert.Zero(t, offline.hits.Load())
	got, err := os.ReadFile(filepath.Join(opts.InstallDir, "r.bin"))
	require.NoError(t, err)
	assert.Equal(t, c.data, got)
}

func TestRunAssemblyFailure(t *testing.T) {
	c := newTestChunk(t, manifest.GUID{50, 0, 0, 0}, 128, false)
	data := buildManifest(t, []testChunk{c}, []*manifest.FileManifest{
		{Filename: "bad.bin", SHAHash: sha1.Sum([]byte("other")), ChunkParts: []manifest.ChunkPart{{GUID: c.info.GUID, Size: 128}}},
	})
	server := newCDN(t, []testChunk{c}, nil)

	opts := testOptions(t)
	_, err := New(opts).Run(context.Background(), StaticSource{Data: data, BaseURLs: []string{server.srv.URL}}, nil)
	assert.Equal(t, KindAssembly, KindOf(err))
	var de *Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "bad.bin", de.File)
	assertMissing(t, filepath.Join(opts.InstallDir, "bad.bin"))
}

func TestRequiredChunks(t *testing.T) {
	a := &manifest.ChunkInfo{GUID: manifest.GUID{1}}
	b := &manifest.ChunkInfo{GUID: manifest.GUID{2}}
	unused := &manifest.ChunkInfo{GUID: manifest.GUID{3}}
	m := &manifest.Manifest{
		ChunkDataList: &manifest.ChunkDataList{Elements: []*manifest.ChunkInfo{unused, a, b}},
		FileManifestList: &manifest.FileManifestList{Elements: []*manifest.FileManifest{
			{Filename: "1", ChunkParts: []manifest.ChunkPart{{GUID: b.GUID, Size: 10}, {GUID: a.GUID, Size: 5}}},
			{Filename: "2", ChunkParts: []manifest.ChunkPart{{GUID: b.GUID, Size: 7}}},
		}},
	}
	req, contrib, err := requiredChunks(m)
	require.NoError(t, err)
	assert.Equal(t, []*manifest.ChunkInfo{b, a}, req)
	assert.Equal(t, int64(17), contrib[b.GUID])
	assert.Equal(t, int64(5), contrib[a.GUID])

	m.FileManifestList = &manifest.FileManifestList{Elements: []*manifest.FileManifest{
		{Filename: "3", ChunkParts: []manifest.ChunkPart{{GUID: manifest.GUID{9}, Size: 1}}},
	}}
	_, _, err = requiredChunks(m)
	assert.Error(t, err)
}

func TestMergeBaseURLs(t *testing.T) {
	got := mergeBaseURLs(
		[]string{"https://a.example/CloudDir/", " https://b.example/CloudDir"},
		[]string{"https://a.example/CloudDir", "", "https://c.example"},
	)
	assert.Equal(t, []string{"https://a.example/CloudDir", "https://b.example/CloudDir", "https://c.example"}, got)
}

func TestErrorKinds(t *testing.T) {
	err := &Error{Kind: KindAssembly, File: "a.txt", Err: errors.New("boom")}
	assert.Equal(t, "assembly error: a.txt: boom", err.Error())
	assert.Equal(t, KindAssembly, KindOf(err))
	assert.Zero(t, KindOf(errors.New("plain")))
	assert.Equal(t, "Kind(42)", Kind(42).String())
	assert.Equal(t, "DownloadingChunks", DownloadingChunks.String())
	assert.Equal(t, "Unknown", State(99).String())
	assert.True(t, Cancelled.Terminal())
	assert.False(t, Assembling.Terminal())
}

func TestAssemblyKind(t *testing.T) {
	link := &os.LinkError{Op: "symlink", Old: "a", New: "b", Err: errors.New("exists")}
	assert.Equal(t, KindResource, assemblyKind(fmt.Errorf("assemble b: %w", link)))
	assert.Equal(t, KindResource, assemblyKind(&os.PathError{Op: "open", Path: "x", Err: errors.New("denied")}))
	assert.Equal(t, KindResource, assemblyKind(fmt.Errorf("%w: part 0", assembler.ErrMissingChunk)))
	assert.Equal(t, KindAssembly, assemblyKind(assembler.ErrFileHash))
}

func assertMissing(t *testing.T, path string) {
	t.Helper()
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "%s should not exist", path)
}
