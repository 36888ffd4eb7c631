package chunk

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/APTlantis/epic-build-downloader/internal/manifest"
)

// ErrNotCached is returned by Store.Get for a chunk that was never stored.
var ErrNotCached = errors.New("chunk: not in scratch store")

// Store keeps verified, decompressed chunks on local disk keyed by GUID so
// that assembly can stream from them and resumed runs can skip refetching.
// With compression on, files are zstd frames named <GUID>.chunk.zst.
type Store struct {
	dir string
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewStore creates dir if needed.
func NewStore(dir string, compress bool) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &Store{dir: dir}
	if compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, err
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			enc.Close()
			return nil, err
		}
		s.enc, s.dec = enc, dec
	}
	return s, nil
}

// Dir is the scratch directory.
func (s *Store) Dir() string { return s.dir }

// Path is where the chunk with this GUID lives.
func (s *Store) Path(g manifest.GUID) string {
	name := g.String() + ".chunk"
	if s.enc != nil {
		name += ".zst"
	}
	return filepath.Join(s.dir, name)
}

// Put writes data atomically: a .part file renamed into place.
func (s *Store) Put(g manifest.GUID, data []byte) error {
	out := data
	if s.enc != nil {
		out = s.enc.EncodeAll(data, make([]byte, 0, len(data)/2))
	}
	dst := s.Path(g)
	tmp := dst + ".part"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("store chunk %s: %w", g, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("store chunk %s: %w", g, err)
	}
	return nil
}

// Get returns the stored bytes, or ErrNotCached.
func (s *Store) Get(g manifest.GUID) ([]byte, error) {
	b, err := os.ReadFile(s.Path(g))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotCached, g)
	}
	if err != nil {
		return nil, err
	}
	if s.dec != nil {
		if b, err = s.dec.DecodeAll(b, nil); err != nil {
			return nil, fmt.Errorf("read cached chunk %s: %w", g, err)
		}
	}
	return b, nil
}

// Lookup returns a cached chunk only when it still matches the manifest's
// window size and hash. Stale or damaged entries are removed.
func (s *Store) Lookup(info *manifest.ChunkInfo) ([]byte, bool) {
	b, err := s.Get(info.GUID)
	if err != nil {
		return nil, false
	}
	if err := Verify(info, b); err != nil {
		_ = s.Remove(info.GUID)
		return nil, false
	}
	return b, true
}

// Has reports whether a file exists for the GUID without reading it.
func (s *Store) Has(g manifest.GUID) bool {
	_, err := os.Stat(s.Path(g))
	return err == nil
}

// Remove deletes one cached chunk. Missing entries are not an error.
func (s *Store) Remove(g manifest.GUID) error {
	if err := os.Remove(s.Path(g)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// RemoveAll deletes the scratch directory.
func (s *Store) RemoveAll() error { return os.RemoveAll(s.dir) }

// Close releases the zstd coders.
func (s *Store) Close() {
	if s.enc != nil {
		s.enc.Close()
	}
	if s.dec != nil {
		s.dec.Close()
	}
}
