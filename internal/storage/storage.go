// Package storage lays out a torrent's files on disk, serializes reads and
// writes per file, hashes assembled pieces against the metainfo's SHA-1
// table, and tracks which pieces have been verified for fast-resume.
package storage

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/VictoriaMetrics/fastcache"

	"github.com/ccBitTorrent/ccbt-sub001/internal/ccerr"
	"github.com/ccBitTorrent/ccbt-sub001/internal/metainfo"
)

// fileSpan is one file's placement within the flat piece/byte address space.
type fileSpan struct {
	path string
	offset int64 // first byte of this file in the flattened address space
	length int64
}

// Storage manages on-disk layout and verification for a single torrent.
type Storage struct {
	dir string
	pieceLength int64
	totalLength int64
	numPieces int
	pieceHashes [][20]byte
	files []fileSpan

	mu sync.RWMutex
	verified []bool

	// fileMu serializes writers per file; reads proceed concurrently.
	fileMu map[string]*sync.Mutex

	cache *fastcache.Cache // recently-verified piece bytes, read by VerifyPiece; ReadBlock always reads disk
}

// Open lays out (and, if absent, preallocates) files for mi under dir.
func Open(dir string, mi *metainfo.MetaInfo) (*Storage, error) {
	total, err := mi.TotalLength()
	if err != nil {
		return nil, err
	}

	var spans []fileSpan
	var offset int64
	if len(mi.Info.Files) > 0 {
		for _, f := range mi.Info.Files {
			parts := append([]string{mi.Info.Name}, f.Path...)
			spans = append(spans, fileSpan{path: filepath.Join(append([]string{dir}, parts...)...), offset: offset, length: f.Length})
			offset += f.Length
		}
	} else {
		spans = append(spans, fileSpan{path: filepath.Join(dir, mi.Info.Name), offset: 0, length: mi.Info.Length})
	}

	s := &Storage{
		dir: dir,
		pieceLength: mi.Info.PieceLength,
		totalLength: total,
		numPieces: mi.NumPieces(),
		files: spans,
		verified: make([]bool, mi.NumPieces()),
		fileMu: make(map[string]*sync.Mutex, len(spans)),
		cache: fastcache.New(32 * 1024 * 1024),
	}
	for i := 0; i < mi.NumPieces(); i++ {
		s.pieceHashes = append(s.pieceHashes, mi.PieceHash(i))
	}
	for _, span := range spans {
		s.fileMu[span.path] = &sync.Mutex{}
	}

	if err := s.preallocate(); err != nil {
		return nil, err
	}
	return s, nil
}

// preallocate best-effort sparsely allocates every file to its final length.
func (s *Storage) preallocate() error {
	for _, span := range s.files {
		if err := os.MkdirAll(filepath.Dir(span.path), 0o755); err != nil {
			return ccerr.Disk("storage.preallocate", err)
		}
		f, err := os.OpenFile(span.path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return translateDiskErr("storage.preallocate", err)
		}
		info, err := f.Stat()
		if err == nil && info.Size() < span.length {
			if err := f.Truncate(span.length); err != nil {
				f.Close()
				return translateDiskErr("storage.preallocate", err)
			}
		}
		f.Close()
	}
	return nil
}

func translateDiskErr(op string, err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return ccerr.Disk(op, fmt.Errorf("%w: %v", ccerr.ErrNoSpace, err))
	}
	return ccerr.Disk(op, err)
}

// pieceRange returns the flattened [begin, end) byte range for piece index.
func (s *Storage) pieceRange(index int) (int64, int64) {
	begin := int64(index) * s.pieceLength
	end := begin + s.pieceLength
	if end > s.totalLength {
		end = s.totalLength
	}
	return begin, end
}

// PieceLen returns the length of piece index, accounting for the final
// (possibly short) boundary piece.
func (s *Storage) PieceLen(index int) int64 {
	begin, end := s.pieceRange(index)
	return end - begin
}

// NumPieces returns the total piece count.
func (s *Storage) NumPieces() int { return s.numPieces }

// TotalLength returns the sum of all file lengths this torrent lays out.
func (s *Storage) TotalLength() int64 { return s.totalLength }

// WriteBlock writes one block of a piece, serialized per underlying file.
func (s *Storage) WriteBlock(index int, begin int64, data []byte) error {
	pieceBegin, pieceEnd := s.pieceRange(index)
	absBegin := pieceBegin + begin
	if absBegin+int64(len(data)) > pieceEnd {
		return ccerr.Validation("storage.WriteBlock", fmt.Errorf("block exceeds piece boundary"))
	}
	return s.writeRange(absBegin, data)
}

// ReadBlock reads length bytes at the given piece-relative offset.
func (s *Storage) ReadBlock(index int, begin int64, length int64) ([]byte, error) {
	pieceBegin, _ := s.pieceRange(index)
	return s.readRange(pieceBegin+begin, length)
}

// readPiece reads a whole piece, consulting the verified-piece cache first.
func (s *Storage) readPiece(index int) ([]byte, error) {
	key := cacheKey(index)
	if cached, ok := s.cache.HasGet(nil, key); ok {
		return cached, nil
	}
	begin, end := s.pieceRange(index)
	data, err := s.readRange(begin, end-begin)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func cacheKey(index int) []byte {
	return []byte(fmt.Sprintf("piece:%d", index))
}

// writeRange writes data at the flattened absolute offset, splitting across
// file boundaries as necessary, each file's segment serialized by its mutex.
func (s *Storage) writeRange(absOffset int64, data []byte) error {
	remaining := data
	pos := absOffset
	for len(remaining) > 0 {
		span, rel, found := s.spanAt(pos)
		if !found {
			return ccerr.Validation("storage.writeRange", fmt.Errorf("offset %d out of range", pos))
		}
		n := span.length - rel
		if int64(len(remaining)) < n {
			n = int64(len(remaining))
		}
		if err := s.writeToFile(span, rel, remaining[:n]); err != nil {
			return err
		}
		remaining = remaining[n:]
		pos += n
	}
	return nil
}

func (s *Storage) readRange(absOffset int64, length int64) ([]byte, error) {
	out := make([]byte, 0, length)
	pos := absOffset
	remaining := length
	for remaining > 0 {
		span, rel, found := s.spanAt(pos)
		if !found {
			return nil, ccerr.Validation("storage.readRange", fmt.Errorf("offset %d out of range", pos))
		}
		n := span.length - rel
		if remaining < n {
			n = remaining
		}
		buf, err := s.readFromFile(span, rel, n)
		if err != nil {
			return nil, err
		}
		out = append(out, buf...)
		remaining -= n
		pos += n
	}
	return out, nil
}

func (s *Storage) spanAt(absOffset int64) (fileSpan, int64, bool) {
	for _, span := range s.files {
		if absOffset >= span.offset && absOffset < span.offset+span.length {
			return span, absOffset - span.offset, true
		}
	}
	// Degenerate case: offset sits exactly at the end of the last file
	// (zero-length trailing read), treat as not found.
	return fileSpan{}, 0, false
}

func (s *Storage) writeToFile(span fileSpan, offset int64, data []byte) error {
	mu := s.fileMu[span.path]
	mu.Lock()
	defer mu.Unlock()

	f, err := os.OpenFile(span.path, os.O_WRONLY, 0o644)
	if err != nil {
		return translateDiskErr("storage.writeToFile", err)
	}
	defer f.Close()
	if _, err := f.WriteAt(data, offset); err != nil {
		return translateDiskErr("storage.writeToFile", err)
	}
	return nil
}

func (s *Storage) readFromFile(span fileSpan, offset int64, length int64) ([]byte, error) {
	f, err := os.Open(span.path)
	if err != nil {
		return nil, translateDiskErr("storage.readFromFile", err)
	}
	defer f.Close()
	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, translateDiskErr("storage.readFromFile", err)
	}
	return buf, nil
}

// VerifyPiece re-reads the assembled piece and compares its SHA-1 against
// the metainfo's declared hash. On success the verified bit is set
// atomically and the piece is cached for subsequent reads.
func (s *Storage) VerifyPiece(index int) (bool, error) {
	data, err := s.readPiece(index)
	if err != nil {
		return false, err
	}
	sum := sha1.Sum(data)
	ok := sum == s.pieceHashes[index]

	s.mu.Lock()
	s.verified[index] = ok
	s.mu.Unlock()

	if ok {
		s.cache.Set(cacheKey(index), data)
	}
	return ok, nil
}

// IsVerified reports whether piece index has a confirmed-matching hash.
func (s *Storage) IsVerified(index int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.verified[index]
}

// VerifiedBitmap returns a snapshot copy of the per-piece verified bits.
func (s *Storage) VerifiedBitmap() []bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]bool, len(s.verified))
	copy(out, s.verified)
	return out
}

// SetVerifiedBitmap restores verified bits from a resumed checkpoint.
func (s *Storage) SetVerifiedBitmap(bits []bool) error {
	if len(bits) != s.numPieces {
		return ccerr.Validation("storage.SetVerifiedBitmap", fmt.Errorf("bitmap length %d != %d pieces", len(bits), s.numPieces))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.verified, bits)
	return nil
}

// BytesVerified returns the count of bytes in verified pieces.
func (s *Storage) BytesVerified() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for i, v := range s.verified {
		if v {
			n += s.PieceLen(i)
		}
	}
	return n
}

// FileWitness is the (size, mtime) pair recorded at checkpoint time so a
// drift on reload invalidates the resume data.
type FileWitness struct {
	Path string
	Size int64
	Mtime int64
}

// Witnesses returns the current size/mtime of every underlying file.
func (s *Storage) Witnesses() ([]FileWitness, error) {
	out := make([]FileWitness, 0, len(s.files))
	for _, span := range s.files {
		info, err := os.Stat(span.path)
		if err != nil {
			return nil, translateDiskErr("storage.Witnesses", err)
		}
		out = append(out, FileWitness{Path: span.path, Size: info.Size(), Mtime: info.ModTime().UnixNano()})
	}
	return out, nil
}

// CheckWitnesses reports whether any file's recorded size/mtime no longer
// matches disk, or the file list differs; it does not say which file or
// piece range drifted.
func (s *Storage) CheckWitnesses(prior []FileWitness) (bool, error) {
	current, err := s.Witnesses()
	if err != nil {
		return false, err
	}
	if len(current) != len(prior) {
		return true, nil
	}
	for i := range current {
		if current[i] != prior[i] {
			return true, nil
		}
	}
	return false, nil
}

// VerifyAll re-hashes up to n pieces on startup, yielding between pieces so a cooperative scheduler
// can interleave other work.
func (s *Storage) VerifyAll(n int, yield func()) error {
	if n <= 0 || n > s.numPieces {
		n = s.numPieces
	}
	for i := 0; i < n; i++ {
		if _, err := s.VerifyPiece(i); err != nil {
			return err
		}
		if yield != nil {
			yield()
		}
	}
	return nil
}
