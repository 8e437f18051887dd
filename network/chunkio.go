package network

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ChunkSource supplies outbound file payload one bounded chunk at a time.
type ChunkSource interface {
	// ReadChunk returns the payload for the given sequence number, or io.EOF
	// once the sequence is past the end of the data.
	ReadChunk(sequence uint64, chunkSize int) ([]byte, error)
	// Size returns the total payload size in bytes.
	Size() int64
	Close() error
}

// ChunkSink consumes inbound file payload. Writes are strictly sequential;
// a sink rejects any sequence other than NextSequence.
type ChunkSink interface {
	WriteChunk(sequence uint64, data []byte) error
	NextSequence() uint64
	BytesWritten() int64
	// Commit finalizes the payload. A non-empty expectedChecksum is verified
	// against the written bytes first.
	Commit(expectedChecksum string) error
	// Abort discards partial data.
	Abort() error
}

// ErrChunkOutOfOrder is returned by sinks for a non-sequential write.
var ErrChunkOutOfOrder = errors.New("network: chunk sequence out of order")

// FileSource reads chunks from a file on disk.
type FileSource struct {
	file *os.File
	size int64
}

// OpenFileSource opens a regular file for chunked reading.
func OpenFileSource(path string) (*FileSource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		return nil, errors.New("source path must be a file")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}
	return &FileSource{file: file, size: info.Size()}, nil
}

func (s *FileSource) ReadChunk(sequence uint64, chunkSize int) ([]byte, error) {
	offset := int64(sequence) * int64(chunkSize)
	if offset >= s.size {
		return nil, io.EOF
	}

	buffer := make([]byte, chunkSize)
	n, err := s.file.ReadAt(buffer, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read chunk at offset %d: %w", offset, err)
	}
	if n == 0 {
		return nil, io.EOF
	}
	return buffer[:n], nil
}

func (s *FileSource) Size() int64 { return s.size }

func (s *FileSource) Close() error { return s.file.Close() }

// FileSink writes chunks to a temp file and renames it into place on commit.
type FileSink struct {
	mu sync.Mutex

	tempPath  string
	finalPath string
	file      *os.File

	chunkSize    int
	nextSequence uint64
	bytesWritten int64
	finished     bool
}

// NewFileSink prepares a sink for finalPath. If resume is true and a partial
// temp file exists, writing continues from the last whole chunk boundary;
// otherwise any partial data is discarded.
func NewFileSink(finalPath string, chunkSize int, resume bool) (*FileSink, error) {
	if chunkSize <= 0 {
		return nil, errors.New("chunk size must be > 0")
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o700); err != nil {
		return nil, fmt.Errorf("create download directory: %w", err)
	}

	tempPath := finalPath + ".part"
	var resumeBytes int64
	if resume {
		if info, err := os.Stat(tempPath); err == nil {
			// Drop a trailing partial chunk so resume restarts on a boundary.
			resumeBytes = info.Size() - info.Size()%int64(chunkSize)
		}
	}

	flags := os.O_CREATE | os.O_WRONLY
	if resumeBytes == 0 {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(tempPath, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open temp file: %w", err)
	}
	if resumeBytes > 0 {
		if err := file.Truncate(resumeBytes); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("trim partial chunk: %w", err)
		}
		if _, err := file.Seek(resumeBytes, io.SeekStart); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("seek to resume offset: %w", err)
		}
	}

	return &FileSink{
		tempPath:     tempPath,
		finalPath:    finalPath,
		file:         file,
		chunkSize:    chunkSize,
		nextSequence: uint64(resumeBytes) / uint64(chunkSize),
		bytesWritten: resumeBytes,
	}, nil
}

func (s *FileSink) WriteChunk(sequence uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return errors.New("network: sink is finished")
	}
	if sequence != s.nextSequence {
		return fmt.Errorf("%w: got %d, expected %d", ErrChunkOutOfOrder, sequence, s.nextSequence)
	}
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("write chunk %d: %w", sequence, err)
	}

	s.nextSequence++
	s.bytesWritten += int64(len(data))
	return nil
}

func (s *FileSink) NextSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSequence
}

func (s *FileSink) BytesWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesWritten
}

func (s *FileSink) Commit(expectedChecksum string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return errors.New("network: sink is finished")
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	s.finished = true

	if expectedChecksum != "" {
		checksum, err := FileChecksum(s.tempPath)
		if err != nil {
			return err
		}
		if !strings.EqualFold(checksum, expectedChecksum) {
			return &TransferError{
				Code: TransferChecksumMismatch,
				Err:  fmt.Errorf("have %s, want %s", checksum, expectedChecksum),
			}
		}
	}

	if err := os.Rename(s.tempPath, s.finalPath); err != nil {
		return fmt.Errorf("finalize file: %w", err)
	}
	return nil
}

func (s *FileSink) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.finished {
		_ = s.file.Close()
		s.finished = true
	}
	if err := os.Remove(s.tempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// FinalPath returns the destination path the sink commits to.
func (s *FileSink) FinalPath() string { return s.finalPath }

// FileChecksum returns the hex SHA-256 of a file's contents.
func FileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for checksum: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func chunkCount(size int64, chunkSize int) uint64 {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	chunks := uint64(size / int64(chunkSize))
	if size%int64(chunkSize) != 0 {
		chunks++
	}
	return chunks
}
