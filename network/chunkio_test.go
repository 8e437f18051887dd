package network

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func writeTestFile(t *testing.T, size int) (string, []byte) {
	t.Helper()

	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), "source.bin")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write test file: %v", err)
	}
	return path, data
}

func TestFileSourceReadsChunksBySequence(t *testing.T) {
	path, data := writeTestFile(t, 2500)

	source, err := OpenFileSource(path)
	if err != nil {
		t.Fatalf("OpenFileSource failed: %v", err)
	}
	defer func() {
		_ = source.Close()
	}()

	if source.Size() != 2500 {
		t.Fatalf("unexpected size: %d", source.Size())
	}

	chunk, err := source.ReadChunk(1, 1024)
	if err != nil {
		t.Fatalf("ReadChunk failed: %v", err)
	}
	if !bytes.Equal(chunk, data[1024:2048]) {
		t.Fatal("chunk 1 content mismatch")
	}

	last, err := source.ReadChunk(2, 1024)
	if err != nil {
		t.Fatalf("ReadChunk for final chunk failed: %v", err)
	}
	if len(last) != 2500-2048 {
		t.Fatalf("unexpected final chunk length: %d", len(last))
	}

	if _, err := source.ReadChunk(3, 1024); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF past end, got %v", err)
	}
}

func TestFileSinkCommitVerifiesChecksum(t *testing.T) {
	srcPath, data := writeTestFile(t, 3000)
	checksum, err := FileChecksum(srcPath)
	if err != nil {
		t.Fatalf("FileChecksum failed: %v", err)
	}

	finalPath := filepath.Join(t.TempDir(), "out.bin")
	sink, err := NewFileSink(finalPath, 1024, false)
	if err != nil {
		t.Fatalf("NewFileSink failed: %v", err)
	}

	for seq := uint64(0); seq*1024 < uint64(len(data)); seq++ {
		end := (seq + 1) * 1024
		if end > uint64(len(data)) {
			end = uint64(len(data))
		}
		if err := sink.WriteChunk(seq, data[seq*1024:end]); err != nil {
			t.Fatalf("WriteChunk %d failed: %v", seq, err)
		}
	}

	if err := sink.Commit(checksum); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	got, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatalf("read committed file: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("committed content mismatch")
	}
	if _, err := os.Stat(finalPath + ".part"); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("temp file left behind after commit")
	}
}

func TestFileSinkCommitRejectsBadChecksum(t *testing.T) {
	finalPath := filepath.Join(t.TempDir(), "out.bin")
	sink, err := NewFileSink(finalPath, 8, false)
	if err != nil {
		t.Fatalf("NewFileSink failed: %v", err)
	}
	if err := sink.WriteChunk(0, []byte("payload")); err != nil {
		t.Fatalf("WriteChunk failed: %v", err)
	}

	err = sink.Commit("0000000000000000000000000000000000000000000000000000000000000000")
	var transferErr *TransferError
	if !errors.As(err, &transferErr) || transferErr.Code != TransferChecksumMismatch {
		t.Fatalf("expected checksum mismatch error, got %v", err)
	}
	if _, statErr := os.Stat(finalPath); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatal("file must not be finalized on checksum mismatch")
	}
}

func TestFileSinkRejectsOutOfOrderWrites(t *testing.T) {
	sink, err := NewFileSink(filepath.Join(t.TempDir(), "out.bin"), 8, false)
	if err != nil {
		t.Fatalf("NewFileSink failed: %v", err)
	}
	defer func() {
		_ = sink.Abort()
	}()

	if err := sink.WriteChunk(0, []byte("12345678")); err != nil {
		t.Fatalf("WriteChunk 0 failed: %v", err)
	}
	if err := sink.WriteChunk(2, []byte("12345678")); !errors.Is(err, ErrChunkOutOfOrder) {
		t.Fatalf("expected ErrChunkOutOfOrder, got %v", err)
	}
	if err := sink.WriteChunk(0, []byte("12345678")); !errors.Is(err, ErrChunkOutOfOrder) {
		t.Fatalf("expected ErrChunkOutOfOrder for duplicate, got %v", err)
	}
	if sink.NextSequence() != 1 {
		t.Fatalf("next sequence moved on rejected write: %d", sink.NextSequence())
	}
}

func TestFileSinkResumeTrimsPartialChunk(t *testing.T) {
	finalPath := filepath.Join(t.TempDir(), "out.bin")

	// 2 whole chunks plus 100 bytes of a third.
	if err := os.WriteFile(finalPath+".part", make([]byte, 2*1024+100), 0o600); err != nil {
		t.Fatalf("seed partial file: %v", err)
	}

	sink, err := NewFileSink(finalPath, 1024, true)
	if err != nil {
		t.Fatalf("NewFileSink failed: %v", err)
	}
	defer func() {
		_ = sink.Abort()
	}()

	if sink.NextSequence() != 2 {
		t.Fatalf("expected resume at chunk 2, got %d", sink.NextSequence())
	}
	if sink.BytesWritten() != 2*1024 {
		t.Fatalf("expected partial trailing chunk trimmed, got %d bytes", sink.BytesWritten())
	}

	if err := sink.WriteChunk(2, []byte("tail")); err != nil {
		t.Fatalf("WriteChunk after resume failed: %v", err)
	}
}

func TestFileSinkResumeDisabledStartsOver(t *testing.T) {
	finalPath := filepath.Join(t.TempDir(), "out.bin")
	if err := os.WriteFile(finalPath+".part", make([]byte, 4096), 0o600); err != nil {
		t.Fatalf("seed partial file: %v", err)
	}

	sink, err := NewFileSink(finalPath, 1024, false)
	if err != nil {
		t.Fatalf("NewFileSink failed: %v", err)
	}
	defer func() {
		_ = sink.Abort()
	}()

	if sink.NextSequence() != 0 || sink.BytesWritten() != 0 {
		t.Fatalf("expected truncated sink, got seq %d bytes %d", sink.NextSequence(), sink.BytesWritten())
	}
}

func TestFileSinkAbortRemovesTempFile(t *testing.T) {
	finalPath := filepath.Join(t.TempDir(), "out.bin")
	sink, err := NewFileSink(finalPath, 8, false)
	if err != nil {
		t.Fatalf("NewFileSink failed: %v", err)
	}
	if err := sink.WriteChunk(0, []byte("data")); err != nil {
		t.Fatalf("WriteChunk failed: %v", err)
	}

	if err := sink.Abort(); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if _, err := os.Stat(finalPath + ".part"); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("temp file survived abort")
	}
}

func TestChunkCount(t *testing.T) {
	cases := []struct {
		size      int64
		chunkSize int
		want      uint64
	}{
		{0, 1024, 0},
		{1, 1024, 1},
		{1024, 1024, 1},
		{1025, 1024, 2},
		{10 * 1024, 1024, 10},
	}
	for _, tc := range cases {
		if got := chunkCount(tc.size, tc.chunkSize); got != tc.want {
			t.Fatalf("chunkCount(%d, %d) = %d, want %d", tc.size, tc.chunkSize, got, tc.want)
		}
	}
}

func TestAckedBytesClampsToSize(t *testing.T) {
	if got := ackedBytes(3, 1024, 2500); got != 2500 {
		t.Fatalf("expected clamp to size, got %d", got)
	}
	if got := ackedBytes(2, 1024, 2500); got != 2048 {
		t.Fatalf("expected 2048, got %d", got)
	}
}
