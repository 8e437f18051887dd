package network

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"synchub/storage"
)

// fakeTransferStore is an in-memory TransferStore for engine tests.
type fakeTransferStore struct {
	mu      sync.Mutex
	records map[string]storage.TransferRecord
}

func newFakeTransferStore() *fakeTransferStore {
	return &fakeTransferStore{records: make(map[string]storage.TransferRecord)}
}

func (s *fakeTransferStore) SaveTransfer(record storage.TransferRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.TransferID] = record
	return nil
}

func (s *fakeTransferStore) GetTransfer(transferID string) (storage.TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[transferID]
	if !ok {
		return storage.TransferRecord{}, storage.ErrNotFound
	}
	return record, nil
}

func (s *fakeTransferStore) UpdateTransferProgress(transferID string, bytesAcked int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[transferID]
	if !ok {
		return storage.ErrNotFound
	}
	if bytesAcked >= record.BytesAcked {
		record.BytesAcked = bytesAcked
		s.records[transferID] = record
	}
	return nil
}

func (s *fakeTransferStore) UpdateTransferStatus(transferID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[transferID]
	if !ok {
		return storage.ErrNotFound
	}
	record.Status = status
	s.records[transferID] = record
	return nil
}

func (s *fakeTransferStore) status(transferID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[transferID].Status
}

func (s *fakeTransferStore) bytesAcked(transferID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[transferID].BytesAcked
}

func newTestEngine(t *testing.T, store *fakeTransferStore, mutate func(*EngineOptions)) *TransferEngine {
	t.Helper()

	opts := EngineOptions{
		SelfDeviceID:    "hub",
		Store:           store,
		ChunkSize:       1024,
		FlowWindow:      4,
		ResumeEnabled:   true,
		ChecksumVerify:  true,
		ResponseTimeout: 300 * time.Millisecond,
		EvictionGrace:   time.Minute,
		DownloadDir:     t.TempDir(),
		Log:             zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}

	engine := NewTransferEngine(opts)
	t.Cleanup(engine.Close)
	return engine
}

// serveTransfers routes one connection's inbound frames into an engine the
// way the hub's session loop does.
func serveTransfers(ctx context.Context, conn *Conn, engine *TransferEngine) {
	for {
		payload, err := conn.ReceiveMessage(ctx)
		if err != nil {
			return
		}
		msgType, err := DecodeMessageType(payload)
		if err != nil {
			continue
		}
		switch msgType {
		case TypeFileUploadRequest:
			var request FileUploadRequest
			if decodeInto(payload, &request) == nil {
				_ = engine.HandleUploadRequest(conn, request)
			}
		case TypeFileChunk:
			var chunk FileChunk
			if decodeInto(payload, &chunk) == nil {
				_ = engine.HandleChunk(conn, chunk)
			}
		case TypeFileTransferResp:
			var response FileTransferResponse
			if decodeInto(payload, &response) == nil {
				engine.HandleTransferResponse(response)
			}
		case TypeChunkAck:
			var ack ChunkAck
			if decodeInto(payload, &ack) == nil {
				engine.HandleChunkAck(ack)
			}
		case TypeTransferComplete:
			var complete TransferComplete
			if decodeInto(payload, &complete) == nil {
				engine.HandleTransferComplete(complete)
			}
		case TypeCancelTransfer:
			var cancel CancelTransfer
			if decodeInto(payload, &cancel) == nil {
				engine.HandleCancel(cancel)
			}
		}
	}
}

func encodeChunk(transferID string, sequence uint64, data []byte) FileChunk {
	return FileChunk{
		Type:       TypeFileChunk,
		TransferID: transferID,
		Sequence:   sequence,
		Data:       base64.StdEncoding.EncodeToString(data),
	}
}

// expectFrameSkipping reads frames, ignoring transfer_update noise, until
// the wanted type arrives.
func expectFrameSkipping(t *testing.T, transport Transport, wantType string, dst any) {
	t.Helper()

	for i := 0; i < 20; i++ {
		payload := readFrameTimeout(t, transport, 2*time.Second)
		msgType, err := DecodeMessageType(payload)
		if err != nil {
			t.Fatalf("decode frame type: %v", err)
		}
		if msgType == TypeTransferUpdate && wantType != TypeTransferUpdate {
			continue
		}
		if msgType != wantType {
			t.Fatalf("unexpected frame type: got %q want %q (payload %s)", msgType, wantType, payload)
		}
		if dst != nil {
			if err := decodeInto(payload, dst); err != nil {
				t.Fatalf("decode %s frame: %v", wantType, err)
			}
		}
		return
	}
	t.Fatalf("frame %q never arrived", wantType)
}

func TestTransferEndToEnd(t *testing.T) {
	senderStore := newFakeTransferStore()
	receiverStore := newFakeTransferStore()
	sender := newTestEngine(t, senderStore, nil)
	receiver := newTestEngine(t, receiverStore, nil)

	connA, connB := newOpenConnPair(t, "hub", "device-b")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go serveTransfers(ctx, connA, sender)
	go serveTransfers(ctx, connB, receiver)

	path, data := writeTestFile(t, 10_000)
	transferID, err := sender.SendFile(connA, path)
	if err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}

	waitForCondition(t, 5*time.Second, func() bool {
		return senderStore.status(transferID) == storage.TransferCompleted &&
			receiverStore.status(transferID) == storage.TransferCompleted
	}, "transfer did not complete on both sides")

	if senderStore.bytesAcked(transferID) != int64(len(data)) {
		t.Fatalf("sender acked %d bytes, want %d", senderStore.bytesAcked(transferID), len(data))
	}

	finalPath := filepath.Join(receiver.opts.DownloadDir, transferID+"_"+filepath.Base(path))
	got, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatalf("read delivered file: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("delivered content mismatch")
	}
}

func TestZeroByteFileTransferCompletes(t *testing.T) {
	senderStore := newFakeTransferStore()
	receiverStore := newFakeTransferStore()
	sender := newTestEngine(t, senderStore, nil)
	receiver := newTestEngine(t, receiverStore, nil)

	connA, connB := newOpenConnPair(t, "hub", "device-b")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go serveTransfers(ctx, connA, sender)
	go serveTransfers(ctx, connB, receiver)

	path, _ := writeTestFile(t, 0)
	transferID, err := sender.SendFile(connA, path)
	if err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}

	waitForCondition(t, 5*time.Second, func() bool {
		return senderStore.status(transferID) == storage.TransferCompleted &&
			receiverStore.status(transferID) == storage.TransferCompleted
	}, "zero-byte transfer did not complete on both sides")

	finalPath := filepath.Join(receiver.opts.DownloadDir, transferID+"_"+filepath.Base(path))
	info, err := os.Stat(finalPath)
	if err != nil {
		t.Fatalf("stat delivered file: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("delivered file has %d bytes, want 0", info.Size())
	}
}

func TestOutboundRespectsFlowWindow(t *testing.T) {
	store := newFakeTransferStore()
	engine := newTestEngine(t, store, nil)
	conn, remote := newHalfOpenConn(t, "device-b")

	path, _ := writeTestFile(t, 10*1024)
	transferID, err := engine.SendFile(conn, path)
	if err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}

	var request FileUploadRequest
	expectFrame(t, remote, TypeFileUploadRequest, &request)
	if request.TransferID != transferID || request.FileSize != 10*1024 {
		t.Fatalf("unexpected announce: %+v", request)
	}

	engine.HandleTransferResponse(FileTransferResponse{
		Type:       TypeFileTransferResp,
		TransferID: transferID,
		Accept:     true,
	})

	// Exactly FlowWindow chunks may fly before the first ack.
	for i := 0; i < 4; i++ {
		var chunk FileChunk
		expectFrame(t, remote, TypeFileChunk, &chunk)
		if chunk.Sequence != uint64(i) {
			t.Fatalf("chunk out of order: got %d want %d", chunk.Sequence, i)
		}
	}

	engine.HandleChunkAck(ChunkAck{Type: TypeChunkAck, TransferID: transferID, Sequence: 0})

	var chunk FileChunk
	expectFrame(t, remote, TypeFileChunk, &chunk)
	if chunk.Sequence != 4 {
		t.Fatalf("expected chunk 4 after first ack, got %d", chunk.Sequence)
	}

	waitForCondition(t, 2*time.Second, func() bool {
		return store.bytesAcked(transferID) == 1024
	}, "acked bytes not persisted")
}

func TestOutboundPausesWhenAcksStall(t *testing.T) {
	store := newFakeTransferStore()
	engine := newTestEngine(t, store, nil)
	conn, remote := newHalfOpenConn(t, "device-b")

	path, _ := writeTestFile(t, 8*1024)
	transferID, err := engine.SendFile(conn, path)
	if err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}

	expectFrame(t, remote, TypeFileUploadRequest, nil)
	engine.HandleTransferResponse(FileTransferResponse{
		Type:       TypeFileTransferResp,
		TransferID: transferID,
		Accept:     true,
	})
	for i := 0; i < 4; i++ {
		expectFrame(t, remote, TypeFileChunk, nil)
	}

	// No acks: the response timeout must pause, not fail, the transfer.
	waitForCondition(t, 2*time.Second, func() bool {
		return store.status(transferID) == storage.TransferPaused
	}, "stalled transfer not paused")

	// Reattach relaunches from the retained state with a fresh announce.
	engine.HandleReattach(conn)
	expectFrame(t, remote, TypeFileUploadRequest, nil)
}

func TestOutboundFailsOnOutOfOrderAck(t *testing.T) {
	store := newFakeTransferStore()
	engine := newTestEngine(t, store, nil)
	conn, remote := newHalfOpenConn(t, "device-b")

	path, _ := writeTestFile(t, 4*1024)
	transferID, err := engine.SendFile(conn, path)
	if err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}

	expectFrame(t, remote, TypeFileUploadRequest, nil)
	engine.HandleTransferResponse(FileTransferResponse{
		Type:       TypeFileTransferResp,
		TransferID: transferID,
		Accept:     true,
	})
	expectFrame(t, remote, TypeFileChunk, nil)

	engine.HandleChunkAck(ChunkAck{Type: TypeChunkAck, TransferID: transferID, Sequence: 3})

	waitForCondition(t, 2*time.Second, func() bool {
		return store.status(transferID) == storage.TransferFailed
	}, "out-of-order ack did not fail the transfer")
}

func TestOutboundHonorsReceiverResumeOffset(t *testing.T) {
	store := newFakeTransferStore()
	engine := newTestEngine(t, store, nil)
	conn, remote := newHalfOpenConn(t, "device-b")

	path, _ := writeTestFile(t, 5*1024)
	transferID, err := engine.SendFile(conn, path)
	if err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}

	expectFrame(t, remote, TypeFileUploadRequest, nil)
	engine.HandleTransferResponse(FileTransferResponse{
		Type:       TypeFileTransferResp,
		TransferID: transferID,
		Accept:     true,
		ResumeFrom: 3,
	})

	var chunk FileChunk
	expectFrame(t, remote, TypeFileChunk, &chunk)
	if chunk.Sequence != 3 {
		t.Fatalf("expected resume at chunk 3, got %d", chunk.Sequence)
	}
}

func TestOutboundRejectedByPeer(t *testing.T) {
	store := newFakeTransferStore()
	engine := newTestEngine(t, store, nil)
	conn, remote := newHalfOpenConn(t, "device-b")

	path, _ := writeTestFile(t, 2048)
	transferID, err := engine.SendFile(conn, path)
	if err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}

	expectFrame(t, remote, TypeFileUploadRequest, nil)
	engine.HandleTransferResponse(FileTransferResponse{
		Type:       TypeFileTransferResp,
		TransferID: transferID,
		Accept:     false,
		Message:    "no space",
	})

	waitForCondition(t, 2*time.Second, func() bool {
		return store.status(transferID) == storage.TransferFailed
	}, "rejected transfer not marked failed")
}

func TestCancelOutboundStopsAtChunkBoundary(t *testing.T) {
	store := newFakeTransferStore()
	engine := newTestEngine(t, store, nil)
	conn, remote := newHalfOpenConn(t, "device-b")

	path, _ := writeTestFile(t, 20*1024)
	transferID, err := engine.SendFile(conn, path)
	if err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}

	expectFrame(t, remote, TypeFileUploadRequest, nil)
	engine.HandleTransferResponse(FileTransferResponse{
		Type:       TypeFileTransferResp,
		TransferID: transferID,
		Accept:     true,
	})
	for i := 0; i < 4; i++ {
		expectFrame(t, remote, TypeFileChunk, nil)
	}

	if err := engine.Cancel(conn, transferID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	// Deliver an ack so the send loop reaches the next boundary.
	engine.HandleChunkAck(ChunkAck{Type: TypeChunkAck, TransferID: transferID, Sequence: 0})

	expectFrame(t, remote, TypeCancelTransfer, nil)
	waitForCondition(t, 2*time.Second, func() bool {
		return store.status(transferID) == storage.TransferCanceled
	}, "canceled transfer not marked canceled")
}

func TestCancelUnknownTransfer(t *testing.T) {
	engine := newTestEngine(t, newFakeTransferStore(), nil)
	conn, _ := newHalfOpenConn(t, "device-b")

	if err := engine.Cancel(conn, "ghost"); err == nil {
		t.Fatal("expected error for unknown transfer")
	}
}

func TestCancelLeavesConcurrentTransferUntouched(t *testing.T) {
	store := newFakeTransferStore()
	engine := newTestEngine(t, store, nil)
	conn, remote := newHalfOpenConn(t, "device-b")

	keepPath, keepData := writeTestFile(t, 2048)
	keepChecksum, err := FileChecksum(keepPath)
	if err != nil {
		t.Fatalf("FileChecksum failed: %v", err)
	}

	for _, announce := range []FileUploadRequest{
		{Type: TypeFileUploadRequest, TransferID: "t-keep", FileName: "keep.bin", FileSize: 2048, Checksum: keepChecksum},
		{Type: TypeFileUploadRequest, TransferID: "t-cancel", FileName: "cancel.bin", FileSize: 2048},
	} {
		if err := engine.HandleUploadRequest(conn, announce); err != nil {
			t.Fatalf("HandleUploadRequest %s failed: %v", announce.TransferID, err)
		}
		expectFrame(t, remote, TypeFileTransferResp, nil)
	}

	// Both transfers take their first chunk.
	if err := engine.HandleChunk(conn, encodeChunk("t-keep", 0, keepData[:1024])); err != nil {
		t.Fatalf("HandleChunk t-keep failed: %v", err)
	}
	expectFrameSkipping(t, remote, TypeChunkAck, nil)
	if err := engine.HandleChunk(conn, encodeChunk("t-cancel", 0, make([]byte, 1024))); err != nil {
		t.Fatalf("HandleChunk t-cancel failed: %v", err)
	}
	expectFrameSkipping(t, remote, TypeChunkAck, nil)

	if err := engine.Cancel(conn, "t-cancel"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	var cancelFrame CancelTransfer
	expectFrameSkipping(t, remote, TypeCancelTransfer, &cancelFrame)
	if cancelFrame.TransferID != "t-cancel" {
		t.Fatalf("cancel names %q, want t-cancel", cancelFrame.TransferID)
	}
	if store.status("t-cancel") != storage.TransferCanceled {
		t.Fatalf("canceled status %q", store.status("t-cancel"))
	}

	// The canceled transfer processes nothing further.
	if err := engine.HandleChunk(conn, encodeChunk("t-cancel", 1, make([]byte, 1024))); err != nil {
		t.Fatalf("HandleChunk after cancel failed: %v", err)
	}
	var perr ProtocolError
	expectFrameSkipping(t, remote, TypeProtocolError, &perr)
	if perr.Code != "unknown_transfer" {
		t.Fatalf("unexpected protocol error %+v", perr)
	}

	// The concurrent transfer finishes unaffected.
	if err := engine.HandleChunk(conn, encodeChunk("t-keep", 1, keepData[1024:])); err != nil {
		t.Fatalf("HandleChunk t-keep chunk 1 failed: %v", err)
	}
	expectFrameSkipping(t, remote, TypeChunkAck, nil)
	var complete TransferComplete
	expectFrameSkipping(t, remote, TypeTransferComplete, &complete)
	if complete.Status != storage.TransferCompleted {
		t.Fatalf("completion status %q: %s", complete.Status, complete.Message)
	}
	if store.status("t-keep") != storage.TransferCompleted {
		t.Fatalf("kept transfer status %q", store.status("t-keep"))
	}
}

func TestInboundUploadLifecycle(t *testing.T) {
	store := newFakeTransferStore()
	engine := newTestEngine(t, store, nil)
	conn, remote := newHalfOpenConn(t, "device-b")

	path, data := writeTestFile(t, 2500)
	checksum, err := FileChecksum(path)
	if err != nil {
		t.Fatalf("FileChecksum failed: %v", err)
	}

	err = engine.HandleUploadRequest(conn, FileUploadRequest{
		Type:       TypeFileUploadRequest,
		TransferID: "t-up",
		FileName:   "incoming.bin",
		FileSize:   2500,
		Checksum:   checksum,
	})
	if err != nil {
		t.Fatalf("HandleUploadRequest failed: %v", err)
	}

	var response FileTransferResponse
	expectFrame(t, remote, TypeFileTransferResp, &response)
	if !response.Accept || response.ResumeFrom != 0 {
		t.Fatalf("unexpected response: %+v", response)
	}

	for seq := uint64(0); seq*1024 < uint64(len(data)); seq++ {
		end := (seq + 1) * 1024
		if end > uint64(len(data)) {
			end = uint64(len(data))
		}
		if err := engine.HandleChunk(conn, encodeChunk("t-up", seq, data[seq*1024:end])); err != nil {
			t.Fatalf("HandleChunk %d failed: %v", seq, err)
		}
		var ack ChunkAck
		expectFrameSkipping(t, remote, TypeChunkAck, &ack)
		if ack.Sequence != seq {
			t.Fatalf("ack sequence mismatch: got %d want %d", ack.Sequence, seq)
		}
	}

	var complete TransferComplete
	expectFrameSkipping(t, remote, TypeTransferComplete, &complete)
	if complete.Status != storage.TransferCompleted {
		t.Fatalf("unexpected completion: %+v", complete)
	}
	if store.status("t-up") != storage.TransferCompleted {
		t.Fatalf("store status %q", store.status("t-up"))
	}

	got, err := os.ReadFile(filepath.Join(engine.opts.DownloadDir, "t-up_incoming.bin"))
	if err != nil {
		t.Fatalf("read received file: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("received content mismatch")
	}
}

func TestInboundChecksumMismatchFailsTransfer(t *testing.T) {
	store := newFakeTransferStore()
	engine := newTestEngine(t, store, nil)
	conn, remote := newHalfOpenConn(t, "device-b")

	err := engine.HandleUploadRequest(conn, FileUploadRequest{
		Type:       TypeFileUploadRequest,
		TransferID: "t-bad",
		FileName:   "corrupt.bin",
		FileSize:   8,
		Checksum:   "0000000000000000000000000000000000000000000000000000000000000000",
	})
	if err != nil {
		t.Fatalf("HandleUploadRequest failed: %v", err)
	}
	expectFrame(t, remote, TypeFileTransferResp, nil)

	if err := engine.HandleChunk(conn, encodeChunk("t-bad", 0, []byte("12345678"))); err != nil {
		t.Fatalf("HandleChunk failed: %v", err)
	}
	expectFrameSkipping(t, remote, TypeChunkAck, nil)

	var complete TransferComplete
	expectFrameSkipping(t, remote, TypeTransferComplete, &complete)
	if complete.Status != storage.TransferFailed || complete.Message != "checksum mismatch" {
		t.Fatalf("unexpected completion: %+v", complete)
	}
	if store.status("t-bad") != storage.TransferFailed {
		t.Fatalf("store status %q", store.status("t-bad"))
	}
}

func TestInboundOutOfOrderChunkFailsTransferOnly(t *testing.T) {
	store := newFakeTransferStore()
	engine := newTestEngine(t, store, nil)
	conn, remote := newHalfOpenConn(t, "device-b")

	err := engine.HandleUploadRequest(conn, FileUploadRequest{
		Type:       TypeFileUploadRequest,
		TransferID: "t-seq",
		FileName:   "gap.bin",
		FileSize:   4096,
	})
	if err != nil {
		t.Fatalf("HandleUploadRequest failed: %v", err)
	}
	expectFrame(t, remote, TypeFileTransferResp, nil)

	if err := engine.HandleChunk(conn, encodeChunk("t-seq", 2, make([]byte, 1024))); err != nil {
		t.Fatalf("HandleChunk returned error: %v", err)
	}

	var complete TransferComplete
	expectFrameSkipping(t, remote, TypeTransferComplete, &complete)
	if complete.Status != storage.TransferFailed {
		t.Fatalf("unexpected completion: %+v", complete)
	}
	if conn.State() != StateOpen {
		t.Fatalf("failed transfer closed the connection: %s", conn.State())
	}
}

func TestInboundUnknownTransferGetsProtocolError(t *testing.T) {
	engine := newTestEngine(t, newFakeTransferStore(), nil)
	conn, remote := newHalfOpenConn(t, "device-b")

	if err := engine.HandleChunk(conn, encodeChunk("ghost", 0, []byte("x"))); err != nil {
		t.Fatalf("HandleChunk returned error: %v", err)
	}

	var protocolError ProtocolError
	expectFrame(t, remote, TypeProtocolError, &protocolError)
	if protocolError.Code != "unknown_transfer" || protocolError.RelatedID != "ghost" {
		t.Fatalf("unexpected protocol error: %+v", protocolError)
	}
}

func TestInboundResumeAfterReannounce(t *testing.T) {
	store := newFakeTransferStore()
	engine := newTestEngine(t, store, nil)
	conn, remote := newHalfOpenConn(t, "device-b")

	err := engine.HandleUploadRequest(conn, FileUploadRequest{
		Type:       TypeFileUploadRequest,
		TransferID: "t-res",
		FileName:   "resume.bin",
		FileSize:   4096,
	})
	if err != nil {
		t.Fatalf("HandleUploadRequest failed: %v", err)
	}
	expectFrame(t, remote, TypeFileTransferResp, nil)

	for seq := uint64(0); seq < 2; seq++ {
		if err := engine.HandleChunk(conn, encodeChunk("t-res", seq, make([]byte, 1024))); err != nil {
			t.Fatalf("HandleChunk %d failed: %v", seq, err)
		}
		expectFrameSkipping(t, remote, TypeChunkAck, nil)
	}

	engine.HandleDisconnect("device-b")
	if store.status("t-res") != storage.TransferPaused {
		t.Fatalf("expected paused after disconnect, got %q", store.status("t-res"))
	}

	err = engine.HandleUploadRequest(conn, FileUploadRequest{
		Type:       TypeFileUploadRequest,
		TransferID: "t-res",
		FileName:   "resume.bin",
		FileSize:   4096,
	})
	if err != nil {
		t.Fatalf("re-announce failed: %v", err)
	}

	var response FileTransferResponse
	expectFrameSkipping(t, remote, TypeFileTransferResp, &response)
	if !response.Accept || response.ResumeFrom != 2 {
		t.Fatalf("expected resume from chunk 2, got %+v", response)
	}
	if store.status("t-res") != storage.TransferActive {
		t.Fatalf("expected active after resume, got %q", store.status("t-res"))
	}
}

func TestInboundReannounceWithResumeDisabledStartsOver(t *testing.T) {
	store := newFakeTransferStore()
	engine := newTestEngine(t, store, func(opts *EngineOptions) {
		opts.ResumeEnabled = false
	})
	conn, remote := newHalfOpenConn(t, "device-b")

	err := engine.HandleUploadRequest(conn, FileUploadRequest{
		Type:       TypeFileUploadRequest,
		TransferID: "t-nores",
		FileName:   "fresh.bin",
		FileSize:   4096,
	})
	if err != nil {
		t.Fatalf("HandleUploadRequest failed: %v", err)
	}
	expectFrame(t, remote, TypeFileTransferResp, nil)

	if err := engine.HandleChunk(conn, encodeChunk("t-nores", 0, make([]byte, 1024))); err != nil {
		t.Fatalf("HandleChunk failed: %v", err)
	}
	expectFrameSkipping(t, remote, TypeChunkAck, nil)

	err = engine.HandleUploadRequest(conn, FileUploadRequest{
		Type:       TypeFileUploadRequest,
		TransferID: "t-nores",
		FileName:   "fresh.bin",
		FileSize:   4096,
	})
	if err != nil {
		t.Fatalf("re-announce failed: %v", err)
	}

	var response FileTransferResponse
	expectFrameSkipping(t, remote, TypeFileTransferResp, &response)
	if !response.Accept || response.ResumeFrom != 0 {
		t.Fatalf("expected restart from chunk 0, got %+v", response)
	}

	// The restarted stream must accept sequence zero again.
	if err := engine.HandleChunk(conn, encodeChunk("t-nores", 0, make([]byte, 1024))); err != nil {
		t.Fatalf("HandleChunk after restart failed: %v", err)
	}
	expectFrameSkipping(t, remote, TypeChunkAck, nil)
}

func TestDisconnectWithResumeDisabledFailsTransfers(t *testing.T) {
	store := newFakeTransferStore()
	engine := newTestEngine(t, store, func(opts *EngineOptions) {
		opts.ResumeEnabled = false
	})
	conn, remote := newHalfOpenConn(t, "device-b")

	path, _ := writeTestFile(t, 4096)
	outID, err := engine.SendFile(conn, path)
	if err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}
	expectFrame(t, remote, TypeFileUploadRequest, nil)

	err = engine.HandleUploadRequest(conn, FileUploadRequest{
		Type:       TypeFileUploadRequest,
		TransferID: "t-drop",
		FileName:   "drop.bin",
		FileSize:   4096,
	})
	if err != nil {
		t.Fatalf("HandleUploadRequest failed: %v", err)
	}
	expectFrame(t, remote, TypeFileTransferResp, nil)
	if err := engine.HandleChunk(conn, encodeChunk("t-drop", 0, make([]byte, 1024))); err != nil {
		t.Fatalf("HandleChunk failed: %v", err)
	}
	expectFrameSkipping(t, remote, TypeChunkAck, nil)

	engine.HandleDisconnect("device-b")

	if store.status(outID) != storage.TransferFailed {
		t.Fatalf("outbound status %q, want failed", store.status(outID))
	}
	if store.status("t-drop") != storage.TransferFailed {
		t.Fatalf("inbound status %q, want failed", store.status("t-drop"))
	}

	// The inbound state is gone; a late chunk hits an unknown transfer.
	if err := engine.HandleChunk(conn, encodeChunk("t-drop", 1, make([]byte, 1024))); err != nil {
		t.Fatalf("HandleChunk after disconnect failed: %v", err)
	}
	var perr ProtocolError
	expectFrameSkipping(t, remote, TypeProtocolError, &perr)
	if perr.Code != "unknown_transfer" || perr.RelatedID != "t-drop" {
		t.Fatalf("unexpected protocol error %+v", perr)
	}
}

func TestStallWithResumeDisabledFailsOutbound(t *testing.T) {
	store := newFakeTransferStore()
	engine := newTestEngine(t, store, func(opts *EngineOptions) {
		opts.ResumeEnabled = false
		opts.ResponseTimeout = 50 * time.Millisecond
	})
	conn, remote := newHalfOpenConn(t, "device-b")

	path, _ := writeTestFile(t, 4096)
	transferID, err := engine.SendFile(conn, path)
	if err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}
	expectFrame(t, remote, TypeFileUploadRequest, nil)

	// The peer never answers the announce.
	waitForCondition(t, 2*time.Second, func() bool {
		return store.status(transferID) == storage.TransferFailed
	}, "stalled transfer was not failed with resume disabled")
}

func TestUploadRejectedByAcceptCallback(t *testing.T) {
	store := newFakeTransferStore()
	engine := newTestEngine(t, store, func(opts *EngineOptions) {
		opts.AcceptUpload = func(offer UploadOffer) (bool, error) {
			return offer.FileSize < 1000, nil
		}
	})
	conn, remote := newHalfOpenConn(t, "device-b")

	err := engine.HandleUploadRequest(conn, FileUploadRequest{
		Type:       TypeFileUploadRequest,
		TransferID: "t-big",
		FileName:   "huge.bin",
		FileSize:   1 << 30,
	})
	if err != nil {
		t.Fatalf("HandleUploadRequest failed: %v", err)
	}

	var response FileTransferResponse
	expectFrame(t, remote, TypeFileTransferResp, &response)
	if response.Accept {
		t.Fatal("expected rejection")
	}
	if store.status("t-big") != storage.TransferFailed {
		t.Fatalf("store status %q", store.status("t-big"))
	}
}

func TestDisconnectEvictionDiscardsPausedTransfer(t *testing.T) {
	store := newFakeTransferStore()
	engine := newTestEngine(t, store, func(opts *EngineOptions) {
		opts.EvictionGrace = 30 * time.Millisecond
	})
	conn, remote := newHalfOpenConn(t, "device-b")

	err := engine.HandleUploadRequest(conn, FileUploadRequest{
		Type:       TypeFileUploadRequest,
		TransferID: "t-evict",
		FileName:   "orphan.bin",
		FileSize:   4096,
	})
	if err != nil {
		t.Fatalf("HandleUploadRequest failed: %v", err)
	}
	expectFrame(t, remote, TypeFileTransferResp, nil)

	engine.HandleDisconnect("device-b")

	waitForCondition(t, 2*time.Second, func() bool {
		return store.status("t-evict") == storage.TransferFailed
	}, "paused transfer not evicted after grace period")

	// Evicted state is gone: a chunk for it is now an unknown transfer.
	if err := engine.HandleChunk(conn, encodeChunk("t-evict", 0, []byte("x"))); err != nil {
		t.Fatalf("HandleChunk returned error: %v", err)
	}
	expectFrame(t, remote, TypeProtocolError, nil)
}

func TestDownloadRequestServesResolvedFile(t *testing.T) {
	store := newFakeTransferStore()
	path, _ := writeTestFile(t, 2048)
	engine := newTestEngine(t, store, func(opts *EngineOptions) {
		opts.ResolveDownload = func(fileID string) (ChunkSource, string, string, error) {
			if fileID != "file-1" {
				return nil, "", "", fmt.Errorf("unknown file %q", fileID)
			}
			source, err := OpenFileSource(path)
			return source, "stored.bin", "", err
		}
	})
	conn, remote := newHalfOpenConn(t, "device-b")

	err := engine.HandleDownloadRequest(conn, FileDownloadRequest{
		Type:       TypeFileDownloadRequest,
		TransferID: "t-dl",
		FileID:     "file-1",
	})
	if err != nil {
		t.Fatalf("HandleDownloadRequest failed: %v", err)
	}

	var request FileUploadRequest
	expectFrame(t, remote, TypeFileUploadRequest, &request)
	if request.TransferID != "t-dl" || request.FileName != "stored.bin" {
		t.Fatalf("unexpected announce: %+v", request)
	}

	err = engine.HandleDownloadRequest(conn, FileDownloadRequest{
		Type:       TypeFileDownloadRequest,
		TransferID: "t-dl-2",
		FileID:     "missing",
	})
	if err != nil {
		t.Fatalf("HandleDownloadRequest for missing file errored: %v", err)
	}
	var protocolError ProtocolError
	expectFrame(t, remote, TypeProtocolError, &protocolError)
	if protocolError.Code != "unknown_file" || protocolError.RelatedID != "t-dl-2" {
		t.Fatalf("unexpected protocol error: %+v", protocolError)
	}
}

func TestSendFileMissingSource(t *testing.T) {
	engine := newTestEngine(t, newFakeTransferStore(), nil)
	conn, _ := newHalfOpenConn(t, "device-b")

	if _, err := engine.SendFile(conn, filepath.Join(t.TempDir(), "absent.bin")); err == nil {
		t.Fatal("expected error for missing source file")
	}
	if _, err := engine.SendFile(conn, t.TempDir()); err == nil {
		t.Fatal("expected error for directory source")
	}
}
