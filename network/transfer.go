package network

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"synchub/storage"
)

const (
	// DefaultChunkSize is the bounded chunk payload size.
	DefaultChunkSize = 64 * 1024
	// DefaultFlowWindow is how many chunks may be in flight unacknowledged.
	DefaultFlowWindow = 16
	// DefaultResponseTimeout bounds waits for transfer responses and acks.
	DefaultResponseTimeout = 10 * time.Second
	// DefaultEvictionGrace keeps paused transfer state after a disconnect
	// before it is discarded.
	DefaultEvictionGrace = 10 * time.Minute
)

// ErrTransferStalled is returned when the peer stops acknowledging chunks;
// the transfer is left paused for a later resume.
var ErrTransferStalled = errors.New("network: transfer stalled")

// TransferStore is the persistence surface the engine needs.
// *storage.Store satisfies it.
type TransferStore interface {
	SaveTransfer(record storage.TransferRecord) error
	GetTransfer(transferID string) (storage.TransferRecord, error)
	UpdateTransferProgress(transferID string, bytesAcked int64) error
	UpdateTransferStatus(transferID, status string) error
}

// TransferProgress reports acknowledged progress for one transfer.
type TransferProgress struct {
	TransferID   string
	PeerDeviceID string
	Direction    string
	BytesAcked   int64
	TotalBytes   int64
	Completed    bool
}

// UploadOffer describes an announced inbound transfer awaiting a decision.
type UploadOffer struct {
	TransferID   string
	PeerDeviceID string
	FileName     string
	FileSize     int64
	Checksum     string
}

// EngineOptions configures a TransferEngine.
type EngineOptions struct {
	SelfDeviceID string
	Store        TransferStore

	ChunkSize      int
	FlowWindow     int
	ResumeEnabled  bool
	ChecksumVerify bool
	// RateLimitBytes caps outbound payload bytes per second. Zero disables
	// the limiter.
	RateLimitBytes  int
	ResponseTimeout time.Duration
	EvictionGrace   time.Duration

	DownloadDir string

	// AcceptUpload decides announced inbound transfers. Nil accepts all.
	AcceptUpload func(UploadOffer) (bool, error)
	// ResolveDownload maps a requested file id to a source for serving
	// file_download_request. Nil rejects all download requests.
	ResolveDownload func(fileID string) (ChunkSource, string, string, error)

	OnProgress func(TransferProgress)
	Log        zerolog.Logger
}

type transferEvent struct {
	response *FileTransferResponse
	ack      *ChunkAck
	complete *TransferComplete
	canceled bool
}

type outboundTransfer struct {
	mu sync.Mutex

	id       string
	peerID   string
	fileName string
	size     int64
	checksum string
	source   ChunkSource

	chunkSize int

	nextSeq    uint64
	ackedSeq   uint64
	bytesAcked int64

	running  bool
	done     bool
	canceled bool

	events chan transferEvent
}

type inboundTransfer struct {
	mu sync.Mutex

	id       string
	peerID   string
	fileName string
	size     int64
	checksum string

	sink        ChunkSink
	lastPercent int
	done        bool
}

// TransferEngine owns all per-transfer state machines: windowed outbound
// sending, strictly in-order inbound writing, resume, cooperative cancel,
// and checksum verification. A failed transfer never takes the connection
// or other transfers down with it.
type TransferEngine struct {
	opts    EngineOptions
	limiter *rate.Limiter
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	outbound  map[string]*outboundTransfer
	inbound   map[string]*inboundTransfer
	evictions map[string]*time.Timer
}

// NewTransferEngine creates an engine with defaults applied.
func NewTransferEngine(opts EngineOptions) *TransferEngine {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.FlowWindow <= 0 {
		opts.FlowWindow = DefaultFlowWindow
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = DefaultResponseTimeout
	}
	if opts.EvictionGrace <= 0 {
		opts.EvictionGrace = DefaultEvictionGrace
	}

	var limiter *rate.Limiter
	if opts.RateLimitBytes > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimitBytes), opts.ChunkSize)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &TransferEngine{
		opts:      opts,
		limiter:   limiter,
		log:       opts.Log.With().Str("component", "transfer").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		outbound:  make(map[string]*outboundTransfer),
		inbound:   make(map[string]*inboundTransfer),
		evictions: make(map[string]*time.Timer),
	}
}

// Close stops all transfer workers.
func (e *TransferEngine) Close() {
	e.cancel()

	e.mu.Lock()
	for _, timer := range e.evictions {
		timer.Stop()
	}
	e.evictions = make(map[string]*time.Timer)
	e.mu.Unlock()

	e.wg.Wait()
}

// SendFile starts an outbound transfer of a file on disk and returns the
// transfer id. The heavy lifting happens on a per-transfer goroutine.
func (e *TransferEngine) SendFile(conn *Conn, sourcePath string) (string, error) {
	source, err := OpenFileSource(sourcePath)
	if err != nil {
		return "", err
	}

	checksum := ""
	if e.opts.ChecksumVerify {
		checksum, err = FileChecksum(sourcePath)
		if err != nil {
			_ = source.Close()
			return "", err
		}
	}

	return e.startOutbound(conn, uuid.NewString(), filepath.Base(sourcePath), checksum, source)
}

// startOutbound registers and launches an outbound transfer over an already
// opened source.
func (e *TransferEngine) startOutbound(conn *Conn, transferID, fileName, checksum string, source ChunkSource) (string, error) {
	transfer := &outboundTransfer{
		id:        transferID,
		peerID:    conn.PeerDeviceID(),
		fileName:  fileName,
		size:      source.Size(),
		checksum:  checksum,
		source:    source,
		chunkSize: e.opts.ChunkSize,
		events:    make(chan transferEvent, 256),
	}

	now := time.Now().UnixMilli()
	if err := e.opts.Store.SaveTransfer(storage.TransferRecord{
		TransferID: transferID,
		DeviceID:   transfer.peerID,
		Direction:  storage.DirectionDownload,
		FileName:   fileName,
		FileSize:   transfer.size,
		Status:     storage.TransferPending,
		Checksum:   checksum,
		CreatedAt:  now,
		UpdatedAt:  now,
	}); err != nil {
		_ = source.Close()
		return "", err
	}

	e.mu.Lock()
	e.outbound[transferID] = transfer
	e.mu.Unlock()

	e.launchOutbound(transfer, conn)
	return transferID, nil
}

func (e *TransferEngine) launchOutbound(transfer *outboundTransfer, conn *Conn) {
	transfer.mu.Lock()
	if transfer.running || transfer.done {
		transfer.mu.Unlock()
		return
	}
	transfer.running = true
	transfer.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		err := e.runOutbound(transfer, conn)

		transfer.mu.Lock()
		transfer.running = false
		done := transfer.done
		transfer.mu.Unlock()

		switch {
		case err == nil:
		case errors.Is(err, ErrTransferStalled):
			e.log.Info().Str("transfer_id", transfer.id).Msg("transfer paused")
		default:
			e.log.Warn().Err(err).Str("transfer_id", transfer.id).Msg("transfer ended with error")
		}

		if done {
			e.removeOutbound(transfer.id)
			_ = transfer.source.Close()
		}
	}()
}

func (e *TransferEngine) runOutbound(transfer *outboundTransfer, conn *Conn) error {
	announce := FileUploadRequest{
		Type:       TypeFileUploadRequest,
		TransferID: transfer.id,
		FileName:   transfer.fileName,
		FileSize:   transfer.size,
		Checksum:   transfer.checksum,
	}
	if err := conn.SendMessage(announce); err != nil {
		return err
	}

	response, err := e.waitForResponse(transfer)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return e.pauseOutbound(transfer)
		}
		return err
	}
	if !response.Accept {
		e.finishOutbound(transfer, storage.TransferFailed)
		return &TransferError{TransferID: transfer.id, Code: TransferPeerRejected, Err: errors.New(response.Message)}
	}

	// The receiver owns the resume decision; position at its offset.
	resumeFrom := response.ResumeFrom
	totalChunks := chunkCount(transfer.size, transfer.chunkSize)
	if resumeFrom > totalChunks {
		resumeFrom = totalChunks
	}
	transfer.mu.Lock()
	transfer.nextSeq = resumeFrom
	transfer.ackedSeq = resumeFrom
	transfer.bytesAcked = ackedBytes(resumeFrom, transfer.chunkSize, transfer.size)
	transfer.mu.Unlock()

	e.setStatus(transfer.id, storage.TransferActive)

	exhausted := false
	for {
		if e.consumeCancel(transfer, conn) {
			return &TransferError{TransferID: transfer.id, Code: TransferPeerCanceled, Err: errors.New("canceled locally")}
		}

		// Fill the flow window.
		for !exhausted {
			transfer.mu.Lock()
			inFlight := transfer.nextSeq - transfer.ackedSeq
			sequence := transfer.nextSeq
			transfer.mu.Unlock()
			if inFlight >= uint64(e.opts.FlowWindow) {
				break
			}

			data, err := transfer.source.ReadChunk(sequence, transfer.chunkSize)
			if errors.Is(err, io.EOF) {
				exhausted = true
				break
			}
			if err != nil {
				e.finishOutbound(transfer, storage.TransferFailed)
				return &TransferError{TransferID: transfer.id, Code: TransferIOFailure, Err: err}
			}

			if e.limiter != nil {
				if err := e.limiter.WaitN(e.ctx, len(data)); err != nil {
					return err
				}
			}

			chunk := FileChunk{
				Type:       TypeFileChunk,
				TransferID: transfer.id,
				Sequence:   sequence,
				Data:       base64.StdEncoding.EncodeToString(data),
			}
			if err := conn.SendMessage(chunk); err != nil {
				return e.pauseOutbound(transfer)
			}

			transfer.mu.Lock()
			transfer.nextSeq++
			transfer.mu.Unlock()

			if e.consumeCancel(transfer, conn) {
				return &TransferError{TransferID: transfer.id, Code: TransferPeerCanceled, Err: errors.New("canceled locally")}
			}
		}

		event, err := e.waitForEvent(transfer)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return e.pauseOutbound(transfer)
			}
			return err
		}

		switch {
		case event.ack != nil:
			transfer.mu.Lock()
			expected := transfer.ackedSeq
			transfer.mu.Unlock()
			if event.ack.Sequence != expected {
				e.finishOutbound(transfer, storage.TransferFailed)
				return &TransferError{
					TransferID: transfer.id,
					Code:       TransferIOFailure,
					Err:        fmt.Errorf("out-of-order ack: got %d, expected %d", event.ack.Sequence, expected),
				}
			}
			transfer.mu.Lock()
			transfer.ackedSeq++
			transfer.bytesAcked = ackedBytes(transfer.ackedSeq, transfer.chunkSize, transfer.size)
			acked := transfer.bytesAcked
			transfer.mu.Unlock()

			_ = e.opts.Store.UpdateTransferProgress(transfer.id, acked)
			e.emitProgress(TransferProgress{
				TransferID:   transfer.id,
				PeerDeviceID: transfer.peerID,
				Direction:    storage.DirectionDownload,
				BytesAcked:   acked,
				TotalBytes:   transfer.size,
			})

		case event.canceled:
			e.finishOutbound(transfer, storage.TransferCanceled)
			return &TransferError{TransferID: transfer.id, Code: TransferPeerCanceled, Err: errors.New("canceled by peer")}

		case event.complete != nil:
			if event.complete.Status == storage.TransferCompleted {
				e.finishOutbound(transfer, storage.TransferCompleted)
				e.emitProgress(TransferProgress{
					TransferID:   transfer.id,
					PeerDeviceID: transfer.peerID,
					Direction:    storage.DirectionDownload,
					BytesAcked:   transfer.size,
					TotalBytes:   transfer.size,
					Completed:    true,
				})
				return nil
			}
			e.finishOutbound(transfer, storage.TransferFailed)
			return &TransferError{
				TransferID: transfer.id,
				Code:       TransferChecksumMismatch,
				Err:        errors.New(event.complete.Message),
			}

		case event.response != nil && !event.response.Accept:
			e.finishOutbound(transfer, storage.TransferFailed)
			return &TransferError{TransferID: transfer.id, Code: TransferPeerRejected, Err: errors.New(event.response.Message)}
		}
	}
}

// pauseOutbound parks a stalled transfer for a later resume, arming the
// eviction timer so abandoned state is eventually discarded. With resume
// disabled a stall is final and the transfer fails instead.
func (e *TransferEngine) pauseOutbound(transfer *outboundTransfer) error {
	transfer.mu.Lock()
	done := transfer.done
	transfer.mu.Unlock()
	if done {
		// A disconnect already settled the transfer's fate.
		return ErrTransferStalled
	}

	if !e.opts.ResumeEnabled {
		e.finishOutbound(transfer, storage.TransferFailed)
		return &TransferError{
			TransferID: transfer.id,
			Code:       TransferIOFailure,
			Err:        errors.New("peer stopped responding with resume disabled"),
		}
	}

	e.setStatus(transfer.id, storage.TransferPaused)
	e.armEviction(transfer.id)
	return ErrTransferStalled
}

// consumeCancel reports whether the transfer was canceled locally, sending
// the cancel frame to the peer at the current chunk boundary.
func (e *TransferEngine) consumeCancel(transfer *outboundTransfer, conn *Conn) bool {
	transfer.mu.Lock()
	canceled := transfer.canceled
	transfer.mu.Unlock()
	if !canceled {
		return false
	}

	_ = conn.SendMessage(CancelTransfer{Type: TypeCancelTransfer, TransferID: transfer.id})
	e.finishOutbound(transfer, storage.TransferCanceled)
	return true
}

func (e *TransferEngine) waitForResponse(transfer *outboundTransfer) (FileTransferResponse, error) {
	for {
		event, err := e.waitForEvent(transfer)
		if err != nil {
			return FileTransferResponse{}, err
		}
		if event.response != nil {
			return *event.response, nil
		}
		if event.canceled {
			e.finishOutbound(transfer, storage.TransferCanceled)
			return FileTransferResponse{}, &TransferError{TransferID: transfer.id, Code: TransferPeerCanceled, Err: errors.New("canceled")}
		}
	}
}

func (e *TransferEngine) waitForEvent(transfer *outboundTransfer) (transferEvent, error) {
	timer := time.NewTimer(e.opts.ResponseTimeout)
	defer timer.Stop()

	select {
	case event := <-transfer.events:
		return event, nil
	case <-timer.C:
		return transferEvent{}, context.DeadlineExceeded
	case <-e.ctx.Done():
		return transferEvent{}, e.ctx.Err()
	}
}

// Cancel requests cooperative cancellation of a transfer in either
// direction. Outbound transfers stop at the next chunk boundary.
func (e *TransferEngine) Cancel(conn *Conn, transferID string) error {
	e.mu.Lock()
	outbound := e.outbound[transferID]
	inbound := e.inbound[transferID]
	e.mu.Unlock()

	if outbound != nil {
		outbound.mu.Lock()
		outbound.canceled = true
		running := outbound.running
		outbound.mu.Unlock()
		if !running {
			// Paused transfer: nothing in flight, cancel immediately.
			_ = conn.SendMessage(CancelTransfer{Type: TypeCancelTransfer, TransferID: transferID})
			e.finishOutbound(outbound, storage.TransferCanceled)
			e.removeOutbound(transferID)
			_ = outbound.source.Close()
		}
		return nil
	}

	if inbound != nil {
		_ = conn.SendMessage(CancelTransfer{Type: TypeCancelTransfer, TransferID: transferID})
		e.abortInbound(inbound, storage.TransferCanceled)
		return nil
	}

	return fmt.Errorf("no active transfer %q", transferID)
}

// HandleUploadRequest processes an announced inbound transfer. Re-announcing
// a known transfer id resumes it from the last whole chunk received.
func (e *TransferEngine) HandleUploadRequest(conn *Conn, request FileUploadRequest) error {
	if request.TransferID == "" || request.FileName == "" || request.FileSize < 0 {
		return errors.New("invalid file_upload_request")
	}

	e.mu.Lock()
	existing := e.inbound[request.TransferID]
	e.mu.Unlock()

	if existing != nil {
		e.cancelEviction(request.TransferID)
		resumeFrom := uint64(0)
		if e.opts.ResumeEnabled {
			resumeFrom = existing.sink.NextSequence()
		} else {
			// Resume is off: discard partial data so the restarted stream
			// begins at sequence zero against a fresh sink.
			_ = existing.sink.Abort()
			finalPath := filepath.Join(e.opts.DownloadDir, request.TransferID+"_"+filepath.Base(existing.fileName))
			sink, err := NewFileSink(finalPath, e.opts.ChunkSize, false)
			if err != nil {
				e.setStatus(request.TransferID, storage.TransferFailed)
				e.removeInbound(request.TransferID)
				return conn.SendMessage(FileTransferResponse{
					Type:       TypeFileTransferResp,
					TransferID: request.TransferID,
					Accept:     false,
					Message:    "cannot store file",
				})
			}
			existing.sink = sink
		}
		e.setStatus(request.TransferID, storage.TransferActive)
		return conn.SendMessage(FileTransferResponse{
			Type:       TypeFileTransferResp,
			TransferID: request.TransferID,
			Accept:     true,
			ResumeFrom: resumeFrom,
		})
	}

	accept := true
	if e.opts.AcceptUpload != nil {
		decision, err := e.opts.AcceptUpload(UploadOffer{
			TransferID:   request.TransferID,
			PeerDeviceID: conn.PeerDeviceID(),
			FileName:     request.FileName,
			FileSize:     request.FileSize,
			Checksum:     request.Checksum,
		})
		if err != nil {
			return err
		}
		accept = decision
	}

	now := time.Now().UnixMilli()
	record := storage.TransferRecord{
		TransferID: request.TransferID,
		DeviceID:   conn.PeerDeviceID(),
		Direction:  storage.DirectionUpload,
		FileName:   request.FileName,
		FileSize:   request.FileSize,
		Status:     storage.TransferPending,
		Checksum:   request.Checksum,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if !accept {
		record.Status = storage.TransferFailed
		_ = e.opts.Store.SaveTransfer(record)
		return conn.SendMessage(FileTransferResponse{
			Type:       TypeFileTransferResp,
			TransferID: request.TransferID,
			Accept:     false,
			Message:    "transfer rejected",
		})
	}

	finalPath := filepath.Join(e.opts.DownloadDir, request.TransferID+"_"+filepath.Base(request.FileName))
	sink, err := NewFileSink(finalPath, e.opts.ChunkSize, e.opts.ResumeEnabled)
	if err != nil {
		record.Status = storage.TransferFailed
		_ = e.opts.Store.SaveTransfer(record)
		_ = conn.SendMessage(FileTransferResponse{
			Type:       TypeFileTransferResp,
			TransferID: request.TransferID,
			Accept:     false,
			Message:    "cannot store file",
		})
		return err
	}

	transfer := &inboundTransfer{
		id:       request.TransferID,
		peerID:   conn.PeerDeviceID(),
		fileName: request.FileName,
		size:     request.FileSize,
		checksum: request.Checksum,
		sink:     sink,
	}

	e.mu.Lock()
	e.inbound[request.TransferID] = transfer
	e.mu.Unlock()

	record.Status = storage.TransferActive
	record.BytesAcked = sink.BytesWritten()
	_ = e.opts.Store.SaveTransfer(record)

	if err := conn.SendMessage(FileTransferResponse{
		Type:       TypeFileTransferResp,
		TransferID: request.TransferID,
		Accept:     true,
		ResumeFrom: sink.NextSequence(),
	}); err != nil {
		return err
	}

	// An empty file carries no chunks, so the sink is already complete and
	// the sender is waiting on the terminal frame.
	if transfer.size == 0 {
		e.finalizeInbound(conn, transfer)
	}
	return nil
}

// HandleDownloadRequest serves a request for a stored file by starting an
// outbound transfer under the requested transfer id.
func (e *TransferEngine) HandleDownloadRequest(conn *Conn, request FileDownloadRequest) error {
	if request.TransferID == "" || request.FileID == "" {
		return errors.New("invalid file_download_request")
	}
	if e.opts.ResolveDownload == nil {
		return conn.SendMessage(ProtocolError{
			Type:      TypeProtocolError,
			Code:      "unknown_file",
			Message:   "downloads are not served",
			RelatedID: request.TransferID,
		})
	}

	source, fileName, checksum, err := e.opts.ResolveDownload(request.FileID)
	if err != nil {
		return conn.SendMessage(ProtocolError{
			Type:      TypeProtocolError,
			Code:      "unknown_file",
			Message:   fmt.Sprintf("file %q is not available", request.FileID),
			RelatedID: request.TransferID,
		})
	}

	_, err = e.startOutbound(conn, request.TransferID, fileName, checksum, source)
	return err
}

// HandleChunk writes one inbound chunk. Chunks must arrive strictly in
// sequence; anything else fails the transfer without touching the connection.
func (e *TransferEngine) HandleChunk(conn *Conn, chunk FileChunk) error {
	transfer := e.getInbound(chunk.TransferID)
	if transfer == nil {
		return conn.SendMessage(ProtocolError{
			Type:      TypeProtocolError,
			Code:      "unknown_transfer",
			Message:   "no such transfer",
			RelatedID: chunk.TransferID,
		})
	}

	data, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		e.failInbound(conn, transfer, "invalid chunk encoding")
		return nil
	}

	if err := transfer.sink.WriteChunk(chunk.Sequence, data); err != nil {
		if errors.Is(err, ErrChunkOutOfOrder) {
			e.failInbound(conn, transfer, "chunk out of order")
			return nil
		}
		e.failInbound(conn, transfer, "write failed")
		return nil
	}

	if err := conn.SendMessage(ChunkAck{
		Type:       TypeChunkAck,
		TransferID: chunk.TransferID,
		Sequence:   chunk.Sequence,
	}); err != nil {
		return nil
	}

	written := transfer.sink.BytesWritten()
	_ = e.opts.Store.UpdateTransferProgress(transfer.id, written)
	e.emitProgress(TransferProgress{
		TransferID:   transfer.id,
		PeerDeviceID: transfer.peerID,
		Direction:    storage.DirectionUpload,
		BytesAcked:   written,
		TotalBytes:   transfer.size,
	})
	e.maybeSendUpdate(conn, transfer, written)

	if written >= transfer.size {
		e.finalizeInbound(conn, transfer)
	}
	return nil
}

// maybeSendUpdate emits transfer_update frames on whole-percent boundaries
// so update traffic stays bounded on large files.
func (e *TransferEngine) maybeSendUpdate(conn *Conn, transfer *inboundTransfer, written int64) {
	if transfer.size <= 0 {
		return
	}
	percent := int(written * 100 / transfer.size)

	transfer.mu.Lock()
	changed := percent > transfer.lastPercent
	if changed {
		transfer.lastPercent = percent
	}
	transfer.mu.Unlock()
	if !changed || percent >= 100 {
		return
	}

	_ = conn.SendMessage(TransferUpdate{
		Type:       TypeTransferUpdate,
		TransferID: transfer.id,
		Progress:   float64(percent) / 100,
		Status:     storage.TransferActive,
	})
}

func (e *TransferEngine) finalizeInbound(conn *Conn, transfer *inboundTransfer) {
	expected := ""
	if e.opts.ChecksumVerify {
		expected = transfer.checksum
	}

	if err := transfer.sink.Commit(expected); err != nil {
		var transferErr *TransferError
		message := "finalize failed"
		if errors.As(err, &transferErr) && transferErr.Code == TransferChecksumMismatch {
			message = "checksum mismatch"
		}
		e.log.Warn().Err(err).Str("transfer_id", transfer.id).Msg("inbound transfer failed")
		e.setStatus(transfer.id, storage.TransferFailed)
		e.removeInbound(transfer.id)
		_ = conn.SendMessage(TransferComplete{
			Type:       TypeTransferComplete,
			TransferID: transfer.id,
			Status:     storage.TransferFailed,
			Message:    message,
		})
		return
	}

	e.setStatus(transfer.id, storage.TransferCompleted)
	e.removeInbound(transfer.id)
	_ = conn.SendMessage(TransferComplete{
		Type:       TypeTransferComplete,
		TransferID: transfer.id,
		Status:     storage.TransferCompleted,
	})
	e.emitProgress(TransferProgress{
		TransferID:   transfer.id,
		PeerDeviceID: transfer.peerID,
		Direction:    storage.DirectionUpload,
		BytesAcked:   transfer.size,
		TotalBytes:   transfer.size,
		Completed:    true,
	})
	e.log.Info().
		Str("transfer_id", transfer.id).
		Str("file", transfer.fileName).
		Int64("bytes", transfer.size).
		Msg("inbound transfer complete")
}

func (e *TransferEngine) failInbound(conn *Conn, transfer *inboundTransfer, message string) {
	_ = transfer.sink.Abort()
	e.setStatus(transfer.id, storage.TransferFailed)
	e.removeInbound(transfer.id)
	_ = conn.SendMessage(TransferComplete{
		Type:       TypeTransferComplete,
		TransferID: transfer.id,
		Status:     storage.TransferFailed,
		Message:    message,
	})
}

// HandleTransferResponse routes a response to its outbound transfer.
func (e *TransferEngine) HandleTransferResponse(response FileTransferResponse) {
	e.deliver(response.TransferID, transferEvent{response: &response})
}

// HandleChunkAck routes an ack to its outbound transfer.
func (e *TransferEngine) HandleChunkAck(ack ChunkAck) {
	e.deliver(ack.TransferID, transferEvent{ack: &ack})
}

// HandleTransferComplete routes a terminal status to its outbound transfer.
func (e *TransferEngine) HandleTransferComplete(complete TransferComplete) {
	e.deliver(complete.TransferID, transferEvent{complete: &complete})
}

// HandleCancel processes a peer-initiated cancel for either direction.
func (e *TransferEngine) HandleCancel(cancel CancelTransfer) {
	e.mu.Lock()
	inbound := e.inbound[cancel.TransferID]
	e.mu.Unlock()

	if inbound != nil {
		e.abortInbound(inbound, storage.TransferCanceled)
		return
	}
	e.deliver(cancel.TransferID, transferEvent{canceled: true})
}

// HandleDisconnect pauses every transfer involving the peer and arms the
// eviction timer, so state survives until the grace period lapses. With
// resume disabled there is nothing to come back to, and the affected
// transfers fail instead.
func (e *TransferEngine) HandleDisconnect(peerDeviceID string) {
	e.mu.Lock()
	var outbound []*outboundTransfer
	var inbound []*inboundTransfer
	for _, transfer := range e.outbound {
		if transfer.peerID == peerDeviceID {
			outbound = append(outbound, transfer)
		}
	}
	for _, transfer := range e.inbound {
		if transfer.peerID == peerDeviceID {
			inbound = append(inbound, transfer)
		}
	}
	e.mu.Unlock()

	if !e.opts.ResumeEnabled {
		for _, transfer := range outbound {
			e.finishOutbound(transfer, storage.TransferFailed)
			transfer.mu.Lock()
			running := transfer.running
			transfer.mu.Unlock()
			// A running worker cleans up on exit; a parked transfer
			// has no one else to do it.
			if !running {
				e.removeOutbound(transfer.id)
				_ = transfer.source.Close()
			}
		}
		for _, transfer := range inbound {
			e.abortInbound(transfer, storage.TransferFailed)
		}
		return
	}

	for _, transfer := range outbound {
		e.setStatus(transfer.id, storage.TransferPaused)
		e.armEviction(transfer.id)
	}
	for _, transfer := range inbound {
		e.setStatus(transfer.id, storage.TransferPaused)
		e.armEviction(transfer.id)
	}
}

// HandleReattach resumes outbound transfers for a freshly attached peer.
// Inbound state waits for the sender to re-announce.
func (e *TransferEngine) HandleReattach(conn *Conn) {
	peerID := conn.PeerDeviceID()

	e.mu.Lock()
	var resumable []*outboundTransfer
	for id, transfer := range e.outbound {
		if transfer.peerID != peerID {
			continue
		}
		e.cancelEvictionLocked(id)
		resumable = append(resumable, transfer)
	}
	for id, transfer := range e.inbound {
		if transfer.peerID == peerID {
			e.cancelEvictionLocked(id)
		}
	}
	e.mu.Unlock()

	for _, transfer := range resumable {
		e.launchOutbound(transfer, conn)
	}
}

func (e *TransferEngine) armEviction(transferID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.evictions[transferID]; exists {
		return
	}
	e.evictions[transferID] = time.AfterFunc(e.opts.EvictionGrace, func() {
		e.evict(transferID)
	})
}

func (e *TransferEngine) cancelEviction(transferID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelEvictionLocked(transferID)
}

func (e *TransferEngine) cancelEvictionLocked(transferID string) {
	if timer, exists := e.evictions[transferID]; exists {
		timer.Stop()
		delete(e.evictions, transferID)
	}
}

func (e *TransferEngine) evict(transferID string) {
	e.mu.Lock()
	outbound := e.outbound[transferID]
	inbound := e.inbound[transferID]
	delete(e.evictions, transferID)
	e.mu.Unlock()

	if outbound != nil {
		e.finishOutbound(outbound, storage.TransferFailed)
		e.removeOutbound(transferID)
		_ = outbound.source.Close()
	}
	if inbound != nil {
		_ = inbound.sink.Abort()
		e.setStatus(transferID, storage.TransferFailed)
		e.removeInbound(transferID)
	}
	if outbound != nil || inbound != nil {
		e.log.Info().Str("transfer_id", transferID).Msg("paused transfer evicted")
	}
}

func (e *TransferEngine) abortInbound(transfer *inboundTransfer, status string) {
	transfer.mu.Lock()
	if transfer.done {
		transfer.mu.Unlock()
		return
	}
	transfer.done = true
	transfer.mu.Unlock()

	_ = transfer.sink.Abort()
	e.setStatus(transfer.id, status)
	e.removeInbound(transfer.id)
}

func (e *TransferEngine) finishOutbound(transfer *outboundTransfer, status string) {
	transfer.mu.Lock()
	transfer.done = true
	transfer.mu.Unlock()
	e.setStatus(transfer.id, status)
}

func (e *TransferEngine) deliver(transferID string, event transferEvent) {
	e.mu.Lock()
	transfer := e.outbound[transferID]
	e.mu.Unlock()
	if transfer == nil {
		return
	}
	select {
	case transfer.events <- event:
	default:
	}
}

func (e *TransferEngine) getInbound(transferID string) *inboundTransfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inbound[transferID]
}

func (e *TransferEngine) removeInbound(transferID string) {
	e.mu.Lock()
	delete(e.inbound, transferID)
	e.mu.Unlock()
}

func (e *TransferEngine) removeOutbound(transferID string) {
	e.mu.Lock()
	delete(e.outbound, transferID)
	e.mu.Unlock()
}

func (e *TransferEngine) setStatus(transferID, status string) {
	if err := e.opts.Store.UpdateTransferStatus(transferID, status); err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.log.Error().Err(err).Str("transfer_id", transferID).Msg("persist transfer status failed")
	}
}

func (e *TransferEngine) emitProgress(progress TransferProgress) {
	if e.opts.OnProgress != nil {
		e.opts.OnProgress(progress)
	}
}

// ackedBytes converts an in-order acked chunk count to bytes, clamped to the
// file size so the figure never regresses past the final short chunk.
func ackedBytes(ackedChunks uint64, chunkSize int, size int64) int64 {
	bytes := int64(ackedChunks) * int64(chunkSize)
	if bytes > size {
		return size
	}
	return bytes
}
