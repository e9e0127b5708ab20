package transfer

import (
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eztrans/peerlink/internal/metrics"
	"github.com/eztrans/peerlink/internal/negotiation"
	"github.com/eztrans/peerlink/internal/ratelimit"
)

type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// ChatMessage is one delivered text message.
type ChatMessage struct {
	ID        string
	Peer      string
	Direction Direction
	Content   string
	At        time.Time
}

// FileRecord describes a completed transfer. Path is the local source for a
// sent file and the written destination for a received one.
type FileRecord struct {
	ID          string
	Peer        string
	Direction   Direction
	Name        string
	Size        int64
	MimeType    string
	Path        string
	CompletedAt time.Time
}

// Events are the endpoint's observer callbacks. They are invoked without
// internal locks held and may be nil.
type Events struct {
	OnText         func(ChatMessage)
	OnFileStart    func(id, name string, size int64)
	OnFileProgress func(id string, receivedChunks, totalChunks int)
	OnFileComplete func(FileRecord)
	OnFileFailed   func(id string, err error)
}

// Config wires an Endpoint to one open peer channel.
type Config struct {
	Peer        string
	Channel     negotiation.Channel
	DownloadDir string
	Clock       ratelimit.Clock
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Events      Events
}

// Endpoint speaks the transfer protocol over a single peer channel.
//
// Receiving tracks at most one file at a time: binary frames carry no id, so
// they are attributed to the transfer announced by the most recent file-chunk
// header. A second file-start while one is in flight supersedes it.
type Endpoint struct {
	cfg   Config
	log   *slog.Logger
	clock ratelimit.Clock

	// sendMu serializes file sends so header/binary pairs from concurrent
	// callers never interleave on the wire.
	sendMu sync.Mutex

	mu   sync.Mutex
	recv *incomingFile
}

type incomingFile struct {
	id          string
	name        string
	mimeType    string
	size        int64
	totalChunks int

	received int
	written  int64

	// pendingIndex is set by a file-chunk header and consumed by the next
	// binary frame.
	pendingIndex *int

	tmp      *os.File
	tmpPath  string
	destPath string
}

func NewEndpoint(cfg Config) *Endpoint {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	return &Endpoint{
		cfg:   cfg,
		log:   cfg.Logger.With("component", "transfer", "peer", cfg.Peer),
		clock: cfg.Clock,
	}
}

// SendText sends one chat message and returns its local record.
func (e *Endpoint) SendText(content string) (ChatMessage, error) {
	now := e.clock.Now()
	frame, err := marshalFrame(Frame{
		Type:      FrameText,
		Text:      content,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return ChatMessage{}, err
	}
	if err := e.cfg.Channel.SendText(frame); err != nil {
		return ChatMessage{}, fmt.Errorf("send text: %w", err)
	}
	e.cfg.Metrics.Inc(metrics.TextMessageSent)
	return ChatMessage{
		ID:        uuid.NewString(),
		Peer:      e.cfg.Peer,
		Direction: DirectionSent,
		Content:   content,
		At:        now,
	}, nil
}

// SendFile streams the file at path to the peer in ChunkSize pieces.
func (e *Endpoint) SendFile(path string) (FileRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileRecord{}, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return FileRecord{}, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return FileRecord{}, fmt.Errorf("send file: %s is a directory", path)
	}

	name := filepath.Base(path)
	size := info.Size()
	totalChunks := TotalChunksFor(size)
	mimeType := mime.TypeByExtension(filepath.Ext(name))
	id := uuid.NewString()

	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	start, err := marshalFrame(Frame{
		Type:        FrameFileStart,
		TransferID:  id,
		FileName:    name,
		FileSize:    size,
		TotalChunks: totalChunks,
	})
	if err != nil {
		return FileRecord{}, err
	}
	if err := e.cfg.Channel.SendText(start); err != nil {
		return FileRecord{}, fmt.Errorf("send file-start: %w", err)
	}

	buf := make([]byte, ChunkSize)
	for index := 0; index < totalChunks; index++ {
		n, err := io.ReadFull(f, buf)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			if index != totalChunks-1 {
				e.cfg.Metrics.Inc(metrics.TransferFailed)
				return FileRecord{}, fmt.Errorf("file shrank while sending: chunk %d of %d", index, totalChunks)
			}
			err = nil
		}
		if err != nil {
			e.cfg.Metrics.Inc(metrics.TransferFailed)
			return FileRecord{}, fmt.Errorf("read chunk %d: %w", index, err)
		}

		i := index
		header, err := marshalFrame(Frame{Type: FrameFileChunk, TransferID: id, ChunkIndex: &i, TotalChunks: totalChunks})
		if err != nil {
			return FileRecord{}, err
		}
		if err := e.cfg.Channel.SendText(header); err != nil {
			e.cfg.Metrics.Inc(metrics.TransferFailed)
			return FileRecord{}, fmt.Errorf("send chunk header %d: %w", index, err)
		}
		if err := e.cfg.Channel.SendBinary(buf[:n]); err != nil {
			e.cfg.Metrics.Inc(metrics.TransferFailed)
			return FileRecord{}, fmt.Errorf("send chunk %d: %w", index, err)
		}
		if e.cfg.Events.OnFileProgress != nil {
			e.cfg.Events.OnFileProgress(id, index+1, totalChunks)
		}
	}

	end, err := marshalFrame(Frame{Type: FrameFileEnd, TransferID: id})
	if err != nil {
		return FileRecord{}, err
	}
	if err := e.cfg.Channel.SendText(end); err != nil {
		e.cfg.Metrics.Inc(metrics.TransferFailed)
		return FileRecord{}, fmt.Errorf("send file-end: %w", err)
	}

	e.cfg.Metrics.Inc(metrics.TransferCompleted)
	rec := FileRecord{
		ID:          id,
		Peer:        e.cfg.Peer,
		Direction:   DirectionSent,
		Name:        name,
		Size:        size,
		MimeType:    mimeType,
		Path:        path,
		CompletedAt: e.clock.Now(),
	}
	if e.cfg.Events.OnFileComplete != nil {
		e.cfg.Events.OnFileComplete(rec)
	}
	return rec, nil
}

// HandleMessage feeds one inbound channel frame into the protocol.
func (e *Endpoint) HandleMessage(msg negotiation.ChannelMessage) {
	if !msg.IsString {
		e.handleBinary(msg.Data)
		return
	}

	frame, err := ParseFrame(msg.Data)
	if err != nil {
		e.log.Warn("invalid frame dropped", "err", err)
		return
	}

	switch frame.Type {
	case FrameText:
		e.handleText(frame)
	case FrameFileStart:
		e.handleFileStart(frame)
	case FrameFileChunk:
		e.handleFileChunk(frame)
	case FrameFileEnd:
		e.handleFileEnd(frame)
	}
}

// Close aborts any in-flight inbound transfer.
func (e *Endpoint) Close() {
	e.failReceive(fmt.Errorf("channel closed"))
}

func (e *Endpoint) handleText(frame Frame) {
	e.cfg.Metrics.Inc(metrics.TextMessageReceived)

	// A missing or malformed timestamp falls back to local receipt time.
	at := e.clock.Now()
	if frame.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, frame.Timestamp); err == nil {
			at = parsed
		}
	}
	msg := ChatMessage{
		ID:        uuid.NewString(),
		Peer:      e.cfg.Peer,
		Direction: DirectionReceived,
		Content:   frame.Text,
		At:        at,
	}
	if e.cfg.Events.OnText != nil {
		e.cfg.Events.OnText(msg)
	}
}

func (e *Endpoint) handleFileStart(frame Frame) {
	// A new announcement supersedes an unfinished transfer.
	e.failReceive(fmt.Errorf("superseded by file-start %s", frame.TransferID))

	dir := e.cfg.DownloadDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.log.Warn("create download dir", "dir", dir, "err", err)
		e.notifyFailed(frame.TransferID, err)
		return
	}

	// The sender controls the name; keep only its base to stop path traversal.
	name := filepath.Base(frame.FileName)
	if name == "." || name == string(filepath.Separator) || name == ".." {
		name = "download"
	}

	tmp, err := os.CreateTemp(dir, ".peerlink-*.part")
	if err != nil {
		e.log.Warn("create part file", "err", err)
		e.notifyFailed(frame.TransferID, err)
		return
	}

	e.mu.Lock()
	e.recv = &incomingFile{
		id:          frame.TransferID,
		name:        name,
		mimeType:    mime.TypeByExtension(filepath.Ext(name)),
		size:        frame.FileSize,
		totalChunks: frame.TotalChunks,
		tmp:         tmp,
		tmpPath:     tmp.Name(),
		destPath:    uniqueDestPath(dir, name),
	}
	e.mu.Unlock()

	e.log.Info("receiving file", "id", frame.TransferID, "name", name, "size", frame.FileSize, "chunks", frame.TotalChunks)
	if e.cfg.Events.OnFileStart != nil {
		e.cfg.Events.OnFileStart(frame.TransferID, name, frame.FileSize)
	}
}

func (e *Endpoint) handleFileChunk(frame Frame) {
	e.mu.Lock()
	r := e.recv
	if r == nil || r.id != frame.TransferID {
		e.mu.Unlock()
		e.log.Warn("chunk header for unknown transfer dropped", "id", frame.TransferID)
		return
	}
	if frame.TotalChunks != r.totalChunks {
		e.mu.Unlock()
		e.failReceive(fmt.Errorf("chunk announces totalChunks %d, file-start said %d", frame.TotalChunks, r.totalChunks))
		return
	}
	if *frame.ChunkIndex != r.received {
		e.mu.Unlock()
		e.failReceive(fmt.Errorf("chunk %d out of order, expected %d", *frame.ChunkIndex, r.received))
		return
	}
	idx := *frame.ChunkIndex
	r.pendingIndex = &idx
	e.mu.Unlock()
}

func (e *Endpoint) handleBinary(data []byte) {
	e.mu.Lock()
	r := e.recv
	if r == nil || r.pendingIndex == nil {
		e.mu.Unlock()
		e.log.Warn("unattributed binary frame dropped", "bytes", len(data))
		return
	}

	if r.written+int64(len(data)) > r.size {
		e.mu.Unlock()
		e.failReceive(fmt.Errorf("transfer exceeds announced size %d", r.size))
		return
	}
	if _, err := r.tmp.Write(data); err != nil {
		e.mu.Unlock()
		e.failReceive(fmt.Errorf("write chunk: %w", err))
		return
	}
	r.written += int64(len(data))
	r.received++
	r.pendingIndex = nil
	id := r.id
	received, total := r.received, r.totalChunks
	e.mu.Unlock()

	if e.cfg.Events.OnFileProgress != nil {
		e.cfg.Events.OnFileProgress(id, received, total)
	}
}

func (e *Endpoint) handleFileEnd(frame Frame) {
	e.mu.Lock()
	r := e.recv
	if r == nil || r.id != frame.TransferID {
		e.mu.Unlock()
		e.log.Warn("file-end for unknown transfer dropped", "id", frame.TransferID)
		return
	}
	if r.received != r.totalChunks || r.written != r.size {
		e.mu.Unlock()
		e.failReceive(fmt.Errorf("incomplete transfer: %d/%d chunks, %d/%d bytes",
			r.received, r.totalChunks, r.written, r.size))
		return
	}
	e.recv = nil
	e.mu.Unlock()

	if err := r.tmp.Close(); err != nil {
		e.discard(r, fmt.Errorf("close part file: %w", err))
		return
	}
	if err := os.Rename(r.tmpPath, r.destPath); err != nil {
		e.discard(r, fmt.Errorf("move into place: %w", err))
		return
	}

	e.cfg.Metrics.Inc(metrics.TransferCompleted)
	rec := FileRecord{
		ID:          r.id,
		Peer:        e.cfg.Peer,
		Direction:   DirectionReceived,
		Name:        r.name,
		Size:        r.size,
		MimeType:    r.mimeType,
		Path:        r.destPath,
		CompletedAt: e.clock.Now(),
	}
	e.log.Info("file received", "id", r.id, "name", r.name, "path", r.destPath)
	if e.cfg.Events.OnFileComplete != nil {
		e.cfg.Events.OnFileComplete(rec)
	}
}

// failReceive aborts the in-flight inbound transfer, if any.
func (e *Endpoint) failReceive(cause error) {
	e.mu.Lock()
	r := e.recv
	e.recv = nil
	e.mu.Unlock()
	if r == nil {
		return
	}
	_ = r.tmp.Close()
	_ = os.Remove(r.tmpPath)
	e.cfg.Metrics.Inc(metrics.TransferFailed)
	e.log.Warn("inbound transfer failed", "id", r.id, "name", r.name, "err", cause)
	e.notifyFailed(r.id, cause)
}

// discard drops a transfer that failed after being detached from recv.
func (e *Endpoint) discard(r *incomingFile, cause error) {
	_ = os.Remove(r.tmpPath)
	e.cfg.Metrics.Inc(metrics.TransferFailed)
	e.log.Warn("inbound transfer failed", "id", r.id, "name", r.name, "err", cause)
	e.notifyFailed(r.id, cause)
}

func (e *Endpoint) notifyFailed(id string, err error) {
	if e.cfg.Events.OnFileFailed != nil {
		e.cfg.Events.OnFileFailed(id, err)
	}
}

// uniqueDestPath picks a destination that doesn't clobber an existing file:
// "report.pdf", then "report (1).pdf" and so on.
func uniqueDestPath(dir, name string) string {
	path := filepath.Join(dir, name)
	if _, err := os.Lstat(path); err != nil {
		return path
	}
	ext := filepath.Ext(name)
	stem := name[:len(name)-len(ext)]
	for i := 1; ; i++ {
		path = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
		if _, err := os.Lstat(path); err != nil {
			return path
		}
	}
}
