package transfer

import (
	"bytes"
	"context"
	"crypto/cipher"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chanderlud/giga-grabber/internal/checkpoint"
	"github.com/chanderlud/giga-grabber/internal/config"
	"github.com/chanderlud/giga-grabber/internal/logging"
	"github.com/chanderlud/giga-grabber/internal/mega"
)

// API is the protocol surface the engine needs from the mega client.
type API interface {
	NegotiateDownload(ctx context.Context, node *mega.Node) (*mega.DownloadTicket, error)
	NegotiateUpload(ctx context.Context, size uint64) (*mega.UploadTicket, error)
	CompleteUpload(ctx context.Context, nodes *mega.Nodes, parent, name string, key *mega.FileKey, completionHandle string) (*mega.Node, error)
}

// Content moves raw bytes to and from the negotiated content URLs.
type Content interface {
	Get(ctx context.Context, url string) (io.ReadCloser, error)
	Post(ctx context.Context, url string, body io.Reader, contentLength int64) (io.ReadCloser, error)
}

// Engine executes single transfer tasks against the content endpoints.
// Scheduling, budgeting and events live in Scheduler; the engine only knows
// how to move one task's bytes.
type Engine struct {
	api     API
	content Content
	store   checkpoint.Repository
	cfg     *config.Config
	log     logging.Logger
}

// NewEngine wires an engine. The store persists download watermarks; cfg
// supplies the retry policy and the keep-partial switch.
func NewEngine(api API, content Content, store checkpoint.Repository, cfg *config.Config, log logging.Logger) *Engine {
	if log == nil {
		log = logging.NewSlogLogger(slog.Default())
	}
	return &Engine{api: api, content: content, store: store, cfg: cfg, log: log}
}

// Run drives t to completion, pause or failure. It returns nil on success,
// ErrTaskPaused when a requested pause was honored, ErrTaskCancelled when
// the task's owner cancelled it, and the failure cause otherwise.
func (e *Engine) Run(ctx context.Context, t *Task) error {
	if t.Direction == DirectionUpload {
		return e.upload(ctx, t)
	}
	return e.download(ctx, t)
}

func (e *Engine) download(ctx context.Context, t *Task) error {
	if fi, err := os.Stat(t.TargetPath); err == nil && fi.Mode().IsRegular() {
		e.log.Info(ctx, "target exists, skipping download", "path", t.TargetPath)
		t.completed.Store(uint64(fi.Size()))
		return nil
	}

	ticket, err := e.api.NegotiateDownload(ctx, t.node)
	if err != nil {
		return fmt.Errorf("negotiating download: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(t.TargetPath), 0o755); err != nil {
		return fmt.Errorf("creating download directory: %w", err)
	}

	partial := t.TargetPath + ".partial"
	transferID, sections, fresh, err := e.loadCheckpoint(ctx, t, ticket.Size, partial)
	if err != nil {
		return err
	}

	flags := os.O_RDWR | os.O_CREATE
	if fresh {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(partial, flags, 0o644)
	if err != nil {
		return fmt.Errorf("opening partial file: %w", err)
	}

	mac, err := mega.NewMACAccumulator(ticket.Key)
	if err != nil {
		f.Close()
		return err
	}
	drain := newMACDrain(f, mac)

	// Verification is fail-closed on resume: the already completed prefix
	// is replayed through the accumulator before anything new is fetched.
	var doneBytes uint64
	for _, sec := range sections {
		if !sec.Completed {
			continue
		}
		doneBytes += sec.Length
		if err := drain.complete(sec.Start, sec.Length); err != nil {
			f.Close()
			return err
		}
	}
	t.completed.Store(doneBytes)

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(max(int(t.Weight), 1))
	for _, sec := range sections {
		if sec.Completed {
			continue
		}
		if gctx.Err() != nil {
			break
		}
		group.Go(func() error {
			return e.fetchSection(gctx, t, ticket, transferID, drain, sec)
		})
	}
	if err := group.Wait(); err != nil {
		f.Close()
		return e.interrupted(ctx, t, partial, transferID, err)
	}

	if got := drain.absorbed(); got != ticket.Size {
		f.Close()
		return fmt.Errorf("absorbed %d of %d content bytes", got, ticket.Size)
	}
	if mac.Sum() != ticket.Key.MAC {
		f.Close()
		e.discardOutput(ctx, partial, transferID)
		return fmt.Errorf("verifying %s: %w", t.Name, mega.ErrMACMismatch)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("flushing partial file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing partial file: %w", err)
	}
	if err := os.Rename(partial, t.TargetPath); err != nil {
		return fmt.Errorf("finalizing download: %w", err)
	}
	if err := e.store.DeleteTransfer(context.WithoutCancel(ctx), transferID); err != nil {
		e.log.Warn(ctx, "failed to drop finished checkpoint", "task", t.ID, "error", err)
	}
	e.log.Info(ctx, "download finished", "task", t.ID, "path", t.TargetPath, "size", ticket.Size)
	return nil
}

// loadCheckpoint finds a resumable record for the task's node and target or
// creates a fresh one. A record whose size disagrees with the negotiated
// size, or whose partial file is gone, is discarded.
func (e *Engine) loadCheckpoint(ctx context.Context, t *Task, size uint64, partial string) (string, []checkpoint.Section, bool, error) {
	rec, err := e.store.FindTransfer(ctx, t.node.Handle, t.TargetPath)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
	case err != nil:
		return "", nil, false, fmt.Errorf("loading checkpoint: %w", err)
	default:
		stale := rec.Size != size
		if !stale {
			if _, statErr := os.Stat(partial); statErr != nil {
				stale = true
			}
		}
		if !stale {
			sections, err := e.store.Sections(ctx, rec.ID)
			if err != nil {
				return "", nil, false, fmt.Errorf("loading checkpoint sections: %w", err)
			}
			e.log.Info(ctx, "resuming download", "task", t.ID, "path", t.TargetPath)
			return rec.ID, sections, false, nil
		}
		if err := e.store.DeleteTransfer(ctx, rec.ID); err != nil {
			return "", nil, false, fmt.Errorf("dropping stale checkpoint: %w", err)
		}
	}

	sections := planSections(size, t.Weight)
	for i := range sections {
		sections[i].TransferID = t.ID
	}
	rec = &checkpoint.Transfer{
		ID:         t.ID,
		NodeHandle: t.node.Handle,
		TargetPath: t.TargetPath,
		Size:       size,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.store.CreateTransfer(ctx, rec, sections); err != nil {
		return "", nil, false, fmt.Errorf("recording checkpoint: %w", err)
	}
	return t.ID, sections, true, nil
}

func (e *Engine) fetchSection(ctx context.Context, t *Task, ticket *mega.DownloadTicket, transferID string, drain *macDrain, sec checkpoint.Section) error {
	if err := ctx.Err(); err != nil {
		return e.interrupt(t, err)
	}
	if t.pauseRequested() {
		return ErrTaskPaused
	}

	url := ticket.SectionURL(sec.Start, sec.Start+sec.Length-1)
	for attempt := 0; ; attempt++ {
		err := e.fetchOnce(ctx, ticket.Key, url, drain.file, sec)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return e.interrupt(t, ctx.Err())
		}
		if attempt >= e.cfg.MaxRetries {
			return fmt.Errorf("section at %d: %w: %v", sec.Start, ErrRetriesExhausted, err)
		}
		t.retries.Add(1)
		e.log.Warn(ctx, "section fetch failed, retrying", "task", t.ID, "start", sec.Start, "attempt", attempt+1, "error", err)
		if err := sleepRetry(ctx, retryDelay(attempt, e.cfg.MinRetryDelay, e.cfg.MaxRetryDelay)); err != nil {
			return e.interrupt(t, err)
		}
	}

	if err := e.store.MarkSectionDone(ctx, transferID, sec.Start); err != nil {
		return fmt.Errorf("persisting watermark: %w", err)
	}
	t.completed.Add(sec.Length)
	return drain.complete(sec.Start, sec.Length)
}

// fetchOnce streams one section, decrypting at its offset and writing in
// place into the partial file.
func (e *Engine) fetchOnce(ctx context.Context, key *mega.FileKey, url string, f *os.File, sec checkpoint.Section) error {
	body, err := e.content.Get(ctx, url)
	if err != nil {
		return err
	}
	defer body.Close()

	stream, err := key.ContentCipher(sec.Start)
	if err != nil {
		return err
	}

	buf := make([]byte, 256*1024)
	offset := sec.Start
	remaining := sec.Length
	for remaining > 0 {
		n, err := io.ReadFull(body, buf[:min(uint64(len(buf)), remaining)])
		if err != nil {
			return fmt.Errorf("reading section body: %w", err)
		}
		chunk := buf[:n]
		stream.XORKeyStream(chunk, chunk)
		if _, err := f.WriteAt(chunk, int64(offset)); err != nil {
			return fmt.Errorf("writing partial file: %w", err)
		}
		offset += uint64(n)
		remaining -= uint64(n)
	}
	return nil
}

// interrupt maps a context failure to the task-level cause: ErrTaskCancelled
// when the owner cancelled, the raw context error otherwise (scheduler
// shutdown, or a sibling section failing first).
func (e *Engine) interrupt(t *Task, err error) error {
	if t.userCancelled() {
		return ErrTaskCancelled
	}
	return err
}

// interrupted finalizes a download that did not complete. Pauses keep all
// progress. Cancellation discards the partial output and checkpoint unless
// keep-partial is configured. Everything else (including process shutdown)
// leaves the partial state for a later resume.
func (e *Engine) interrupted(ctx context.Context, t *Task, partial, transferID string, err error) error {
	switch {
	case errors.Is(err, ErrTaskPaused):
		return ErrTaskPaused
	case errors.Is(err, ErrTaskCancelled) || t.userCancelled():
		if !e.cfg.KeepPartial {
			e.discardOutput(ctx, partial, transferID)
		}
		return ErrTaskCancelled
	default:
		return err
	}
}

func (e *Engine) discardOutput(ctx context.Context, partial, transferID string) {
	ctx = context.WithoutCancel(ctx)
	if err := os.Remove(partial); err != nil && !errors.Is(err, fs.ErrNotExist) {
		e.log.Warn(ctx, "failed to remove partial file", "path", partial, "error", err)
	}
	if err := e.store.DeleteTransfer(ctx, transferID); err != nil {
		e.log.Warn(ctx, "failed to drop checkpoint", "transfer", transferID, "error", err)
	}
}

// Discard removes the partial output and checkpoint of a download that was
// cancelled without reaching its own cleanup path, such as while paused or
// still queued. Keep-partial disables it.
func (e *Engine) Discard(t *Task) {
	if t.Direction != DirectionDownload || e.cfg.KeepPartial {
		return
	}
	ctx := context.Background()
	partial := t.TargetPath + ".partial"
	if err := os.Remove(partial); err != nil && !errors.Is(err, fs.ErrNotExist) {
		e.log.Warn(ctx, "failed to remove partial file", "path", partial, "error", err)
	}
	rec, err := e.store.FindTransfer(ctx, t.node.Handle, t.TargetPath)
	if err != nil {
		return
	}
	if err := e.store.DeleteTransfer(ctx, rec.ID); err != nil {
		e.log.Warn(ctx, "failed to drop checkpoint", "transfer", rec.ID, "error", err)
	}
}

// uploadState is the in-memory progress of an upload. It lives on the task
// so a paused upload can resume mid-file; the negotiated URL, key, cipher
// and MAC all continue where they stopped.
type uploadState struct {
	ticket *mega.UploadTicket
	key    *mega.FileKey
	mac    *mega.MACAccumulator
	stream cipher.Stream
	chunks []mega.Chunk
	next   int
	handle string
}

func (e *Engine) upload(ctx context.Context, t *Task) error {
	f, err := os.Open(t.Source)
	if err != nil {
		return fmt.Errorf("opening upload source: %w", err)
	}
	defer f.Close()

	st := t.upload
	if st == nil {
		fi, err := f.Stat()
		if err != nil {
			return fmt.Errorf("inspecting upload source: %w", err)
		}
		size := uint64(fi.Size())
		key, err := mega.NewFileKey()
		if err != nil {
			return err
		}
		mac, err := mega.NewMACAccumulator(key)
		if err != nil {
			return err
		}
		stream, err := key.ContentCipher(0)
		if err != nil {
			return err
		}
		ticket, err := e.api.NegotiateUpload(ctx, size)
		if err != nil {
			return fmt.Errorf("negotiating upload: %w", err)
		}
		st = &uploadState{ticket: ticket, key: key, mac: mac, stream: stream, chunks: mega.Chunks(size)}
		t.upload = st
	}
	if st.next > 0 && st.next < len(st.chunks) {
		if _, err := f.Seek(int64(st.chunks[st.next].Offset), io.SeekStart); err != nil {
			return fmt.Errorf("seeking upload source: %w", err)
		}
	}

	// Chunks post sequentially: the MAC chain and the CTR stream both
	// advance in file order.
	buf := make([]byte, 1<<20)
	for ; st.next < len(st.chunks); st.next++ {
		if err := ctx.Err(); err != nil {
			return e.interrupt(t, err)
		}
		if t.pauseRequested() {
			return ErrTaskPaused
		}

		chunk := st.chunks[st.next]
		b := buf[:chunk.Size]
		if _, err := io.ReadFull(f, b); err != nil {
			return fmt.Errorf("reading upload source: %w", err)
		}
		_, _ = st.mac.Write(b)
		st.stream.XORKeyStream(b, b)

		handle, err := e.postChunk(ctx, t, st.ticket.ChunkURL(chunk.Offset), b)
		if err != nil {
			return err
		}
		if handle != "" {
			st.handle = handle
		}
		t.completed.Add(chunk.Size)
	}

	if len(st.chunks) == 0 && st.handle == "" {
		// Zero-byte files still need one post to obtain a completion handle.
		handle, err := e.postChunk(ctx, t, st.ticket.ChunkURL(0), nil)
		if err != nil {
			return err
		}
		st.handle = handle
	}
	if st.handle == "" {
		return fmt.Errorf("%w: upload finished without a completion handle", mega.ErrInvalidResponseFormat)
	}

	st.key.MAC = st.mac.Sum()
	node, err := e.api.CompleteUpload(ctx, t.nodes, t.parent, t.Name, st.key, st.handle)
	if err != nil {
		return fmt.Errorf("completing upload: %w", err)
	}
	t.setResultNode(node)
	e.log.Info(ctx, "upload finished", "task", t.ID, "name", t.Name, "handle", node.Handle)
	return nil
}

func (e *Engine) postChunk(ctx context.Context, t *Task, url string, data []byte) (string, error) {
	for attempt := 0; ; attempt++ {
		handle, err := e.postOnce(ctx, url, data)
		if err == nil {
			return handle, nil
		}
		if ctx.Err() != nil {
			return "", e.interrupt(t, ctx.Err())
		}
		var code mega.ErrorCode
		if errors.As(err, &code) {
			return "", fmt.Errorf("posting chunk: %w", err)
		}
		if attempt >= e.cfg.MaxRetries {
			return "", fmt.Errorf("posting chunk: %w: %v", ErrRetriesExhausted, err)
		}
		t.retries.Add(1)
		e.log.Warn(ctx, "chunk post failed, retrying", "task", t.ID, "attempt", attempt+1, "error", err)
		if err := sleepRetry(ctx, retryDelay(attempt, e.cfg.MinRetryDelay, e.cfg.MaxRetryDelay)); err != nil {
			return "", e.interrupt(t, err)
		}
	}
}

func (e *Engine) postOnce(ctx context.Context, url string, data []byte) (string, error) {
	body, err := e.content.Post(ctx, url, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	defer body.Close()
	resp, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	return parseChunkResponse(resp)
}

// parseChunkResponse interprets a content server reply: empty for an
// intermediate chunk, the completion handle for the final one, or a bare
// negative number when the server rejects the chunk.
func parseChunkResponse(resp []byte) (string, error) {
	resp = bytes.TrimSpace(resp)
	if len(resp) == 0 {
		return "", nil
	}
	if resp[0] == '-' {
		var code mega.ErrorCode
		if err := json.Unmarshal(resp, &code); err == nil {
			return "", code
		}
	}
	return string(resp), nil
}
