package artifact

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

const (
	metadataFile   = "metadata.json"
	resultFile     = "result.txt"
	transcriptFile = "transcript.jsonl"
	toolCallsDir   = "tool_calls"
)

var safeIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Store is a filesystem-backed artifact store. Each worker exclusively
// owns its directory, so locking is per worker.
type Store struct {
	root   string
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithNow overrides the time source.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open returns a store rooted at dir, creating it if needed.
func Open(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		root:   dir,
		logger: slog.Default(),
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(s.workersDir(), 0o700); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return s, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

func (s *Store) workersDir() string { return filepath.Join(s.root, "workers") }

func (s *Store) workerDir(id string) string { return filepath.Join(s.workersDir(), id) }

func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Handle is a worker's write access to its own record.
type Handle struct {
	id       string
	dir      string
	mu       *sync.Mutex
	meta     Metadata
	entrySeq int
}

// WorkerID returns the record's worker id.
func (h *Handle) WorkerID() string { return h.id }

// CreateParams describes a new record.
type CreateParams struct {
	WorkerID string
	OwnerID  string
	RunID    string
	Task     string
	Model    string
}

// Create writes a new queued record and returns its handle.
func (s *Store) Create(ctx context.Context, p CreateParams) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !safeIDPattern.MatchString(p.WorkerID) {
		return nil, fmt.Errorf("artifact: invalid worker id %q", p.WorkerID)
	}
	if strings.TrimSpace(p.OwnerID) == "" {
		return nil, errors.New("artifact: owner id is required")
	}
	dir := s.workerDir(p.WorkerID)
	if err := os.Mkdir(dir, 0o700); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, ErrExists
		}
		return nil, fmt.Errorf("create worker dir: %w", err)
	}
	if err := os.Mkdir(filepath.Join(dir, toolCallsDir), 0o700); err != nil {
		return nil, fmt.Errorf("create tool_calls dir: %w", err)
	}

	h := &Handle{
		id:  p.WorkerID,
		dir: dir,
		mu:  s.lockFor(p.WorkerID),
		meta: Metadata{
			WorkerID:  p.WorkerID,
			OwnerID:   p.OwnerID,
			RunID:     p.RunID,
			Task:      p.Task,
			Model:     p.Model,
			Status:    StatusQueued,
			CreatedAt: s.now().UTC(),
		},
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := writeJSONAtomic(filepath.Join(dir, metadataFile), h.meta); err != nil {
		return nil, fmt.Errorf("write metadata: %w", err)
	}
	if err := s.appendEntryLocked(h, Entry{Kind: EntryTask, Content: p.Task}); err != nil {
		return nil, err
	}
	if err := syncDir(s.workersDir()); err != nil {
		return nil, err
	}
	return h, nil
}

// MarkRunning moves a queued record to running.
func (s *Store) MarkRunning(ctx context.Context, h *Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.meta.CompletedAt != nil {
		return ErrImmutable
	}
	if h.meta.Status == StatusRunning {
		return nil
	}
	now := s.now().UTC()
	next := h.meta
	next.Status = StatusRunning
	next.StartedAt = &now
	return s.writeMetaLocked(h, next)
}

// AppendToolCall records one tool invocation in its own file and in the
// transcript.
func (s *Store) AppendToolCall(ctx context.Context, h *Handle, call ToolCall) (ToolCall, error) {
	if err := ctx.Err(); err != nil {
		return ToolCall{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.meta.CompletedAt != nil {
		return ToolCall{}, ErrImmutable
	}

	call.Seq = h.meta.ToolCallCount + 1
	name := fmt.Sprintf("%03d-%s.json", call.Seq, fileSafe(call.Name))
	if err := writeJSONAtomic(filepath.Join(h.dir, toolCallsDir, name), call); err != nil {
		return ToolCall{}, fmt.Errorf("write tool call: %w", err)
	}

	next := h.meta
	next.ToolCallCount = call.Seq
	if err := s.writeMetaLocked(h, next); err != nil {
		return ToolCall{}, err
	}

	if err := s.appendEntryLocked(h, Entry{Kind: EntryToolCall, Tool: call.Name, Content: string(call.Args)}); err != nil {
		return ToolCall{}, err
	}
	content := call.Output
	if call.Error != "" {
		content = "error: " + call.Error
		if call.Output != "" {
			content += "\n" + call.Output
		}
	}
	if err := s.appendEntryLocked(h, Entry{Kind: EntryToolResult, Tool: call.Name, Content: content}); err != nil {
		return ToolCall{}, err
	}
	return call, nil
}

// AppendTranscript appends a free-form transcript entry.
func (s *Store) AppendTranscript(ctx context.Context, h *Handle, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.meta.CompletedAt != nil {
		return ErrImmutable
	}
	return s.appendEntryLocked(h, e)
}

// SaveResult durably writes the canonical result text. It must precede
// a successful Complete.
func (s *Store) SaveResult(ctx context.Context, h *Handle, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.meta.CompletedAt != nil {
		return ErrImmutable
	}
	if err := writeFileAtomic(filepath.Join(h.dir, resultFile), []byte(text)); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	next := h.meta
	next.ResultSaved = true
	next.ResultDigest = Digest(text)
	next.ResultBytes = len(text)
	if err := s.writeMetaLocked(h, next); err != nil {
		return err
	}
	return s.appendEntryLocked(h, Entry{Kind: EntryFinal, Content: text})
}

// Complete sets the terminal status. Calling it again on a completed
// record is a no-op.
func (s *Store) Complete(ctx context.Context, h *Handle, status Status, errText string) error {
	if !status.Terminal() {
		return ErrInvalidStatus
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.meta.CompletedAt != nil {
		return nil
	}
	if status == StatusSuccess && !h.meta.ResultSaved {
		return ErrResultNotSaved
	}
	return s.completeLocked(h, status, errText)
}

func (s *Store) completeLocked(h *Handle, status Status, errText string) error {
	now := s.now().UTC()
	start := h.meta.CreatedAt
	if h.meta.StartedAt != nil {
		start = *h.meta.StartedAt
	}
	next := h.meta
	next.Status = status
	next.CompletedAt = &now
	next.DurationMS = now.Sub(start).Milliseconds()
	next.Error = errText
	return s.writeMetaLocked(h, next)
}

// Snapshot returns the handle's current metadata.
func (h *Handle) Snapshot() Metadata {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.meta
}

// UpdateSummary backfills the derived summary. It is the only write
// permitted on a completed record.
func (s *Store) UpdateSummary(ctx context.Context, workerID, ownerID, summary string, meta SummaryMeta) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !safeIDPattern.MatchString(workerID) {
		return ErrNotFound
	}
	l := s.lockFor(workerID)
	l.Lock()
	defer l.Unlock()

	path := filepath.Join(s.workerDir(workerID), metadataFile)
	var m Metadata
	if err := readJSON(path, &m); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("read metadata: %w", err)
	}
	if m.OwnerID != ownerID {
		return ErrNotFound
	}
	m.Summary = summary
	m.SummaryMeta = &meta
	if err := writeJSONAtomic(path, m); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// writeMetaLocked persists next and only then adopts it as the handle's
// state, so a failed write leaves the handle consistent with disk.
func (s *Store) writeMetaLocked(h *Handle, next Metadata) error {
	path := filepath.Join(h.dir, metadataFile)
	// Summary backfill may have raced in; keep whatever is on disk.
	var onDisk Metadata
	if err := readJSON(path, &onDisk); err == nil && onDisk.SummaryMeta != nil {
		next.Summary = onDisk.Summary
		next.SummaryMeta = onDisk.SummaryMeta
	}
	if err := writeJSONAtomic(path, next); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	h.meta = next
	return nil
}

func (s *Store) appendEntryLocked(h *Handle, e Entry) error {
	h.entrySeq++
	e.Seq = h.entrySeq
	if e.At.IsZero() {
		e.At = s.now().UTC()
	}
	if err := appendJSONLine(filepath.Join(h.dir, transcriptFile), e); err != nil {
		h.entrySeq--
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

// Digest returns the hex BLAKE3 digest of a result.
func Digest(text string) string {
	sum := blake3.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether a record's result matches its stored digest.
func Verify(r *Record) bool {
	if !r.ResultSaved {
		return r.Result == ""
	}
	return Digest(r.Result) == r.ResultDigest
}

func fileSafe(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "tool"
	}
	return b.String()
}
