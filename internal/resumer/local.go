package resumer

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

const (
	tempFilePrefix = "response-resume-"
	tempFileSuffix = ".tokens"

	// Locators expire unless the recording instance refreshes them, so a
	// crashed instance stops attracting replays within locatorTTL.
	locatorTTL             = 10 * time.Second
	locatorRefreshInterval = 5 * time.Second

	replayBufferSize   = 64
	replayPollInterval = 20 * time.Millisecond

	// Upper bound on a single read while replaying a recording file.
	maxReadRange = 1 << 20
)

// ErrNoRecording is returned when a conversation has no live or recently
// completed recording to replay.
var ErrNoRecording = errors.New("no response recording in progress")

// Store is the local temp-file backed resumer. Tokens append to a file
// under the temp directory; replays tail the file. Completed recordings
// stick around for the retention window so late reconnects still see the
// full response.
type Store struct {
	locators          LocatorStore
	advertisedAddress string
	tempDir           string
	retention         time.Duration
	logger            *log.Logger

	mu         sync.Mutex
	recordings map[uuid.UUID]*recording
}

var _ ResponseResumer = (*Store)(nil)

// StoreOptions configures a local Store.
type StoreOptions struct {
	// Locators shares recording locations across instances. Nil means
	// single-instance operation.
	Locators LocatorStore
	// AdvertisedAddress is the host:port other instances use to reach this
	// one for replays.
	AdvertisedAddress string
	// TempDir holds the recording files. Empty uses the platform default.
	TempDir string
	// Retention is how long completed recordings remain replayable.
	Retention time.Duration
	Logger    *log.Logger
}

// NewStore builds a local Store and removes recording files left behind by
// a previous process.
func NewStore(opts StoreOptions) *Store {
	locators := opts.Locators
	if locators == nil {
		locators = NoopLocatorStore{}
	}
	tempDir := strings.TrimSpace(opts.TempDir)
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = 30 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	s := &Store{
		locators:          locators,
		advertisedAddress: strings.TrimSpace(opts.AdvertisedAddress),
		tempDir:           tempDir,
		retention:         retention,
		logger:            logger,
		recordings:        make(map[uuid.UUID]*recording),
	}
	s.cleanupStaleTempFiles()
	return s
}

func (s *Store) Enabled(context.Context) bool { return true }

// Recorder starts recording for a conversation, completing any previous
// recording for the same conversation first.
func (s *Store) Recorder(ctx context.Context, conversationID uuid.UUID) (Recorder, error) {
	return s.RecorderWithAddress(ctx, conversationID, s.advertisedAddress)
}

// RecorderWithAddress is Recorder with an explicit address to advertise in
// the locator store. Used by the wire server, which knows the address the
// client dialed.
func (s *Store) RecorderWithAddress(ctx context.Context, conversationID uuid.UUID, address string) (Recorder, error) {
	file, err := createTempFile(s.tempDir, tempFilePrefix, tempFileSuffix)
	if err != nil {
		return nil, err
	}

	rec := &recording{
		store:          s,
		conversationID: conversationID,
		file:           file,
		fileName:       file.Name(),
		cancelCh:       make(chan struct{}),
		stopRefresh:    make(chan struct{}),
	}

	s.mu.Lock()
	prev := s.recordings[conversationID]
	s.recordings[conversationID] = rec
	s.cleanupExpiredLocked()
	s.mu.Unlock()

	if prev != nil {
		prev.complete()
	}

	locator := locatorFromAddress(address, filepath.Base(rec.fileName))
	if err := s.locators.Put(ctx, conversationID, locator, locatorTTL); err != nil {
		s.logger.Warn("failed to publish recording locator",
			"conversationId", conversationID, "error", err)
	}
	go s.refreshLocator(conversationID, rec.stopRefresh)

	return rec, nil
}

func (s *Store) refreshLocator(conversationID uuid.UUID, stop <-chan struct{}) {
	ticker := time.NewTicker(locatorRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), locatorRefreshInterval)
			err := s.locators.Refresh(ctx, conversationID, locatorTTL)
			cancel()
			if err != nil {
				s.logger.Warn("failed to refresh recording locator",
					"conversationId", conversationID, "error", err)
			}
		}
	}
}

// Replay streams the recording from resumeFrom. If the recording lives on
// another instance the replay fails; use ReplayWithAddress to discover the
// redirect target.
func (s *Store) Replay(ctx context.Context, conversationID uuid.UUID, resumeFrom int64) (<-chan string, error) {
	ch, redirect, err := s.ReplayWithAddress(ctx, conversationID, resumeFrom, s.advertisedAddress)
	if err != nil {
		return nil, err
	}
	if redirect != "" {
		return nil, ErrNoRecording
	}
	return ch, nil
}

// ReplayWithAddress replays locally when the recording is here, or returns
// the address of the instance that holds it.
func (s *Store) ReplayWithAddress(ctx context.Context, conversationID uuid.UUID, resumeFrom int64, address string) (<-chan string, string, error) {
	s.mu.Lock()
	rec := s.recordings[conversationID]
	s.mu.Unlock()

	if rec == nil {
		locator, err := s.locators.Get(ctx, conversationID)
		if err != nil {
			return nil, "", err
		}
		if locator == nil {
			return nil, "", ErrNoRecording
		}
		if !locator.MatchesAddress(address) {
			return nil, locator.Address(), nil
		}
		return nil, "", ErrNoRecording
	}

	ch := make(chan string, replayBufferSize)
	go s.replayFromFile(ctx, rec, resumeFrom, ch)
	return ch, "", nil
}

func (s *Store) replayFromFile(ctx context.Context, rec *recording, resumeFrom int64, out chan<- string) {
	defer close(out)

	file, err := os.Open(rec.fileName)
	if err != nil {
		s.logger.Warn("failed to open recording for replay",
			"conversationId", rec.conversationID, "error", err)
		return
	}
	defer file.Close()

	offset := resumeFrom
	if offset < 0 {
		offset = 0
	}

	buf := make([]byte, 0, maxReadRange)
	for {
		size, completed := rec.status()
		if offset > size {
			// The producer restarted the file; start over.
			offset = 0
		}
		for offset < size {
			n := size - offset
			if n > maxReadRange {
				n = maxReadRange
			}
			buf = buf[:n]
			read, err := file.ReadAt(buf, offset)
			if read > 0 {
				select {
				case out <- string(buf[:read]):
					offset += int64(read)
				case <-ctx.Done():
					return
				}
			}
			if err != nil && err != io.EOF {
				s.logger.Warn("failed reading recording during replay",
					"conversationId", rec.conversationID, "error", err)
				return
			}
			if read == 0 {
				break
			}
			size, completed = rec.status()
		}
		if completed && offset >= size {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(replayPollInterval):
		}
	}
}

// RequestCancel signals the producer of the conversation's live response.
func (s *Store) RequestCancel(ctx context.Context, conversationID uuid.UUID) error {
	_, err := s.CancelWithAddress(ctx, conversationID, s.advertisedAddress)
	return err
}

// CancelWithAddress cancels locally when the recording is here, or returns
// the address of the instance that holds it.
func (s *Store) CancelWithAddress(ctx context.Context, conversationID uuid.UUID, address string) (string, error) {
	s.mu.Lock()
	rec := s.recordings[conversationID]
	s.mu.Unlock()

	if rec != nil {
		rec.requestCancel()
		return "", nil
	}

	locator, err := s.locators.Get(ctx, conversationID)
	if err != nil {
		return "", err
	}
	if locator != nil && !locator.MatchesAddress(address) {
		return locator.Address(), nil
	}
	return "", nil
}

func (s *Store) HasResponseInProgress(ctx context.Context, conversationID uuid.UUID) (bool, error) {
	s.mu.Lock()
	rec := s.recordings[conversationID]
	s.mu.Unlock()

	if rec != nil {
		_, completed := rec.status()
		if !completed {
			return true, nil
		}
	}
	locator, err := s.locators.Get(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return locator != nil, nil
}

func (s *Store) Check(ctx context.Context, conversationIDs []uuid.UUID) ([]uuid.UUID, error) {
	var live []uuid.UUID
	for _, id := range conversationIDs {
		inProgress, err := s.HasResponseInProgress(ctx, id)
		if err != nil {
			return nil, err
		}
		if inProgress {
			live = append(live, id)
		}
	}
	return live, nil
}

// Close completes all live recordings. Called on shutdown.
func (s *Store) Close() {
	s.mu.Lock()
	recs := make([]*recording, 0, len(s.recordings))
	for _, rec := range s.recordings {
		recs = append(recs, rec)
	}
	s.mu.Unlock()
	for _, rec := range recs {
		rec.complete()
	}
}

// cleanupExpiredLocked drops completed recordings older than the retention
// window and removes their files. Caller holds s.mu.
func (s *Store) cleanupExpiredLocked() {
	cutoff := time.Now().Add(-s.retention)
	for id, rec := range s.recordings {
		rec.mu.Lock()
		expired := rec.completed && rec.completedAt.Before(cutoff)
		rec.mu.Unlock()
		if expired {
			delete(s.recordings, id)
			if err := os.Remove(rec.fileName); err != nil && !os.IsNotExist(err) {
				s.logger.Warn("failed to remove expired recording file",
					"file", rec.fileName, "error", err)
			}
		}
	}
}

// Sweep removes expired completed recordings. Run periodically.
func (s *Store) Sweep(context.Context) {
	s.mu.Lock()
	s.cleanupExpiredLocked()
	s.mu.Unlock()
}

// cleanupStaleTempFiles removes recording files left behind by a previous
// process, judged by file modification time against the retention window.
func (s *Store) cleanupStaleTempFiles() {
	entries, err := os.ReadDir(s.tempDir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-s.retention)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, tempFilePrefix) || !strings.HasSuffix(name, tempFileSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.tempDir, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove stale recording file", "file", path, "error", err)
		}
	}
}

type recording struct {
	store          *Store
	conversationID uuid.UUID
	file           *os.File
	fileName       string

	mu          sync.Mutex
	size        int64
	completed   bool
	completedAt time.Time

	cancelCh     chan struct{}
	cancelOnce   sync.Once
	stopRefresh  chan struct{}
	completeOnce sync.Once
}

var _ Recorder = (*recording)(nil)

func (r *recording) Record(token string) error {
	if token == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.completed {
		return errors.New("recording already completed")
	}
	n, err := r.file.WriteString(token)
	r.size += int64(n)
	return err
}

func (r *recording) Complete() error {
	r.complete()
	return nil
}

func (r *recording) complete() {
	r.completeOnce.Do(func() {
		close(r.stopRefresh)

		r.mu.Lock()
		r.completed = true
		r.completedAt = time.Now()
		file := r.file
		r.file = nil
		r.mu.Unlock()

		if file != nil {
			if err := file.Close(); err != nil {
				r.store.logger.Warn("failed to close recording file",
					"file", r.fileName, "error", err)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), locatorRefreshInterval)
		defer cancel()
		if err := r.store.locators.Delete(ctx, r.conversationID); err != nil {
			r.store.logger.Warn("failed to delete recording locator",
				"conversationId", r.conversationID, "error", err)
		}
	})
}

func (r *recording) CancelStream() <-chan struct{} {
	return r.cancelCh
}

func (r *recording) requestCancel() {
	r.cancelOnce.Do(func() { close(r.cancelCh) })
}

func (r *recording) status() (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size, r.completed
}

// createTempFile creates the recording file, making the temp directory if
// needed. 0700 keeps recordings private to the service user.
func createTempFile(dir, prefix, suffix string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return os.CreateTemp(dir, prefix+"*"+suffix)
}
