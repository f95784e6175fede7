package bus

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// FileBus broadcasts between processes on the same host through a shared
// spool directory. Every published message becomes one file; an fsnotify
// watcher delivers other writers' files as they appear. Best effort only:
// a reader that starts late or falls behind simply misses messages.
type FileBus struct {
	dir    string
	id     string
	ttl    time.Duration
	logger *logrus.Entry

	watcher *fsnotify.Watcher
	msgs    chan Message
	seq     atomic.Uint64

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool
}

// NewFileBus creates a spool-directory bus under dir/channel. The directory
// is created if missing. Messages older than ttl are reaped periodically.
func NewFileBus(dir, channel string, ttl time.Duration, logger *logrus.Entry) (*FileBus, error) {
	spool := filepath.Join(dir, channel)
	if err := os.MkdirAll(spool, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spool dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := watcher.Add(spool); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch spool dir: %w", err)
	}

	b := &FileBus{
		dir:     spool,
		id:      uuid.NewString(),
		ttl:     ttl,
		logger:  logger,
		watcher: watcher,
		msgs:    make(chan Message, memoryBufferSize),
		done:    make(chan struct{}),
	}

	b.wg.Add(2)
	go b.watchLoop()
	go b.reapLoop()

	return b, nil
}

// Publish writes the payload as a spool file. The write goes to a temp name
// first so watchers only ever see complete files.
func (b *FileBus) Publish(ctx context.Context, data []byte) error {
	if b.closed.Load() {
		return nil
	}

	name := fmt.Sprintf("%d.%s.%d.msg", time.Now().UnixNano(), b.id, b.seq.Add(1))
	tmp := filepath.Join(b.dir, "."+name+".tmp")
	final := filepath.Join(b.dir, name)

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write spool file: %w", err)
	}

	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to publish spool file: %w", err)
	}

	return nil
}

// Messages returns the inbound message channel
func (b *FileBus) Messages() <-chan Message {
	return b.msgs
}

// SinglePeer always reports false; other processes may share the spool
func (b *FileBus) SinglePeer() bool {
	return false
}

// Close stops the watcher and reaper. Safe to call multiple times.
func (b *FileBus) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		close(b.done)
		b.watcher.Close()
		b.wg.Wait()
		close(b.msgs)
	})
	return nil
}

// watchLoop delivers spool files created by other writers
func (b *FileBus) watchLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.done:
			return
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) {
				continue
			}
			b.deliver(event.Name)
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.logger.WithError(err).Warn("Spool watcher error")
		}
	}
}

// deliver reads one spool file and hands it to the subscriber, skipping
// files this bus instance wrote itself
func (b *FileBus) deliver(path string) {
	sender, ok := parseSpoolName(filepath.Base(path))
	if !ok || sender == b.id {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		// The reaper on another peer may have removed it already
		return
	}

	select {
	case b.msgs <- Message{Data: data, From: sender}:
	default:
		b.logger.Warn("Subscriber buffer full, dropping spool message")
	}
}

// reapLoop removes spool files older than the TTL
func (b *FileBus) reapLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.reap()
		}
	}
}

func (b *FileBus) reap() {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		b.logger.WithError(err).Warn("Failed to read spool dir")
		return
	}

	cutoff := time.Now().Add(-b.ttl)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(b.dir, entry.Name()))
		}
	}
}

// parseSpoolName extracts the writer identity from a spool file name of the
// form <unixnano>.<writer-id>.<seq>.msg
func parseSpoolName(name string) (string, bool) {
	if !strings.HasSuffix(name, ".msg") || strings.HasPrefix(name, ".") {
		return "", false
	}
	parts := strings.Split(strings.TrimSuffix(name, ".msg"), ".")
	if len(parts) != 3 {
		return "", false
	}
	return parts[1], true
}
