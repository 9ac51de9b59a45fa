// Package audit writes committed dialogue events to per-session NDJSON files
// for replay and grading.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reclassroom/reclass/internal/config"
	"github.com/reclassroom/reclass/internal/dialogue"
	"github.com/reclassroom/reclass/internal/domain"
)

// Record is one NDJSON line.
type Record struct {
	Time       time.Time          `json:"ts"`
	Event      dialogue.EventType `json:"event"`
	SessionID  string             `json:"session_id"`
	ScenarioID string             `json:"scenario_id"`
	StudentID  string             `json:"student_id"`
	Seq        int                `json:"seq,omitempty"`
	Author     string             `json:"author,omitempty"`
	Text       string             `json:"text,omitempty"`
	Rule       string             `json:"rule,omitempty"`
	Status     domain.Status      `json:"status"`
	Remaining  int                `json:"remaining"`
	Reason     string             `json:"reason,omitempty"`
}

// TranscriptLogger is a dialogue.Observer that appends records on a
// background goroutine. Observe never blocks; when the queue is full the
// oldest queued event is dropped.
type TranscriptLogger struct {
	dir    string
	queue  chan dialogue.Event
	done   chan struct{}
	wg     sync.WaitGroup
	logger *zap.Logger

	closeOnce sync.Once
	files     map[string]*os.File
}

// NewTranscriptLogger starts the writer. It returns nil, nil when the log is
// disabled; a nil *TranscriptLogger is a valid no-op observer.
func NewTranscriptLogger(cfg config.TranscriptLogConfig, logger *zap.Logger) (*TranscriptLogger, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Dir == "" {
		return nil, errors.New("transcript log dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript log dir: %w", err)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &TranscriptLogger{
		dir:    cfg.Dir,
		queue:  make(chan dialogue.Event, cfg.QueueSize),
		done:   make(chan struct{}),
		logger: logger,
		files:  make(map[string]*os.File),
	}
	l.wg.Add(1)
	go l.run()
	return l, nil
}

// Observe implements dialogue.Observer.
func (l *TranscriptLogger) Observe(e dialogue.Event) {
	if l == nil {
		return
	}
	select {
	case <-l.done:
		return
	default:
	}

	select {
	case l.queue <- e:
		return
	default:
	}

	select {
	case dropped := <-l.queue:
		l.logger.Warn("transcript log queue full; dropped oldest event",
			zap.String("session_id", dropped.SessionID),
			zap.String("event", string(dropped.Type)))
	default:
	}
	select {
	case l.queue <- e:
	default:
		l.logger.Warn("transcript log queue full; event dropped", zap.String("session_id", e.SessionID))
	}
}

func (l *TranscriptLogger) run() {
	defer l.wg.Done()
	for {
		select {
		case e := <-l.queue:
			l.write(e)
		case <-l.done:
			for {
				select {
				case e := <-l.queue:
					l.write(e)
				default:
					l.closeFiles()
					return
				}
			}
		}
	}
}

func (l *TranscriptLogger) write(e dialogue.Event) {
	f, err := l.file(e)
	if err != nil {
		l.logger.Error("open transcript log", zap.String("session_id", e.SessionID), zap.Error(err))
		return
	}

	enc := json.NewEncoder(f)
	for _, r := range records(e) {
		if err := enc.Encode(r); err != nil {
			l.logger.Error("write transcript log", zap.String("session_id", e.SessionID), zap.Error(err))
			return
		}
	}

	if e.Type == dialogue.EventStatusChanged && e.Status.Terminal() {
		delete(l.files, e.SessionID)
		if err := f.Close(); err != nil {
			l.logger.Warn("close transcript log", zap.String("session_id", e.SessionID), zap.Error(err))
		}
	}
}

func records(e dialogue.Event) []Record {
	base := Record{
		Time:       e.Time,
		Event:      e.Type,
		SessionID:  e.SessionID,
		ScenarioID: e.ScenarioID,
		StudentID:  e.StudentID,
		Status:     e.Status,
		Remaining:  e.Remaining,
		Reason:     e.Reason,
	}
	if e.Type != dialogue.EventTurnsCommitted || len(e.Turns) == 0 {
		return []Record{base}
	}
	out := make([]Record, 0, len(e.Turns))
	for _, t := range e.Turns {
		r := base
		r.Time = t.Timestamp
		r.Seq = t.Seq
		r.Author = t.Author
		r.Text = t.Text
		if !t.IsStudent() {
			r.Rule = e.Rule
		}
		out = append(out, r)
	}
	return out
}

func (l *TranscriptLogger) file(e dialogue.Event) (*os.File, error) {
	if f, ok := l.files[e.SessionID]; ok {
		return f, nil
	}
	path := Path(l.dir, e.StudentID, e.SessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	l.files[e.SessionID] = f
	return f, nil
}

func (l *TranscriptLogger) closeFiles() {
	for id, f := range l.files {
		if err := f.Close(); err != nil {
			l.logger.Warn("close transcript log", zap.String("session_id", id), zap.Error(err))
		}
		delete(l.files, id)
	}
}

// Close flushes queued events and stops the writer.
func (l *TranscriptLogger) Close() error {
	if l == nil {
		return nil
	}
	l.closeOnce.Do(func() { close(l.done) })
	l.wg.Wait()
	return nil
}

// Path returns the log file of a session: <dir>/<student>/<session>.ndjson.
func Path(dir, studentID, sessionID string) string {
	return filepath.Join(dir, safeComponent(studentID), safeComponent(sessionID)+".ndjson")
}

func safeComponent(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
	s = strings.Trim(s, ".")
	if s == "" {
		return "_"
	}
	return s
}
