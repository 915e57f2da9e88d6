package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "edunotify/pkg/logx"
)

// fileStore keeps state in two files next to cfg.Path:
//   - <prefix>.snapshot.json   (periodic snapshot)
//   - <prefix>.journal.jsonl   (append-only journal)
//
// The journal is replayed over the snapshot on open and compacted into it
// every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu           sync.Mutex
	snapshotPath string
	journal      *os.File
	state        fileState
	writes       int
	compactEvery int
}

type fileState struct {
	Settings  map[string]string `json:"settings"`
	Delivered map[string]int64  `json:"delivered"` // unix milli
}

type journalRecord struct {
	Op    string `json:"op"` // set | del | delivered | prune
	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`
	At    int64  `json:"at,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	st := fileState{Settings: map[string]string{}, Delivered: map[string]int64{}}
	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"
	if err := loadSnapshot(snapPath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("state snapshot unreadable; starting empty", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("state journal replay failed", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		state:        st,
		compactEvery: 500,
	}, nil
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("state compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetSetting(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return "", false, ErrClosed
	}
	v, ok := s.state.Settings[key]
	return v, ok, nil
}

func (s *fileStore) PutSetting(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: "set", Key: key, Value: value}); err != nil {
		return err
	}
	s.state.Settings[key] = value
	return nil
}

func (s *fileStore) DeleteSetting(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: "del", Key: key}); err != nil {
		return err
	}
	delete(s.state.Settings, key)
	return nil
}

func (s *fileStore) MarkDelivered(_ context.Context, id string, at time.Time) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Delivered[id]; ok {
		return nil
	}
	ms := at.UnixMilli()
	if err := s.appendLocked(journalRecord{Op: "delivered", Key: id, At: ms}); err != nil {
		return err
	}
	s.state.Delivered[id] = ms
	return nil
}

func (s *fileStore) Delivered(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return false, ErrClosed
	}
	_, ok := s.state.Delivered[strings.TrimSpace(id)]
	return ok, nil
}

func (s *fileStore) PruneDelivered(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := cutoff.UnixMilli()
	if err := s.appendLocked(journalRecord{Op: "prune", At: ms}); err != nil {
		return 0, err
	}
	return pruneBefore(s.state.Delivered, ms), nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	if err := s.compactLocked(); err != nil {
		s.log.Debug("state compact on close failed", logx.Err(err))
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var st fileState
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return err
	}
	for k, v := range st.Settings {
		out.Settings[k] = v
	}
	for k, v := range st.Delivered {
		out.Delivered[k] = v
	}
	return nil
}

func replayJournal(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		switch r.Op {
		case "set":
			out.Settings[r.Key] = r.Value
		case "del":
			delete(out.Settings, r.Key)
		case "delivered":
			if r.Key != "" {
				out.Delivered[r.Key] = r.At
			}
		case "prune":
			pruneBefore(out.Delivered, r.At)
		}
	}
	return sc.Err()
}

func pruneBefore(m map[string]int64, ms int64) int {
	n := 0
	for k, v := range m {
		if v < ms {
			delete(m, k)
			n++
		}
	}
	return n
}
