package filestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrIO marks a store that cannot be read or written.
	ErrIO = errors.New("file store I/O failure")
	// ErrNotFound marks a file that is no longer in the expected zone.
	// Benign: the caller logs it and moves on, it is never retried.
	ErrNotFound = errors.New("staged file not found")
)

// Zone is one of the three staging directories.
type Zone string

const (
	ZoneInbox     Zone = "inbox"
	ZoneProcessed Zone = "processed"
	ZoneFailed    Zone = "failed"
)

// Zones lists all zones in scan order.
var Zones = []Zone{ZoneInbox, ZoneProcessed, ZoneFailed}

const (
	rawSuffix  = ".eml"
	metaSuffix = ".json"
	tmpSuffix  = ".tmp"
)

// FileMeta is the sidecar metadata record written next to each raw message.
// The mail-receiving front end writes the same shape.
type FileMeta struct {
	ID         string    `json:"id"`
	From       string    `json:"from"`
	To         []string  `json:"to"`
	Subject    string    `json:"subject"`
	ReceivedAt time.Time `json:"received_at"`
	Size       int64     `json:"size"`
}

// StagedFile is one file plus its sidecar, observed in a single zone.
type StagedFile struct {
	Meta    FileMeta
	Zone    Zone
	RawPath string
	ModTime time.Time
}

// Store is a directory-backed staging area with inbox/processed/failed zones.
// All zone moves are atomic renames; a file is in exactly one zone at a time.
type Store struct {
	root   string
	logger *log.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithLogger overrides the logger used for store diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New opens the store rooted at root, creating the zone directories.
// An uncreatable root is a startup-fatal condition for the caller.
func New(root string, opts ...Option) (*Store, error) {
	s := &Store{
		root:   root,
		logger: log.New(log.Writer(), "[FILESTORE] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, zone := range Zones {
		if err := os.MkdirAll(s.zoneDir(zone), 0755); err != nil {
			return nil, fmt.Errorf("%w: create zone %s: %v", ErrIO, zone, err)
		}
	}
	return s, nil
}

// Root returns the store root directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) zoneDir(zone Zone) string {
	return filepath.Join(s.root, string(zone))
}

func (s *Store) rawPath(id string, zone Zone) string {
	return filepath.Join(s.zoneDir(zone), id+rawSuffix)
}

func (s *Store) metaPath(id string, zone Zone) string {
	return filepath.Join(s.zoneDir(zone), id+metaSuffix)
}

// Stage writes raw bytes plus sidecar into inbox. The write is never
// partial: both files land under temp names first and are renamed into
// place, sidecar last so a scanner only sees complete pairs.
func (s *Store) Stage(raw []byte, meta FileMeta) (*StagedFile, error) {
	if meta.ID == "" {
		return nil, fmt.Errorf("%w: stage without id", ErrIO)
	}
	meta.Size = int64(len(raw))

	rawDst := s.rawPath(meta.ID, ZoneInbox)
	if err := s.writeAtomic(rawDst, raw); err != nil {
		return nil, err
	}
	sidecar, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("%w: encode sidecar %s: %v", ErrIO, meta.ID, err)
	}
	if err := s.writeAtomic(s.metaPath(meta.ID, ZoneInbox), sidecar); err != nil {
		os.Remove(rawDst)
		return nil, err
	}
	return &StagedFile{Meta: meta, Zone: ZoneInbox, RawPath: rawDst, ModTime: time.Now()}, nil
}

func (s *Store) writeAtomic(dst string, data []byte) error {
	tmp := dst + tmpSuffix
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrIO, tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: rename %s: %v", ErrIO, dst, err)
	}
	return nil
}

// Promote moves a file and its sidecar from one zone to another via atomic
// rename. A missing source yields ErrNotFound: the file was already moved
// or deleted by a concurrent pass, which is benign.
func (s *Store) Promote(id string, from, to Zone) error {
	if err := s.renameZone(s.rawPath(id, from), s.rawPath(id, to)); err != nil {
		return err
	}
	if err := s.renameZone(s.metaPath(id, from), s.metaPath(id, to)); err != nil {
		// Raw already moved; carry the sidecar along so the pair stays
		// in a single zone even when the sidecar vanished mid-move.
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		s.logger.Printf("promote %s: sidecar missing in %s", id, from)
	}
	return nil
}

func (s *Store) renameZone(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(src))
	}
	return fmt.Errorf("%w: rename %s: %v", ErrIO, filepath.Base(src), err)
}

// ReadRaw returns the raw message bytes for id in the given zone.
func (s *Store) ReadRaw(id string, zone Zone) ([]byte, error) {
	data, err := os.ReadFile(s.rawPath(id, zone))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s in %s", ErrNotFound, id, zone)
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrIO, id, err)
	}
	return data, nil
}

// ListZone streams the sidecar metadata of every complete file pair in a
// zone to fn, lazily and in directory order. Returning a non-nil error
// from fn stops the walk; a sidecar that cannot be parsed is logged and
// skipped so one bad file never aborts a scan.
func (s *Store) ListZone(zone Zone, fn func(StagedFile) error) error {
	entries, err := os.ReadDir(s.zoneDir(zone))
	if err != nil {
		return fmt.Errorf("%w: list zone %s: %v", ErrIO, zone, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		id := strings.TrimSuffix(name, metaSuffix)
		rawPath := s.rawPath(id, zone)
		info, err := os.Stat(rawPath)
		if err != nil {
			// Sidecar without raw file: half of a pair mid-write or
			// mid-move. Skip; the next scan will see the settled state.
			continue
		}
		meta, err := s.readMeta(id, zone)
		if err != nil {
			s.logger.Printf("zone %s: skipping %s: %v", zone, id, err)
			continue
		}
		staged := StagedFile{
			Meta:    meta,
			Zone:    zone,
			RawPath: rawPath,
			ModTime: info.ModTime(),
		}
		if staged.Meta.Size == 0 {
			staged.Meta.Size = info.Size()
		}
		if err := fn(staged); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) readMeta(id string, zone Zone) (FileMeta, error) {
	var meta FileMeta
	data, err := os.ReadFile(s.metaPath(id, zone))
	if err != nil {
		return meta, fmt.Errorf("read sidecar: %w", err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("decode sidecar: %w", err)
	}
	if meta.ID == "" {
		meta.ID = id
	}
	return meta, nil
}

// Purge permanently deletes a file pair from a zone. Idempotent: a file
// already gone is not an error.
func (s *Store) Purge(id string, zone Zone) error {
	for _, path := range []string{s.rawPath(id, zone), s.metaPath(id, zone)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: purge %s: %v", ErrIO, id, err)
		}
	}
	return nil
}

// ZoneStats summarizes one zone for the operator surface.
type ZoneStats struct {
	Zone       Zone  `json:"zone"`
	Files      int   `json:"files"`
	TotalBytes int64 `json:"total_bytes"`
}

// Stats walks every zone and counts complete file pairs.
func (s *Store) Stats() ([]ZoneStats, error) {
	out := make([]ZoneStats, 0, len(Zones))
	for _, zone := range Zones {
		stat := ZoneStats{Zone: zone}
		err := s.ListZone(zone, func(f StagedFile) error {
			stat.Files++
			stat.TotalBytes += f.Meta.Size
			return nil
		})
		if err != nil {
			return nil, err
		}
		out = append(out, stat)
	}
	return out, nil
}
