// Package gamefile owns the on-disk artifacts of one battle: the public event
// log, the per-player private scratch files, and the canonical archive. All
// writes go through write-tmp-then-rename so a crash leaves either the pre-
// or post-append state, never a torn file.
package gamefile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ChatMessage is one turn of a bot's LLM conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Private is the per-player scratch file: bot-visible logs, the LLM history,
// and the per-round ask-llm call counters (one slot per mission round plus
// the night phase).
type Private struct {
	Logs       []string      `json:"logs"`
	LLMHistory []ChatMessage `json:"llm_history"`
	CallCounts []int         `json:"llm_call_counts"`
}

// CallCountSlots is night + five mission rounds.
const CallCountSlots = 6

// Dir is the per-battle directory under the data root.
type Dir struct {
	battleID string
	path     string

	mu    sync.Mutex
	files map[string]*sync.Mutex // per-file locks
}

// NewDir creates (or reuses) the battle's directory.
func NewDir(dataRoot, battleID string) (*Dir, error) {
	path := filepath.Join(dataRoot, battleID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create battle dir: %w", err)
	}
	return &Dir{
		battleID: battleID,
		path:     path,
		files:    make(map[string]*sync.Mutex),
	}, nil
}

// Path returns the battle directory path.
func (d *Dir) Path() string { return d.path }

// PublicPath returns the public event log file path.
func (d *Dir) PublicPath() string {
	return filepath.Join(d.path, fmt.Sprintf("public_game_%s.json", d.battleID))
}

// ArchivePath returns the canonical archive file path.
func (d *Dir) ArchivePath() string {
	return filepath.Join(d.path, fmt.Sprintf("archive_game_%s.json", d.battleID))
}

// PrivatePath returns player pos's scratch file path.
func (d *Dir) PrivatePath(pos int) string {
	return filepath.Join(d.path, fmt.Sprintf("private_player_%d_game_%s.json", pos, d.battleID))
}

func (d *Dir) lockFor(path string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.files[path]
	if !ok {
		m = &sync.Mutex{}
		d.files[path] = m
	}
	return m
}

// writeAtomic marshals v and renames it over path.
func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", " ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Init makes sure the public log and all seven private files exist.
func (d *Dir) Init() error {
	if err := d.ensureArray(d.PublicPath()); err != nil {
		return err
	}
	for pos := 1; pos <= 7; pos++ {
		path := d.PrivatePath(pos)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := writeAtomic(path, newPrivate()); err != nil {
				return err
			}
		}
	}
	return nil
}

func newPrivate() *Private {
	return &Private{
		Logs:       []string{},
		LLMHistory: []ChatMessage{},
		CallCounts: make([]int, CallCountSlots),
	}
}

func (d *Dir) ensureArray(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return writeAtomic(path, []any{})
	}
	return nil
}

// AppendPublic appends one record to the public event log.
func (d *Dir) AppendPublic(record map[string]any) error {
	return d.appendArray(d.PublicPath(), record)
}

// AppendArchive appends one record to the archive.
func (d *Dir) AppendArchive(record map[string]any) error {
	return d.appendArray(d.ArchivePath(), record)
}

// EnsureArchive guarantees the archive exists and is a valid JSON array.
func (d *Dir) EnsureArchive() error {
	lock := d.lockFor(d.ArchivePath())
	lock.Lock()
	defer lock.Unlock()

	if _, err := readArray(d.ArchivePath()); err != nil {
		// Unreadable archive gets reset rather than wedging the battle.
		return writeAtomic(d.ArchivePath(), []any{})
	}
	return d.ensureArray(d.ArchivePath())
}

func (d *Dir) appendArray(path string, record map[string]any) error {
	lock := d.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	records, err := readArray(path)
	if err != nil {
		return err
	}
	records = append(records, record)
	return writeAtomic(path, records)
}

func readArray(path string) ([]map[string]any, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return []map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	var records []map[string]any
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("corrupt log %s: %w", filepath.Base(path), err)
	}
	return records, nil
}

// ReadPublic returns the newest entries of the public log, at most limit
// (bots never see the unbounded history).
func (d *Dir) ReadPublic(limit int) ([]map[string]any, error) {
	lock := d.lockFor(d.PublicPath())
	lock.Lock()
	defer lock.Unlock()

	records, err := readArray(d.PublicPath())
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}

// ReadPrivate loads player pos's scratch file, initializing it if absent.
func (d *Dir) ReadPrivate(pos int) (*Private, error) {
	lock := d.lockFor(d.PrivatePath(pos))
	lock.Lock()
	defer lock.Unlock()
	return d.readPrivateLocked(pos)
}

func (d *Dir) readPrivateLocked(pos int) (*Private, error) {
	data, err := os.ReadFile(d.PrivatePath(pos))
	if os.IsNotExist(err) {
		return newPrivate(), nil
	}
	if err != nil {
		return nil, err
	}
	var p Private
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("corrupt private file for player %d: %w", pos, err)
	}
	if len(p.CallCounts) < CallCountSlots {
		counts := make([]int, CallCountSlots)
		copy(counts, p.CallCounts)
		p.CallCounts = counts
	}
	return &p, nil
}

// WritePrivate persists player pos's scratch file.
func (d *Dir) WritePrivate(pos int, p *Private) error {
	lock := d.lockFor(d.PrivatePath(pos))
	lock.Lock()
	defer lock.Unlock()
	return writeAtomic(d.PrivatePath(pos), p)
}

// UpdatePrivate applies fn to player pos's scratch file under its lock.
func (d *Dir) UpdatePrivate(pos int, fn func(p *Private) error) error {
	lock := d.lockFor(d.PrivatePath(pos))
	lock.Lock()
	defer lock.Unlock()

	p, err := d.readPrivateLocked(pos)
	if err != nil {
		return err
	}
	if err := fn(p); err != nil {
		return err
	}
	return writeAtomic(d.PrivatePath(pos), p)
}
