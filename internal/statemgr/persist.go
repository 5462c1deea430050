package statemgr

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/snappy"

	"github.com/ccBitTorrent/ccbt-sub001/internal/ccerr"
)

const (
	stateFileName = "state.bin"
	backupFileName = "state.bin.backup"
)

// Manager persists DaemonState documents under a state directory, using a
// compact gob+snappy "packed map" on disk.
type Manager struct {
	path string
	backupPath string
}

// NewManager roots a Manager at stateDir.
func NewManager(stateDir string) *Manager {
	return &Manager{
		path: filepath.Join(stateDir, stateFileName),
		backupPath: filepath.Join(stateDir, backupFileName),
	}
}

// Save atomically writes s (temp-file + rename), first rotating the
// existing primary file into the .backup slot.
func (m *Manager) Save(s *DaemonState) error {
	s.UpdatedAt = time.Now()

	encoded, err := encode(s)
	if err != nil {
		return ccerr.Checkpoint("statemgr.Save", err)
	}

	if _, err := os.Stat(m.path); err == nil {
		if err := copyFile(m.path, m.backupPath); err != nil {
			log.Printf("[statemgr] retaining backup: %v", err)
		}
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return ccerr.Disk("statemgr.Save", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return ccerr.Disk("statemgr.Save", err)
	}
	return nil
}

// Load tries the primary state file, then the backup.
func (m *Manager) Load() (*DaemonState, error) {
	s, err := m.loadFrom(m.path)
	if err == nil {
		return s, nil
	}
	log.Printf("[statemgr] primary state unreadable (%v), trying backup", err)
	s, backupErr := m.loadFrom(m.backupPath)
	if backupErr != nil {
		return nil, ccerr.Checkpoint("statemgr.Load", fmt.Errorf("primary: %v, backup: %w", err, backupErr))
	}
	return s, nil
}

func (m *Manager) loadFrom(path string) (*DaemonState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ccerr.ErrCheckpointCorrupt, err)
	}
	if s.Version > currentVersion {
		return nil, ccerr.ErrCheckpointNewer
	}
	if s.Version < currentVersion {
		s = migrate(s)
	}
	return s, nil
}

// migrate forward-migrates an older-version DaemonState. There is only one
// version so far; this is the seam future migrations hang off of.
func migrate(s *DaemonState) *DaemonState {
	s.Version = currentVersion
	return s
}

// ExportJSON renders s as indented JSON for operator inspection.
func ExportJSON(s *DaemonState) ([]byte, error) {
	out, err := json.MarshalIndent(s, "", " ")
	if err != nil {
		return nil, ccerr.Checkpoint("statemgr.ExportJSON", err)
	}
	return out, nil
}

func encode(s *DaemonState) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, err
	}
	return snappy.Encode(nil, buf.Bytes()), nil
}

func decode(data []byte) (*DaemonState, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, err
	}
	var s DaemonState
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
