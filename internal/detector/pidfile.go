package detector

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// PIDFile detects the server process through a PID file. The first line is
// the pid, the optional second line is Meta as JSON.
type PIDFile struct {
	Path string
}

// Meta identifies the recorded process beyond its pid, so a recycled pid is
// not mistaken for the server.
type Meta struct {
	StartUnixMilli int64  `json:"start_unix_ms"`
	Executable     string `json:"exe,omitempty"`
}

var _ Detector = PIDFile{}

// Write records pid, started from exe. The file is replaced atomically.
func (f PIDFile) Write(pid int, exe string) error {
	meta, err := json.Marshal(Meta{StartUnixMilli: StartUnixMilli(pid), Executable: exe})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return err
	}
	tmp := f.Path + ".tmp"
	data := strconv.Itoa(pid) + "\n" + string(meta) + "\n"
	if err := os.WriteFile(tmp, []byte(data), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Read returns the recorded pid and meta. A missing file yields an error
// matching os.ErrNotExist.
func (f PIDFile) Read() (int, Meta, error) {
	data, err := os.ReadFile(filepath.Clean(f.Path))
	if err != nil {
		return 0, Meta{}, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil || pid <= 0 {
		return 0, Meta{}, fmt.Errorf("invalid pid in %s: %q", f.Path, strings.TrimSpace(lines[0]))
	}
	var meta Meta
	if len(lines) >= 2 && strings.TrimSpace(lines[1]) != "" {
		if err := json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &meta); err != nil {
			return pid, Meta{}, fmt.Errorf("invalid meta in %s: %w", f.Path, err)
		}
	}
	return pid, meta, nil
}

// Remove deletes the file; a missing file is not an error.
func (f PIDFile) Remove() error {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Orphan returns the recorded pid when that process is still alive and is
// the one that was recorded, or 0.
func (f PIDFile) Orphan() (int, error) {
	pid, meta, err := f.Read()
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if !PIDAlive(pid) {
		return 0, nil
	}
	if meta.StartUnixMilli > 0 {
		if cur := StartUnixMilli(pid); cur > 0 && cur != meta.StartUnixMilli {
			return 0, nil // pid reused; not our process
		}
	}
	return pid, nil
}

func (f PIDFile) Alive() (bool, error) {
	pid, err := f.Orphan()
	return pid > 0, err
}

func (f PIDFile) Describe() string { return "pidfile:" + f.Path }

// PIDAlive reports whether a process with pid exists.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gopsproc.PidExists(int32(pid))
	return err == nil && ok
}

// StartUnixMilli returns the process creation time in Unix milliseconds,
// or 0 when unavailable.
func StartUnixMilli(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms
}
