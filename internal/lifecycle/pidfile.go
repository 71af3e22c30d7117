// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package lifecycle holds process lifecycle helpers shared by the long
// running lattice commands.
//
// A PID file is created with O_EXCL and held under an exclusive flock
// for the life of the process:
//
//	pf, err := lifecycle.AcquirePIDFile("/var/run/lattice-worker.pid")
//	if err != nil {
//	    return err
//	}
//	defer pf.Release()
//
// A file left behind by a process that exited without releasing it is
// not locked, so the next Acquire replaces it.
package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

var (
	// ErrPIDFileLocked is returned when a live process holds the PID file.
	ErrPIDFileLocked = errors.New("PID file is locked by another process")

	// ErrInvalidPID is returned when the PID file contains invalid data.
	ErrInvalidPID = errors.New("invalid PID in file")

	// ErrUnsafeDirectory is returned when the PID file parent is world-writable.
	ErrUnsafeDirectory = errors.New("PID file directory is world-writable")
)

// PIDFile is a held PID file.
type PIDFile struct {
	path string
	f    *os.File
}

// AcquirePIDFile writes the current process id to path and locks it.
// A stale, unlocked file at path is replaced.
func AcquirePIDFile(path string) (*PIDFile, error) {
	return acquire(path, os.Getpid())
}

func acquire(path string, pid int) (*PIDFile, error) {
	dir := filepath.Dir(path)
	if err := checkDirectory(dir); err != nil {
		return nil, fmt.Errorf("unsafe PID file location: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create PID file directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			return lockAndWrite(path, f, pid)
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create PID file: %w", err)
		}
		if err := removeStale(path); err != nil {
			return nil, err
		}
	}
	return nil, ErrPIDFileLocked
}

func lockAndWrite(path string, f *os.File, pid int) (*PIDFile, error) {
	fail := func(err error) (*PIDFile, error) {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return fail(ErrPIDFileLocked)
		}
		return fail(fmt.Errorf("failed to lock PID file: %w", err))
	}
	if _, err := fmt.Fprintf(f, "%d\n", pid); err != nil {
		return fail(fmt.Errorf("failed to write PID: %w", err))
	}
	if err := f.Sync(); err != nil {
		return fail(fmt.Errorf("failed to sync PID file: %w", err))
	}
	return &PIDFile{path: path, f: f}, nil
}

// removeStale deletes path unless another process holds its lock.
func removeStale(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open PID file: %w", err)
	}
	defer f.Close()
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		if errors.Is(err, syscall.EWOULDBLOCK) {
			pid, _ := ReadPIDFile(path)
			return fmt.Errorf("%w (pid %d)", ErrPIDFileLocked, pid)
		}
		return fmt.Errorf("failed to lock PID file: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale PID file: %w", err)
	}
	return nil
}

// Path returns the file location.
func (p *PIDFile) Path() string { return p.path }

// Release unlocks and removes the file. It is safe to call twice.
func (p *PIDFile) Release() error {
	if p.f == nil {
		return nil
	}
	_ = syscall.Flock(int(p.f.Fd()), syscall.LOCK_UN)
	_ = p.f.Close()
	p.f = nil
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// ReadPIDFile returns the process id stored at path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPID, s)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("%w: PID must be positive, got %d", ErrInvalidPID, pid)
	}
	return pid, nil
}

func checkDirectory(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat directory: %w", err)
	}
	if mode := info.Mode(); mode&0o002 != 0 && mode&os.ModeSticky == 0 {
		return fmt.Errorf("%w: %s has mode %04o", ErrUnsafeDirectory, dir, mode&os.ModePerm)
	}
	return nil
}
