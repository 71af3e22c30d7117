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

package lifecycle

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquirePIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "worker.pid")

	pf, err := AcquirePIDFile(path)
	if err != nil {
		t.Fatalf("AcquirePIDFile() error = %v", err)
	}
	defer pf.Release()

	pid, err := ReadPIDFile(path)
	if err != nil {
		t.Fatalf("ReadPIDFile() error = %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("ReadPIDFile() = %d, want %d", pid, os.Getpid())
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if mode := info.Mode() & os.ModePerm; mode != 0o600 {
		t.Errorf("PID file mode = %04o, want 0600", mode)
	}
	dirInfo, err := os.Stat(filepath.Dir(path))
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if mode := dirInfo.Mode() & os.ModePerm; mode != 0o700 {
		t.Errorf("directory mode = %04o, want 0700", mode)
	}
}

func TestAcquirePIDFile_HeldFileIsLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.pid")

	first, err := acquire(path, 1234)
	if err != nil {
		t.Fatalf("first acquire() error = %v", err)
	}
	defer first.Release()

	if _, err := acquire(path, 5678); !errors.Is(err, ErrPIDFileLocked) {
		t.Errorf("second acquire() error = %v, want ErrPIDFileLocked", err)
	}
	if pid, _ := ReadPIDFile(path); pid != 1234 {
		t.Errorf("held file was overwritten: pid %d", pid)
	}
}

func TestAcquirePIDFile_ReplacesStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.pid")
	if err := os.WriteFile(path, []byte("99999\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	pf, err := acquire(path, 4321)
	if err != nil {
		t.Fatalf("acquire() error = %v", err)
	}
	defer pf.Release()

	if pid, _ := ReadPIDFile(path); pid != 4321 {
		t.Errorf("ReadPIDFile() = %d, want 4321", pid)
	}
}

func TestPIDFile_Release(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.pid")
	pf, err := acquire(path, 1)
	if err != nil {
		t.Fatalf("acquire() error = %v", err)
	}

	if err := pf.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("PID file still exists after Release()")
	}
	if err := pf.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}

	again, err := acquire(path, 2)
	if err != nil {
		t.Fatalf("acquire() after Release() error = %v", err)
	}
	_ = again.Release()
}

func TestReadPIDFile(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
		wantErr error
	}{
		{name: "valid", content: "42\n", want: 42},
		{name: "whitespace", content: "  7  \n", want: 7},
		{name: "not a number", content: "abc", wantErr: ErrInvalidPID},
		{name: "zero", content: "0", wantErr: ErrInvalidPID},
		{name: "negative", content: "-3", wantErr: ErrInvalidPID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "x.pid")
			if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
				t.Fatalf("WriteFile() error = %v", err)
			}
			got, err := ReadPIDFile(path)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("ReadPIDFile() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("ReadPIDFile() = %d, %v, want %d", got, err, tt.want)
			}
		})
	}
}

func TestAcquirePIDFile_RejectsWorldWritableDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "open")
	if err := os.Mkdir(dir, 0o700); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}
	if err := os.Chmod(dir, 0o777); err != nil {
		t.Fatalf("Chmod() error = %v", err)
	}

	if _, err := acquire(filepath.Join(dir, "w.pid"), 1); !errors.Is(err, ErrUnsafeDirectory) {
		t.Errorf("acquire() error = %v, want ErrUnsafeDirectory", err)
	}
}
