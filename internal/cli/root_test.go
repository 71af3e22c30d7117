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

package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
)

func probe(fn func()) *cobra.Command {
	return &cobra.Command{
		Use: "probe",
		Run: func(*cobra.Command, []string) { fn() },
	}
}

func TestNewRootCommand(t *testing.T) {
	cmd := NewRootCommand()

	if cmd.Use != "lattice" {
		t.Errorf("expected use 'lattice', got %q", cmd.Use)
	}
	if cmd.Short == "" || cmd.Long == "" {
		t.Error("expected descriptions to be set")
	}
	if cmd.PersistentPreRunE == nil {
		t.Error("expected env loading hook")
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	for _, name := range []string{"verbose", "quiet", "json", "config", "env-file"} {
		if cmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("%s flag not registered", name)
		}
	}
}

func TestEnvFileLoadedBeforeRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("LATTICE_TEST_ENV_FILE=loaded\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LATTICE_TEST_ENV_FILE", "")
	os.Unsetenv("LATTICE_TEST_ENV_FILE")

	root := NewRootCommand()
	var seen string
	root.AddCommand(probe(func() { seen = os.Getenv("LATTICE_TEST_ENV_FILE") }))
	root.SetArgs([]string{"--env-file", path, "probe"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if seen != "loaded" {
		t.Errorf("env file not loaded, got %q", seen)
	}

	root = NewRootCommand()
	root.AddCommand(probe(func() {}))
	root.SetArgs([]string{"--env-file", filepath.Join(dir, "missing.env"), "probe"})
	if err := root.Execute(); err == nil {
		t.Error("expected error for missing env file")
	}
}

func TestSetVersion(t *testing.T) {
	SetVersion("1.2.3", "abc123", "2025-12-22")

	v, c, b := GetVersion()
	if v != "1.2.3" {
		t.Errorf("expected version '1.2.3', got %q", v)
	}
	if c != "abc123" {
		t.Errorf("expected commit 'abc123', got %q", c)
	}
	if b != "2025-12-22" {
		t.Errorf("expected build date '2025-12-22', got %q", b)
	}
}
