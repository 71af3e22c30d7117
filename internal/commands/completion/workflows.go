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

package completion

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	maxWorkflowFiles = 100
	maxSearchDepth   = 2
)

// workflowFile is a discovered manifest with its modification time.
type workflowFile struct {
	path    string
	modTime int64
}

// CompleteWorkflowFiles completes workflow manifest paths: .yaml, .yml
// and .json files up to two directories deep whose top level has both
// name and nodes. Newest first, at most 100. When nothing matches, the
// shell falls back to its own file completion.
func CompleteWorkflowFiles(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		files, err := discoverWorkflowFiles(".", maxSearchDepth)
		if err != nil || len(files) == 0 {
			return []string{}, cobra.ShellCompDirectiveDefault
		}

		sort.Slice(files, func(i, j int) bool {
			return files[i].modTime > files[j].modTime
		})

		var paths []string
		for _, f := range files {
			if strings.HasPrefix(f.path, toComplete) {
				paths = append(paths, f.path)
			}
			if len(paths) == maxWorkflowFiles {
				break
			}
		}
		if len(paths) == 0 {
			return []string{}, cobra.ShellCompDirectiveDefault
		}
		return paths, cobra.ShellCompDirectiveDefault
	})
}

func discoverWorkflowFiles(root string, maxDepth int) ([]workflowFile, error) {
	var files []workflowFile

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}

		relPath, _ := filepath.Rel(root, path)
		if strings.Count(relPath, string(filepath.Separator)) > maxDepth {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return fs.SkipDir
			}
			return nil
		}

		switch filepath.Ext(path) {
		case ".yaml", ".yml", ".json":
		default:
			return nil
		}
		if !isSafeFile(path) || !isWorkflowFile(path) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, workflowFile{path: path, modTime: info.ModTime().Unix()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// isSafeFile rejects symlinks in the final path component.
func isSafeFile(path string) bool {
	info, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeSymlink == 0
}

// isWorkflowFile reports whether the file parses as YAML (JSON included)
// with top-level name and nodes keys.
func isWorkflowFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return false
	}
	_, hasName := doc["name"]
	_, hasNodes := doc["nodes"]
	return hasName && hasNodes
}
