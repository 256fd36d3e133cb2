// Package filefilter selects the subset of an action's source tree worth
// sending to analysis: the action definition, scripts and source code, minus
// dependencies, binaries, docs and anything oversized.
package filefilter

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// DefaultMaxFileSize caps individual files; prompts are token-budgeted and a
// single giant file would crowd out everything else.
const DefaultMaxFileSize = 512 << 10

// ErrNoAnalyzableFiles means the tree held nothing worth analyzing.
var ErrNoAnalyzableFiles = errors.New("filefilter: no analyzable files found")

var excludeDirs = map[string]bool{
	"node_modules": true, "venv": true, ".git": true, "dist": true,
	"build": true, "test": true, ".github": true, "__pycache__": true,
	".pytest_cache": true, "jest": true, "__tests__": true, "__test__": true,
	"tests": true, "docs": true, "__mocks__": true, "__snapshots__": true,
	"examples": true, ".cargo": true, "target": true, "coverage": true,
	".nyc_output": true, "lib": true, "vendor": true, "bin": true,
}

var excludeExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".svg": true,
	".ico": true, ".woff": true, ".woff2": true, ".ttf": true, ".eot": true,
	".lock": true, ".log": true, ".md5": true, ".mp4": true, ".mp3": true,
	".mov": true, ".bin": true, ".exe": true, ".zip": true, ".map": true,
	".toml": true, ".md": true, ".pdf": true, ".doc": true, ".docx": true,
	".xls": true, ".xlsx": true, ".ppt": true, ".pptx": true, ".tar": true,
	".gz": true,
}

var excludeFiles = map[string]bool{
	"README.md": true, "LICENSE": true, "CHANGELOG.md": true,
	"package-lock.json": true, ".gitignore": true, ".npmignore": true,
	".eslintrc.json": true, "tsconfig.json": true, ".dockerignore": true,
	".gitattributes": true, ".ignore": true, ".pre-commit-config.yaml": true,
	".pre-commit-hooks.yaml": true, "LICENSE-APACHE": true, "LICENSE-MIT": true,
	"yarn.lock": true, "Cargo.lock": true, "composer.lock": true,
	"Pipfile.lock": true, "poetry.lock": true,
}

// priorityFiles are always included regardless of the size cap.
var priorityFiles = map[string]bool{
	"action.yml": true, "action.yaml": true, "Dockerfile": true,
	"entrypoint.sh": true, "main.py": true, "index.js": true,
	"main.js": true, "run.py": true, "execute.py": true,
}

var relevantExts = map[string]bool{
	".py": true, ".js": true, ".ts": true, ".sh": true, ".bash": true,
	".ps1": true, ".yml": true, ".yaml": true, ".json": true, ".xml": true,
	".go": true, ".rs": true, ".java": true, ".c": true, ".cpp": true,
	".h": true, ".php": true, ".rb": true, ".pl": true, ".r": true,
	".scala": true, ".kt": true, ".swift": true, ".cs": true,
	".dockerfile": true, ".makefile": true,
}

// scriptNames are extensionless files treated as scripts by convention.
var scriptNames = map[string]bool{
	"entrypoint": true, "run": true, "start": true, "build": true,
	"deploy": true, "setup": true, "install": true, "configure": true,
	"main": true, "execute": true, "launch": true,
}

type Filter struct {
	MaxFileSize int64
	log         *log.Logger
}

func New(logger *log.Logger) *Filter {
	if logger == nil {
		logger = log.Default()
	}
	return &Filter{MaxFileSize: DefaultMaxFileSize, log: logger}
}

// Extract walks dir and returns relative path -> content for every file that
// passes the filter. Trees with no analyzable files are an error; a missing
// action definition is only a warning, composite actions sometimes ship
// without one at the root.
func (f *Filter) Extract(dir string) (map[string]string, error) {
	files := map[string]string{}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			f.log.Printf("WARNING: filefilter: skipping %s: %v", path, err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != dir && excludeDirs[d.Name()] {
				return fs.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if !f.include(path, d) {
			return nil
		}
		content, ok := readText(path)
		if !ok {
			return nil
		}
		files[filepath.ToSlash(rel)] = content
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("filefilter: walk %s: %w", dir, err)
	}

	if len(files) == 0 {
		return nil, ErrNoAnalyzableFiles
	}
	if _, ok := files["action.yml"]; !ok {
		if _, ok := files["action.yaml"]; !ok {
			f.log.Printf("WARNING: filefilter: no action.yml or action.yaml found")
		}
	}
	return files, nil
}

func (f *Filter) include(path string, d fs.DirEntry) bool {
	name := d.Name()
	if priorityFiles[name] {
		return true
	}
	if excludeFiles[name] {
		return false
	}
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, ".min.js") || strings.HasSuffix(lower, ".min.css") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	if excludeExts[ext] {
		return false
	}

	info, err := d.Info()
	if err != nil || info.Size() > f.MaxFileSize {
		return false
	}

	if relevantExts[ext] {
		return true
	}
	if ext == "" {
		return isLikelyScript(path, name, info)
	}
	return false
}

// isLikelyScript decides whether an extensionless file is a script: the
// executable bit, a shebang, or a conventional name.
func isLikelyScript(path, name string, info fs.FileInfo) bool {
	if info.Mode()&0o111 != 0 {
		return true
	}
	fh, err := os.Open(path)
	if err == nil {
		var head [2]byte
		n, _ := fh.Read(head[:])
		fh.Close()
		if n == 2 && head[0] == '#' && head[1] == '!' {
			return true
		}
	}
	return scriptNames[strings.ToLower(name)]
}

// readText reads path and rejects empty or binary-looking content.
func readText(path string) (string, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	content := string(raw)
	if strings.TrimSpace(content) == "" {
		return "", false
	}
	if isBinary(content) {
		return "", false
	}
	return content, true
}

// isBinary flags content with NUL bytes or under 70% printable characters.
func isBinary(content string) bool {
	if strings.ContainsRune(content, 0) {
		return true
	}
	printable := 0
	total := 0
	for _, r := range content {
		total++
		if unicode.IsPrint(r) || unicode.IsSpace(r) {
			printable++
		}
	}
	return total > 0 && float64(printable)/float64(total) < 0.7
}

// Prepare cleans each file for the prompt: trailing whitespace stripped,
// blank-line runs squeezed to two, and a header naming the file so the model
// can attribute findings.
func (f *Filter) Prepare(files map[string]string) map[string]string {
	out := make(map[string]string, len(files))
	for name, content := range files {
		header := fmt.Sprintf("# File: %s\n# Size: %d characters\n\n", name, len(content))
		out[name] = header + cleanContent(content)
	}
	return out
}

func cleanContent(content string) string {
	lines := strings.Split(content, "\n")
	out := make([]string, 0, len(lines))
	empty := 0
	for _, line := range lines {
		line = strings.TrimRight(line, " \t\r")
		if line == "" {
			empty++
			if empty > 2 {
				continue
			}
		} else {
			empty = 0
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
