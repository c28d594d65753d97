// Package bootstrap seeds the editable persona files a fresh install needs.
// Seeding is create-only: a file the user has written, emptied or deleted on
// purpose is never touched again once it exists.
package bootstrap

import (
	"embed"
	"os"
	"path/filepath"
)

//go:embed templates/*.md
var templateFS embed.FS

// templateFiles lists the memory templates to seed, in order. HEARTBEAT.md is
// deliberately absent: creating it would override the built-in heartbeat
// prompt, which is an opt-in the user makes by writing the file themselves.
var templateFiles = []string{
	"IDENTITY.md",
	"SOUL.md",
	"USER.md",
}

// EnsureMemoryFiles seeds the persona templates into the memory directory.
// Existing files are left alone. Returns the names of the files created.
func EnsureMemoryFiles(memoryDir string) ([]string, error) {
	if err := os.MkdirAll(memoryDir, 0o755); err != nil {
		return nil, err
	}

	var created []string
	for _, name := range templateFiles {
		ok, err := seedTemplate(memoryDir, name)
		if err != nil {
			return created, err
		}
		if ok {
			created = append(created, name)
		}
	}
	return created, nil
}

// seedTemplate writes one template unless the file already exists. O_EXCL
// keeps a concurrent daemon start from clobbering a half-written file.
func seedTemplate(dir, name string) (bool, error) {
	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		return false, err
	}

	f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	if _, err := f.Write(content); err != nil {
		return false, err
	}
	return true, nil
}
