// Package migrate applies and rolls back versioned SQL migrations against
// the relational backend. Each migration is a single file carrying an -- UP
// section and an -- DOWN section; applied migrations are recorded in a
// migrations table together with both scripts, so rollback works from the
// database alone.
package migrate

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// downDelimiter splits the up and down scripts inside a migration file. The
// marker only counts on a line of its own, so "-- DOWN" inside an up-script
// comment or string literal is not a delimiter.
const downDelimiter = "\n-- DOWN\n"

// Migration is one parsed migration file.
type Migration struct {
	// ID is the filename minus extension, canonically YYYYMMDDHHMMSS_slug.
	// IDs sort lexicographically in application order.
	ID      string
	Name    string
	UpSQL   string
	DownSQL string
}

// Parse splits a migration file into its up and down scripts. A missing
// -- DOWN section yields an empty DownSQL, which makes the migration
// irreversible rather than invalid.
func Parse(filename string, content []byte) (Migration, error) {
	id := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	if id == "" {
		return Migration{}, fmt.Errorf("migration %q has no usable name", filename)
	}

	name := id
	if _, slug, ok := strings.Cut(id, "_"); ok && slug != "" {
		name = slug
	}

	up := string(content)
	down := ""
	if idx := strings.Index(up, downDelimiter); idx >= 0 {
		down = strings.TrimSpace(up[idx+len(downDelimiter):])
		up = up[:idx]
	}
	up = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(up), "-- UP"))

	return Migration{ID: id, Name: name, UpSQL: strings.TrimSpace(up), DownSQL: down}, nil
}

// LoadDir reads every .sql file in fsys and returns the parsed migrations
// sorted by ID.
func LoadDir(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(entries)

	out := make([]Migration, 0, len(entries))
	for _, name := range entries {
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		m, err := Parse(name, content)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// CreateTemplate writes a timestamped skeleton migration file into dir and
// returns its path.
func CreateTemplate(dir, slug string) (string, error) {
	slug = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		case r == '-' || r == ' ':
			return '_'
		}
		return -1
	}, slug)
	if slug == "" {
		return "", fmt.Errorf("migration name is empty after sanitizing")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create migrations dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.sql", time.Now().UTC().Format("20060102150405"), slug))
	template := "-- UP\n\n\n-- DOWN\n\n"
	if err := os.WriteFile(path, []byte(template), 0o644); err != nil {
		return "", fmt.Errorf("write template: %w", err)
	}
	return path, nil
}
