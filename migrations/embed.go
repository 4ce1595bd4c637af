// Package migrations embeds the schema migration files so the migrator
// ships as a single binary with zero deployment configuration.
package migrations

import (
	"embed"
	"fmt"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var FS embed.FS

// Migration filenames follow 001_name.up.sql / 001_name.down.sql.
var filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// Info describes one parsed migration file.
type Info struct {
	Sequence  int
	Name      string
	Direction string
	Filename  string
}

// List returns the embedded migration files, parsed and sorted by sequence
// then direction.
func List() ([]Info, error) {
	entries, err := FS.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	infos := make([]Info, 0, len(entries))

	for _, entry := range entries {
		matches := filenameRegex.FindStringSubmatch(entry.Name())
		if matches == nil {
			return nil, fmt.Errorf("invalid migration filename: %s", entry.Name())
		}

		sequence, err := strconv.Atoi(matches[1])
		if err != nil {
			return nil, fmt.Errorf("invalid migration sequence in %s: %w", entry.Name(), err)
		}

		infos = append(infos, Info{
			Sequence:  sequence,
			Name:      matches[2],
			Direction: matches[3],
			Filename:  entry.Name(),
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Sequence != infos[j].Sequence {
			return infos[i].Sequence < infos[j].Sequence
		}

		return infos[i].Direction < infos[j].Direction
	})

	return infos, nil
}

// Validate checks that every migration has both directions and that
// sequences are contiguous starting at 1. Torn migration sets have caused
// silent schema drift before; failing fast here keeps the migrator honest.
func Validate() error {
	infos, err := List()
	if err != nil {
		return err
	}

	bySequence := make(map[int]map[string]bool)

	for _, info := range infos {
		if bySequence[info.Sequence] == nil {
			bySequence[info.Sequence] = make(map[string]bool)
		}

		if bySequence[info.Sequence][info.Direction] {
			return fmt.Errorf("duplicate migration %03d.%s", info.Sequence, info.Direction)
		}

		bySequence[info.Sequence][info.Direction] = true
	}

	for sequence := 1; sequence <= len(bySequence); sequence++ {
		directions, ok := bySequence[sequence]
		if !ok {
			return fmt.Errorf("migration sequence gap: %03d missing", sequence)
		}

		if !directions["up"] || !directions["down"] {
			return fmt.Errorf("migration %03d is missing its up or down file", sequence)
		}
	}

	return nil
}
