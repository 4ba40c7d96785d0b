package migrate

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"labmigrate/lib/labfolder"

	"github.com/klauspost/compress/gzip"
	"github.com/parquet-go/parquet-go"
)

// snapshotRow is the flattened, columnar form of an entry. Nested values
// are JSON-encoded into string columns; the sidecar manifest records which
// columns need decoding on load.
type snapshotRow struct {
	ID           string `parquet:"id"`
	Title        string `parquet:"title"`
	CreationDate string `parquet:"creation_date"`
	VersionDate  string `parquet:"version_date"`
	EntryNumber  int32  `parquet:"entry_number"`
	ProjectID    string `parquet:"project_id"`
	Tags         string `parquet:"tags"`
	Author       string `parquet:"author"`
	LastEditor   string `parquet:"last_editor"`
	Project      string `parquet:"project"`
	Elements     string `parquet:"elements"`
}

var snapshotJSONColumns = []string{"tags", "author", "last_editor", "project", "elements"}

type snapshotManifest struct {
	JSONCols []string `json:"json_cols"`
}

// SaveSnapshot writes entries to a parquet file with a sidecar manifest.
// When parquet encoding fails it falls back to gzip-compressed
// newline-delimited JSON next to the requested path.
func SaveSnapshot(path string, entries []labfolder.Entry, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return err
	}

	rows := make([]snapshotRow, 0, len(entries))
	encodeErr := error(nil)
	for _, entry := range entries {
		row, err := encodeSnapshotRow(entry)
		if err != nil {
			encodeErr = err
			break
		}
		rows = append(rows, row)
	}
	if encodeErr == nil {
		encodeErr = parquet.WriteFile(path, rows)
	}
	if encodeErr == nil {
		err = writeManifest(path)
		if err != nil {
			return err
		}
		log.Info("saved entries snapshot", "entries", len(entries), "path", path)
		return nil
	}

	log.Warn("parquet save failed, falling back to json.gz", "err", encodeErr)
	gzPath := ndjsonPath(path)
	err = writeNDJSON(gzPath, entries)
	if err != nil {
		return err
	}
	log.Info("saved entries snapshot", "entries", len(entries), "path", gzPath)
	return nil
}

// LoadSnapshot reads entries back, preferring the parquet file and falling
// back to the NDJSON sibling. Nested columns listed in the manifest are
// decoded back into structured values.
func LoadSnapshot(path string, log *slog.Logger) ([]labfolder.Entry, error) {
	if log == nil {
		log = slog.Default()
	}

	if strings.HasSuffix(path, ".parquet") {
		entries, err := loadParquet(path)
		if err == nil {
			log.Info("loaded entries snapshot", "entries", len(entries), "path", path)
			return entries, nil
		}
		if !os.IsNotExist(err) {
			log.Warn("parquet load failed, trying json.gz fallback", "err", err)
		}
	}

	for _, candidate := range []string{path, ndjsonPath(path)} {
		if !strings.HasSuffix(candidate, ".json.gz") {
			continue
		}
		entries, err := readNDJSON(candidate)
		if err == nil {
			log.Info("loaded entries snapshot", "entries", len(entries), "path", candidate)
			return entries, nil
		}
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("no usable snapshot cache for %s: %w", path, os.ErrNotExist)
}

func loadParquet(path string) ([]labfolder.Entry, error) {
	_, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	rows, err := parquet.ReadFile[snapshotRow](path)
	if err != nil {
		return nil, err
	}

	jsonCols := map[string]bool{}
	manifest, err := readManifest(path)
	if err == nil {
		for _, col := range manifest.JSONCols {
			jsonCols[col] = true
		}
	} else {
		// tolerate a lost manifest: decode every known nested column
		for _, col := range snapshotJSONColumns {
			jsonCols[col] = true
		}
	}

	entries := make([]labfolder.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := decodeSnapshotRow(row, jsonCols)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func encodeSnapshotRow(entry labfolder.Entry) (snapshotRow, error) {
	row := snapshotRow{
		ID:           entry.ID,
		Title:        entry.Title,
		CreationDate: entry.CreationDate,
		VersionDate:  entry.VersionDate,
		EntryNumber:  int32(entry.EntryNumber),
		ProjectID:    entry.ProjectID,
	}
	for _, col := range []struct {
		value any
		dest  *string
	}{
		{entry.Tags, &row.Tags},
		{entry.Author, &row.Author},
		{entry.LastEditor, &row.LastEditor},
		{entry.Project, &row.Project},
		{entry.Elements, &row.Elements},
	} {
		encoded, err := json.Marshal(col.value)
		if err != nil {
			return snapshotRow{}, err
		}
		*col.dest = string(encoded)
	}
	return row, nil
}

func decodeSnapshotRow(row snapshotRow, jsonCols map[string]bool) (labfolder.Entry, error) {
	entry := labfolder.Entry{
		ID:           row.ID,
		Title:        row.Title,
		CreationDate: row.CreationDate,
		VersionDate:  row.VersionDate,
		EntryNumber:  int(row.EntryNumber),
		ProjectID:    row.ProjectID,
	}
	for _, col := range []struct {
		name    string
		encoded string
		dest    any
	}{
		{"tags", row.Tags, &entry.Tags},
		{"author", row.Author, &entry.Author},
		{"last_editor", row.LastEditor, &entry.LastEditor},
		{"project", row.Project, &entry.Project},
		{"elements", row.Elements, &entry.Elements},
	} {
		if !jsonCols[col.name] || col.encoded == "" {
			continue
		}
		err := json.Unmarshal([]byte(col.encoded), col.dest)
		if err != nil {
			return labfolder.Entry{}, fmt.Errorf("snapshot column %s: %w", col.name, err)
		}
	}
	return entry, nil
}

func writeManifest(path string) error {
	manifest, err := json.MarshalIndent(snapshotManifest{JSONCols: snapshotJSONColumns}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path+".meta.json", manifest, 0o644)
}

func readManifest(path string) (snapshotManifest, error) {
	var manifest snapshotManifest
	raw, err := os.ReadFile(path + ".meta.json")
	if err != nil {
		return manifest, err
	}
	err = json.Unmarshal(raw, &manifest)
	return manifest, err
}

func ndjsonPath(path string) string {
	base := strings.TrimSuffix(path, filepath.Ext(path))
	return base + ".json.gz"
}

func writeNDJSON(path string, entries []labfolder.Entry) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := gzip.NewWriter(f)
	for _, entry := range entries {
		line, err := json.Marshal(entry)
		if err != nil {
			zw.Close()
			return err
		}
		_, err = zw.Write(append(line, '\n'))
		if err != nil {
			zw.Close()
			return err
		}
	}
	return zw.Close()
}

func readNDJSON(path string) ([]labfolder.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var entries []labfolder.Entry
	scanner := bufio.NewScanner(zr)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry labfolder.Entry
		err := json.Unmarshal([]byte(line), &entry)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}
