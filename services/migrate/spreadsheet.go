package migrate

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"labmigrate/lib/labfolder"

	"github.com/xuri/excelize/v2"
)

type sheetFile struct {
	Sheet string
	Path  string
}

// sheetGrid is the sparse spreadsheet shape tables arrive in: cell values
// live in data.dataTable keyed by row then column index.
type sheetGrid struct {
	RowCount    int `json:"rowCount"`
	ColumnCount int `json:"columnCount"`
	Data        struct {
		DataTable map[string]map[string]json.RawMessage `json:"dataTable"`
	} `json:"data"`
}

// convertGrid turns a TABLE or WELL_PLATE payload into one xlsx file per
// logical sheet. A well plate carrying spreadsheet-shaped content goes
// through the same path as a table; plain delimited text becomes a single
// sheet with an auto-detected delimiter.
func (r *Renderer) convertGrid(doc *labfolder.GridDocument, kind labfolder.ElementKind) ([]sheetFile, error) {
	sheets := sheetsOf(doc)

	if len(sheets) == 0 && kind == labfolder.KindWellPlate {
		var text string
		if len(doc.Content) > 0 && json.Unmarshal(doc.Content, &text) == nil && strings.TrimSpace(text) != "" {
			rows, err := parseDelimited(text)
			if err != nil {
				return nil, err
			}
			path, err := r.writeSheetXLSX("well_plate", rows)
			if err != nil {
				return nil, err
			}
			return []sheetFile{{Sheet: "well_plate", Path: path}}, nil
		}
		return nil, nil
	}

	// sorted names keep repeated renders byte-identical
	names := make([]string, 0, len(sheets))
	for name := range sheets {
		names = append(names, name)
	}
	sort.Strings(names)

	var files []sheetFile
	for _, name := range names {
		raw := sheets[name]

		var rows [][]string
		var grid sheetGrid
		var text string
		switch {
		case json.Unmarshal(raw, &grid) == nil && (grid.RowCount > 0 || grid.ColumnCount > 0):
			rows = gridRows(grid)
		case json.Unmarshal(raw, &text) == nil:
			var err error
			rows, err = parseDelimited(text)
			if err != nil {
				return nil, err
			}
		default:
			r.log.Warn("skipping sheet of unsupported shape", "sheet", name, "document_id", doc.ID)
			continue
		}

		path, err := r.writeSheetXLSX(name, rows)
		if err != nil {
			return nil, err
		}
		files = append(files, sheetFile{Sheet: name, Path: path})
	}
	return files, nil
}

func sheetsOf(doc *labfolder.GridDocument) map[string]json.RawMessage {
	if len(doc.Content) > 0 {
		var content struct {
			Sheets map[string]json.RawMessage `json:"sheets"`
		}
		if json.Unmarshal(doc.Content, &content) == nil && len(content.Sheets) > 0 {
			return content.Sheets
		}
	}
	return doc.Sheets
}

func gridRows(grid sheetGrid) [][]string {
	rows := make([][]string, grid.RowCount)
	for i := 0; i < grid.RowCount; i++ {
		rowTable := grid.Data.DataTable[strconv.Itoa(i)]
		row := make([]string, grid.ColumnCount)
		for j := 0; j < grid.ColumnCount; j++ {
			row[j] = cellValue(rowTable[strconv.Itoa(j)])
		}
		rows[i] = row
	}
	return rows
}

func cellValue(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var decoded any
	if json.Unmarshal(raw, &decoded) != nil {
		return ""
	}
	if cell, ok := decoded.(map[string]any); ok {
		if inner, ok := cell["value"]; ok {
			decoded = inner
		}
	}
	switch v := decoded.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any, []any:
		out, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(out)
	default:
		return fmt.Sprint(v)
	}
}

var delimiterCandidates = []rune{',', ';', '\t', '|'}

// detectDelimiter picks the candidate occurring most often in the first
// line, defaulting to comma.
func detectDelimiter(line string) rune {
	best := ','
	bestCount := 0
	for _, candidate := range delimiterCandidates {
		count := strings.Count(line, string(candidate))
		if count > bestCount {
			best = candidate
			bestCount = count
		}
	}
	return best
}

func parseDelimited(text string) ([][]string, error) {
	text = strings.TrimSpace(text)
	firstLine, _, _ := strings.Cut(text, "\n")

	reader := csv.NewReader(strings.NewReader(text))
	reader.Comma = detectDelimiter(firstLine)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	return reader.ReadAll()
}

func (r *Renderer) writeSheetXLSX(sheetName string, rows [][]string) (string, error) {
	err := os.MkdirAll(r.scratch, 0o755)
	if err != nil {
		return "", err
	}

	safe := sheetName
	if len(safe) > 31 {
		safe = safe[:31]
	}
	if safe == "" {
		safe = "sheet1"
	}

	f := excelize.NewFile()
	defer f.Close()
	err = f.SetSheetName("Sheet1", safe)
	if err != nil {
		return "", err
	}
	for i, row := range rows {
		for j, value := range row {
			cell, err := excelize.CoordinatesToCellName(j+1, i+1)
			if err != nil {
				return "", err
			}
			err = f.SetCellValue(safe, cell, value)
			if err != nil {
				return "", err
			}
		}
	}

	path := filepath.Join(r.scratch, sanitizeFilename(sheetName)+".xlsx")
	err = f.SaveAs(path)
	if err != nil {
		return "", err
	}
	return path, nil
}

func sanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == ' ', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "sheet"
	}
	return out
}
