package migrate

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"labmigrate/lib/elabftw"
)

// Extra-field names on the destination record.
const (
	fieldProjectOwner   = "Project Owner"
	fieldProjectCreated = "Project creation date"
	fieldProjectID      = "Labfolder Project ID"
	FieldISAStudy       = "ISA-Study"
)

// DefaultUserID is the assignee used when the namelist has no match for a
// project owner.
const DefaultUserID = 847

// Lookups resolves owner names against the externally supplied CSV tables:
// owner -> linked ISA resource id, and first/last name -> destination user
// id. Tables are indexed once at load time by normalized full name.
type Lookups struct {
	resourceByOwner map[string]string
	userByName      map[string]int
	log             *slog.Logger
}

func LoadLookups(isaTablePath, namelistPath string, log *slog.Logger) (*Lookups, error) {
	if log == nil {
		log = slog.Default()
	}
	l := &Lookups{
		resourceByOwner: map[string]string{},
		userByName:      map[string]int{},
		log:             log,
	}

	if isaTablePath != "" {
		rows, header, err := readCSV(isaTablePath)
		if err != nil {
			return nil, fmt.Errorf("load ISA table: %w", err)
		}
		userCol, idCol := header["User"], header["Resource ID"]
		for _, row := range rows {
			name := normalizeName(row[userCol])
			if name != "" {
				l.resourceByOwner[name] = strings.TrimSpace(row[idCol])
			}
		}
	}

	if namelistPath != "" {
		rows, header, err := readCSV(namelistPath)
		if err != nil {
			return nil, fmt.Errorf("load namelist: %w", err)
		}
		firstCol, lastCol, idCol := header["First Name"], header["Last Name"], header["User ID"]
		for _, row := range rows {
			name := normalizeName(row[firstCol] + " " + row[lastCol])
			id, err := strconv.Atoi(strings.TrimSpace(row[idCol]))
			if name == "" || err != nil {
				continue
			}
			l.userByName[name] = id
		}
	}

	return l, nil
}

func readCSV(path string) ([][]string, map[string]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	if len(records) == 0 {
		return nil, nil, fmt.Errorf("%s: empty table", path)
	}

	header := map[string]int{}
	for i, name := range records[0] {
		header[strings.TrimSpace(name)] = i
	}
	var rows [][]string
	for _, row := range records[1:] {
		if len(row) >= len(records[0]) {
			rows = append(rows, row)
		}
	}
	return rows, header, nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ResourceID resolves the linked ISA resource for a project owner.
func (l *Lookups) ResourceID(owner string) (string, bool) {
	id, ok := l.resourceByOwner[normalizeName(owner)]
	if !ok || id == "" {
		if len(l.resourceByOwner) > 0 {
			l.log.Warn("no resource id found for owner", "owner", owner)
		}
		return "", false
	}
	return id, true
}

// UserID resolves the destination assignee for a project owner, falling
// back to DefaultUserID.
func (l *Lookups) UserID(owner string) int {
	id, ok := l.userByName[normalizeName(owner)]
	if !ok {
		if len(l.userByName) > 0 {
			l.log.Warn("no user id found for owner", "owner", owner)
		}
		return DefaultUserID
	}
	return id
}

// ExtraFields builds the destination metadata payload from the project's
// first record post-sort.
func (l *Lookups) ExtraFields(first Record) map[string]elabftw.ExtraField {
	fields := map[string]elabftw.ExtraField{
		fieldProjectOwner:   {Value: first.OwnerName},
		fieldProjectCreated: {Value: dateOnly(first.ProjectCreated)},
		fieldProjectID:      {Value: first.ProjectID},
	}
	if id, ok := l.ResourceID(first.OwnerName); ok {
		fields[FieldISAStudy] = elabftw.ExtraField{Value: id, Kind: elabftw.FieldItems}
	}
	return fields
}
