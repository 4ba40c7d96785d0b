package migrate

import (
	"slices"
	"strings"

	"labmigrate/lib/labfolder"
)

// Group partitions entries by project, normalizing each entry into a Record
// and sorting every group ascending by entry number (stable on ties).
func Group(entries []labfolder.Entry) (map[string][]Record, error) {
	groups := map[string][]Record{}
	for _, entry := range entries {
		record, err := normalize(entry)
		if err != nil {
			return nil, err
		}
		groups[record.ProjectID] = append(groups[record.ProjectID], record)
	}
	for _, records := range groups {
		slices.SortStableFunc(records, func(a, b Record) int {
			return a.EntryNumber - b.EntryNumber
		})
	}
	return groups, nil
}

// GroupFiltered behaves like Group but keeps only entries whose author's
// first name is in the allow-list (trimmed, case-insensitive). An empty
// allow-list keeps everything.
func GroupFiltered(entries []labfolder.Entry, firstNames []string) (map[string][]Record, error) {
	allowed := map[string]bool{}
	for _, name := range firstNames {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			allowed[name] = true
		}
	}
	if len(allowed) == 0 {
		return Group(entries)
	}

	var kept []labfolder.Entry
	for _, entry := range entries {
		if entry.Author == nil {
			continue
		}
		first := strings.ToLower(strings.TrimSpace(entry.Author.FirstName))
		if allowed[first] {
			kept = append(kept, entry)
		}
	}
	return Group(kept)
}

func normalize(entry labfolder.Entry) (Record, error) {
	if entry.Author == nil {
		return Record{}, &DataShapeError{EntryID: entry.ID, Field: "author"}
	}
	if entry.Project == nil {
		return Record{}, &DataShapeError{EntryID: entry.ID, Field: "project"}
	}

	projectID := entry.ProjectID
	if projectID == "" {
		projectID = entry.Project.ID
	}

	lastEditor := ""
	if entry.LastEditor != nil {
		lastEditor = fullName(*entry.LastEditor)
	}

	return Record{
		EntryID:        entry.ID,
		EntryTitle:     entry.Title,
		EntryNumber:    entry.EntryNumber,
		TotalEntries:   entry.Project.NumberOfEntries,
		EntryCreated:   entry.CreationDate,
		LastEdited:     entry.VersionDate,
		Tags:           append([]string(nil), entry.Tags...),
		OwnerName:      fullName(*entry.Author),
		LastEditorName: lastEditor,
		ProjectID:      projectID,
		ProjectTitle:   entry.Project.Title,
		ProjectCreated: entry.Project.CreationDate,
		Elements:       append([]labfolder.Element(nil), entry.Elements...),
	}, nil
}

func fullName(p labfolder.Person) string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}
