package labfolder

import "encoding/json"

type Person struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type ProjectInfo struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	CreationDate    string `json:"creation_date"`
	NumberOfEntries int    `json:"number_of_entries"`
}

type ElementKind string

const (
	KindText      ElementKind = "TEXT"
	KindFile      ElementKind = "FILE"
	KindImage     ElementKind = "IMAGE"
	KindData      ElementKind = "DATA"
	KindTable     ElementKind = "TABLE"
	KindWellPlate ElementKind = "WELL_PLATE"
)

type Element struct {
	ID   string      `json:"id"`
	Type ElementKind `json:"type"`
}

// Entry is one notebook entry as returned by the entries endpoint with
// author, project and last_editor expanded.
type Entry struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	CreationDate string       `json:"creation_date"`
	VersionDate  string       `json:"version_date"`
	EntryNumber  int          `json:"entry_number"`
	Tags         []string     `json:"tags"`
	ProjectID    string       `json:"project_id"`
	Author       *Person      `json:"author,omitempty"`
	LastEditor   *Person      `json:"last_editor,omitempty"`
	Project      *ProjectInfo `json:"project,omitempty"`
	Elements     []Element    `json:"elements"`
}

type DataElement struct {
	Title string `json:"title"`
	Value any    `json:"value"`
	Unit  string `json:"unit"`
}

type DataContent struct {
	ID           string        `json:"id"`
	DataElements []DataElement `json:"data_elements"`
}

// GridDocument is the raw payload of a TABLE or WELL_PLATE element.
// Content is either a sheet collection (tables, spreadsheet-shaped well
// plates) or a plain delimited string (simple well plates), so it stays
// undecoded until conversion.
type GridDocument struct {
	ID      string                     `json:"id"`
	Title   string                     `json:"title"`
	Content json.RawMessage            `json:"content"`
	Sheets  map[string]json.RawMessage `json:"sheets"`
}

type Export struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	CreationDate     string `json:"creation_date"`
	DownloadFilename string `json:"download_filename"`
}
