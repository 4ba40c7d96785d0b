package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"labmigrate/lib/elabftw"
	"labmigrate/lib/labfolder"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubSource struct {
	texts   map[string]string
	files   map[string]string
	images  map[string]string
	data    map[string][]labfolder.DataElement
	grids   map[string]*labfolder.GridDocument
	fail    map[string]error
	entries []labfolder.Entry
}

func (s *stubSource) lookupErr(id string) error {
	if s.fail == nil {
		return nil
	}
	return s.fail[id]
}

func (s *stubSource) FetchText(_ context.Context, id string) (string, error) {
	if err := s.lookupErr(id); err != nil {
		return "", err
	}
	return s.texts[id], nil
}

func (s *stubSource) FetchFile(_ context.Context, id string) (string, error) {
	if err := s.lookupErr(id); err != nil {
		return "", err
	}
	return s.files[id], nil
}

func (s *stubSource) FetchImage(_ context.Context, id string) (string, error) {
	if err := s.lookupErr(id); err != nil {
		return "", err
	}
	return s.images[id], nil
}

func (s *stubSource) FetchData(_ context.Context, id string) ([]labfolder.DataElement, error) {
	if err := s.lookupErr(id); err != nil {
		return nil, err
	}
	return s.data[id], nil
}

func (s *stubSource) FetchTable(_ context.Context, id string) (*labfolder.GridDocument, error) {
	if err := s.lookupErr(id); err != nil {
		return nil, err
	}
	return s.grids[id], nil
}

func (s *stubSource) FetchWellPlate(_ context.Context, id string) (*labfolder.GridDocument, error) {
	return s.FetchTable(nil, id)
}

func (s *stubSource) FetchEntries(_ context.Context, _ labfolder.EntryListOptions) ([]labfolder.Entry, error) {
	return s.entries, nil
}

type recordingDest struct {
	created   []string
	patched   map[string]elabftw.PatchRequest
	uploads   []string
	links     []string
	createErr error
	patchErr  error
	uploadErr error
	linkErr   error
	nextID    int
}

func (d *recordingDest) CreateExperiment(_ context.Context, title string, _ []string) (string, error) {
	if d.createErr != nil {
		return "", d.createErr
	}
	d.nextID++
	d.created = append(d.created, title)
	return "exp-" + title, nil
}

func (d *recordingDest) PatchExperiment(_ context.Context, expID string, req elabftw.PatchRequest) error {
	if d.patchErr != nil {
		return d.patchErr
	}
	if d.patched == nil {
		d.patched = map[string]elabftw.PatchRequest{}
	}
	d.patched[expID] = req
	return nil
}

func (d *recordingDest) UploadFile(_ context.Context, _ string, path string) error {
	if d.uploadErr != nil {
		return d.uploadErr
	}
	d.uploads = append(d.uploads, path)
	return nil
}

func (d *recordingDest) LinkResource(_ context.Context, _ string, resourceID string) error {
	if d.linkErr != nil {
		return d.linkErr
	}
	d.links = append(d.links, resourceID)
	return nil
}

func testRecord(elements ...labfolder.Element) Record {
	return Record{
		EntryID:        "e1",
		EntryTitle:     "Growth curves",
		EntryNumber:    1,
		TotalEntries:   1,
		EntryCreated:   "2021-03-01T10:00:00.000+01:00",
		LastEdited:     "2021-03-02",
		Tags:           []string{"cells", "week 1"},
		OwnerName:      "Alice Miller",
		ProjectID:      "p1",
		ProjectTitle:   "Project One",
		ProjectCreated: "2020-01-15",
		Elements:       elements,
	}
}

func TestRenderTextElement(t *testing.T) {
	source := &stubSource{texts: map[string]string{"t1": "2 < 3 & 4"}}
	dest := &recordingDest{}
	r := NewRenderer(source, dest, discardLogger())

	blocks, footer := r.RenderProject(context.Background(), "exp", []Record{
		testRecord(labfolder.Element{ID: "t1", Type: labfolder.KindText}),
	})
	require.Len(t, blocks, 1)
	require.Contains(t, blocks[0], "<pre>2 &lt; 3 &amp; 4</pre>")
	require.Contains(t, blocks[0], "----Entry 1 of 1----")
	require.Contains(t, blocks[0], "<strong>Tags:</strong> §cells §week 1<br>")
	require.Contains(t, blocks[0], "Created: 2021-03-01<br>")
	require.Contains(t, footer, "Labfolder project id: p1<br>")
	require.Contains(t, footer, "Author: Alice Miller<br>")
}

func TestRenderElementFailureIsIsolated(t *testing.T) {
	source := &stubSource{
		texts: map[string]string{"ok": "fine"},
		fail:  map[string]error{"bad": errors.New("boom")},
	}
	dest := &recordingDest{}
	r := NewRenderer(source, dest, discardLogger())

	blocks, _ := r.RenderProject(context.Background(), "exp", []Record{
		testRecord(
			labfolder.Element{ID: "bad", Type: labfolder.KindFile},
			labfolder.Element{ID: "ok", Type: labfolder.KindText},
		),
	})
	require.Len(t, blocks, 1)
	require.Contains(t, blocks[0], "<p>[Failed to attach FILE: bad]</p>")
	require.Contains(t, blocks[0], "<pre>fine</pre>")
	require.Empty(t, dest.uploads)
}

func TestRenderFileUploadsImmediately(t *testing.T) {
	source := &stubSource{files: map[string]string{"f1": "/tmp/scratch/report.pdf"}}
	dest := &recordingDest{}
	r := NewRenderer(source, dest, discardLogger())

	blocks, _ := r.RenderProject(context.Background(), "exp", []Record{
		testRecord(labfolder.Element{ID: "f1", Type: labfolder.KindFile}),
	})
	require.Equal(t, []string{"/tmp/scratch/report.pdf"}, dest.uploads)
	require.Contains(t, blocks[0], "<p>[Attached FILE: report.pdf]</p>")
}

func TestRenderUploadFailureBecomesPlaceholder(t *testing.T) {
	source := &stubSource{images: map[string]string{"i1": "/tmp/scratch/gel.png"}}
	dest := &recordingDest{uploadErr: errors.New("503")}
	r := NewRenderer(source, dest, discardLogger())

	blocks, _ := r.RenderProject(context.Background(), "exp", []Record{
		testRecord(labfolder.Element{ID: "i1", Type: labfolder.KindImage}),
	})
	require.Contains(t, blocks[0], "<p>[Failed to attach IMAGE: i1]</p>")
}

func TestRenderDataElement(t *testing.T) {
	source := &stubSource{data: map[string][]labfolder.DataElement{
		"d1": {
			{Title: "pH", Value: 7.4, Unit: ""},
			{Title: "Volume", Value: "250", Unit: "ml"},
		},
		"empty": {},
	}}
	dest := &recordingDest{}
	r := NewRenderer(source, dest, discardLogger())

	blocks, _ := r.RenderProject(context.Background(), "exp", []Record{
		testRecord(
			labfolder.Element{ID: "d1", Type: labfolder.KindData},
			labfolder.Element{ID: "empty", Type: labfolder.KindData},
		),
	})
	require.Contains(t, blocks[0], "<tr><td>pH</td><td>7.4</td><td></td></tr>")
	require.Contains(t, blocks[0], "<tr><td>Volume</td><td>250</td><td>ml</td></tr>")
	// an empty data element still renders the header row
	require.Contains(t, blocks[0], "<table><tr><th>Title</th><th>Value</th><th>Unit</th></tr></table>")
}

func TestRenderUnknownKindSkipsWithoutError(t *testing.T) {
	source := &stubSource{}
	dest := &recordingDest{}
	r := NewRenderer(source, dest, discardLogger())

	blocks, _ := r.RenderProject(context.Background(), "exp", []Record{
		testRecord(labfolder.Element{ID: "x1", Type: "HOLOGRAM"}),
	})
	require.Contains(t, blocks[0], "<p>[Skipped element: x1]</p>")
	require.NotContains(t, blocks[0], "Failed")
}

func TestRenderEntryWithoutElements(t *testing.T) {
	r := NewRenderer(&stubSource{}, &recordingDest{}, discardLogger())

	blocks, _ := r.RenderProject(context.Background(), "exp", []Record{testRecord()})
	require.Len(t, blocks, 1)
	// no element body, but the header and trailer still appear
	require.Contains(t, blocks[0], "----Entry 1 of 1----")
	require.Contains(t, blocks[0], "<hr><hr>")
}

func TestRenderTableDeterministicSheetOrder(t *testing.T) {
	doc := &labfolder.GridDocument{
		ID: "g1",
		Sheets: map[string]json.RawMessage{
			"zeta":  []byte(`{"rowCount":1,"columnCount":1,"data":{"dataTable":{"0":{"0":{"value":"z"}}}}}`),
			"alpha": []byte(`{"rowCount":1,"columnCount":1,"data":{"dataTable":{"0":{"0":{"value":"a"}}}}}`),
		},
	}
	source := &stubSource{grids: map[string]*labfolder.GridDocument{"g1": doc}}

	for i := 0; i < 3; i++ {
		dest := &recordingDest{}
		r := NewRenderer(source, dest, discardLogger())
		blocks, _ := r.RenderProject(context.Background(), "exp", []Record{
			testRecord(labfolder.Element{ID: "g1", Type: labfolder.KindTable}),
		})
		require.Len(t, dest.uploads, 2)
		alphaAt := strings.Index(blocks[0], "sheet 'alpha'")
		zetaAt := strings.Index(blocks[0], "sheet 'zeta'")
		require.Greater(t, zetaAt, alphaAt)
	}
}

func TestRenderProjectIsDeterministic(t *testing.T) {
	doc := &labfolder.GridDocument{
		ID: "g1",
		Sheets: map[string]json.RawMessage{
			"beta":  []byte(`{"rowCount":1,"columnCount":1,"data":{"dataTable":{"0":{"0":{"value":"b"}}}}}`),
			"alpha": []byte(`{"rowCount":1,"columnCount":1,"data":{"dataTable":{"0":{"0":{"value":"a"}}}}}`),
		},
	}
	source := &stubSource{
		texts: map[string]string{"t1": "stable"},
		grids: map[string]*labfolder.GridDocument{"g1": doc},
	}
	dest := &recordingDest{}
	r := NewRenderer(source, dest, discardLogger())

	records := []Record{testRecord(
		labfolder.Element{ID: "t1", Type: labfolder.KindText},
		labfolder.Element{ID: "g1", Type: labfolder.KindTable},
	)}

	firstBlocks, firstFooter := r.RenderProject(context.Background(), "exp", records)
	secondBlocks, secondFooter := r.RenderProject(context.Background(), "exp", records)
	require.Equal(t, firstBlocks, secondBlocks)
	require.Equal(t, firstFooter, secondFooter)
}

func TestRenderEmptyTable(t *testing.T) {
	source := &stubSource{grids: map[string]*labfolder.GridDocument{
		"g1": {ID: "g1"},
	}}
	dest := &recordingDest{}
	r := NewRenderer(source, dest, discardLogger())

	blocks, _ := r.RenderProject(context.Background(), "exp", []Record{
		testRecord(labfolder.Element{ID: "g1", Type: labfolder.KindTable}),
	})
	require.Contains(t, blocks[0], "<p>[Empty or invalid TABLE]</p>")
	require.Empty(t, dest.uploads)
}

func TestDateOnly(t *testing.T) {
	require.Equal(t, "2021-03-01", dateOnly("2021-03-01T10:00:00.000+01:00"))
	require.Equal(t, "2021-03-01", dateOnly("2021-03-01T10:00:00Z"))
	require.Equal(t, "2021-03-01", dateOnly("2021-03-01T99"))
	require.Equal(t, "not a date", dateOnly("not a date"))
}

func TestFormatTags(t *testing.T) {
	require.Equal(t, "§a §b c", formatTags([]string{"a", "b c"}))
	require.Equal(t, "", formatTags(nil))
}
