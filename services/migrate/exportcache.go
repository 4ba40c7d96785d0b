package migrate

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"labmigrate/lib/labfolder"

	"github.com/PuerkitoBio/goquery"
)

// ExportCache manages the on-disk cache of XHTML bulk-export bundles, keyed
// by export id: `labfolder_xhtml_<id>.zip` next to its extracted
// `labfolder_xhtml_<id>/` tree.
type ExportCache struct {
	dir string
	log *slog.Logger
}

func NewExportCache(dir string, log *slog.Logger) *ExportCache {
	if log == nil {
		log = slog.Default()
	}
	return &ExportCache{dir: dir, log: log}
}

var exportDirPrefixes = []string{"labfolder_xhtml_", "xhtml_"}

// LocalRoot returns an extracted export tree without touching the network:
// the newest extracted directory, or the newest valid cached zip after
// extracting it. An invalid cached zip is discarded.
func (c *ExportCache) LocalRoot() (string, bool) {
	err := os.MkdirAll(c.dir, 0o755)
	if err != nil {
		c.log.Warn("cannot create export cache dir", "dir", c.dir, "err", err)
		return "", false
	}

	if dir, ok := c.newestEntry(false); ok {
		c.log.Info("reusing local export bundle", "path", dir)
		return dir, true
	}

	zipPath, ok := c.newestEntry(true)
	if !ok {
		return "", false
	}
	if !labfolder.IsZip(zipPath) {
		c.log.Warn("cached export is not a valid zip, removing", "path", zipPath)
		os.Remove(zipPath)
		return "", false
	}

	outDir := strings.TrimSuffix(zipPath, ".zip")
	if _, err := os.Stat(outDir); os.IsNotExist(err) {
		err = extractZip(zipPath, outDir)
		if err != nil {
			c.log.Warn("failed to extract cached export", "path", zipPath, "err", err)
			return "", false
		}
		c.log.Info("extracted cached export zip", "path", outDir)
	}
	return outDir, true
}

func (c *ExportCache) newestEntry(wantZip bool) (string, bool) {
	type candidate struct {
		path    string
		modTime time.Time
	}
	var candidates []candidate

	items, err := os.ReadDir(c.dir)
	if err != nil {
		return "", false
	}
	for _, item := range items {
		name := item.Name()
		matched := false
		for _, prefix := range exportDirPrefixes {
			if strings.HasPrefix(name, prefix) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		if wantZip != (strings.HasSuffix(name, ".zip") && !item.IsDir()) {
			continue
		}
		if !wantZip && !item.IsDir() {
			continue
		}
		info, err := item.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{
			path:    filepath.Join(c.dir, name),
			modTime: info.ModTime(),
		})
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].modTime.After(candidates[j].modTime)
	})
	return candidates[0].path, true
}

// EnsureRoot resolves an export tree for this run. When fetchAllowed is
// false only local caches are consulted, so the run never blocks on a
// server-side export it does not strictly need.
func (c *ExportCache) EnsureRoot(ctx context.Context, exporter Exporter, fetchAllowed bool, interval, timeout time.Duration) (string, bool) {
	if root, ok := c.LocalRoot(); ok {
		return root, true
	}
	if !fetchAllowed {
		c.log.Info("no local export cache found, skipping export attachments")
		return "", false
	}
	if exporter == nil {
		c.log.Warn("export cache requested but no exporter is configured")
		return "", false
	}

	// reuse the newest finished export on the server before creating one
	finished, err := exporter.ListXHTMLExports(ctx, "FINISHED")
	if err != nil {
		c.log.Warn("could not list finished exports", "err", err)
	}
	if len(finished) > 0 {
		sort.SliceStable(finished, func(i, j int) bool {
			return finished[i].CreationDate > finished[j].CreationDate
		})
		if root, ok := c.fetch(ctx, exporter, finished[0].ID); ok {
			return root, true
		}
	}

	c.log.Info("creating account export (one-time)")
	exportID, err := exporter.CreateXHTMLExport(ctx)
	if err != nil {
		c.log.Warn("failed to create export", "err", err)
		return "", false
	}
	err = exporter.WaitForXHTMLExport(ctx, exportID, interval, timeout)
	if err != nil {
		c.log.Warn("export did not finish, skipping export attachments", "export_id", exportID, "err", err)
		return "", false
	}
	return c.fetch(ctx, exporter, exportID)
}

func (c *ExportCache) fetch(ctx context.Context, exporter Exporter, exportID string) (string, bool) {
	zipPath := filepath.Join(c.dir, "labfolder_xhtml_"+exportID+".zip")
	if _, err := os.Stat(zipPath); os.IsNotExist(err) {
		c.log.Info("downloading export bundle", "export_id", exportID, "path", zipPath)
		err := exporter.DownloadXHTMLExport(ctx, exportID, zipPath)
		if err != nil {
			c.log.Warn("failed to download export", "export_id", exportID, "err", err)
			return "", false
		}
	}
	if !labfolder.IsZip(zipPath) {
		c.log.Warn("downloaded export is not a valid zip, removing", "path", zipPath)
		os.Remove(zipPath)
		return "", false
	}

	outDir := strings.TrimSuffix(zipPath, ".zip")
	if _, err := os.Stat(outDir); os.IsNotExist(err) {
		err := extractZip(zipPath, outDir)
		if err != nil {
			c.log.Warn("failed to extract export", "path", zipPath, "err", err)
			return "", false
		}
	}
	return outDir, true
}

// projectsRoots yields every `projects/` directory below the export root;
// bundles nest them at varying depths.
func projectsRoots(root string) []string {
	var roots []string
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() && d.Name() == "projects" {
			roots = append(roots, path)
			return filepath.SkipDir
		}
		return nil
	})
	return roots
}

func matchesProjectID(folderName, projectID string) bool {
	return folderName == projectID ||
		strings.HasPrefix(folderName, projectID+"_") ||
		strings.HasSuffix(folderName, "_"+projectID) ||
		strings.Contains(folderName, "_"+projectID+"_")
}

// ContainsProject reports whether the export tree holds a rendered folder
// for the given source project id.
func (c *ExportCache) ContainsProject(root, projectID string) bool {
	_, ok := c.ProjectFolder(root, projectID)
	return ok
}

// ProjectFolder locates the rendered folder for a project: a leaf folder
// holding an index.html whose name carries the project id. The newest match
// wins when an export contains several.
func (c *ExportCache) ProjectFolder(root, projectID string) (string, bool) {
	if root == "" || projectID == "" {
		return "", false
	}

	type candidate struct {
		path    string
		modTime time.Time
	}
	var candidates []candidate
	for _, projects := range projectsRoots(root) {
		filepath.WalkDir(projects, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || d.Name() != "index.html" {
				return nil
			}
			folder := filepath.Dir(path)
			if !matchesProjectID(filepath.Base(folder), projectID) {
				return nil
			}
			info, err := os.Stat(folder)
			if err != nil {
				return nil
			}
			candidates = append(candidates, candidate{path: folder, modTime: info.ModTime()})
			return nil
		})
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].modTime.After(candidates[j].modTime)
	})
	return candidates[0].path, true
}

// indexTitle reads the rendered project title out of a folder's index.html,
// for log lines identifying what is being attached.
func indexTitle(folder string) string {
	f, err := os.Open(filepath.Join(folder, "index.html"))
	if err != nil {
		return ""
	}
	defer f.Close()

	doc, err := goquery.NewDocumentFromReader(f)
	if err != nil {
		return ""
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	return title
}

func extractZip(zipPath, outDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return err
	}
	defer r.Close()

	err = os.MkdirAll(outDir, 0o755)
	if err != nil {
		return err
	}

	for _, file := range r.File {
		dest := filepath.Join(outDir, file.Name)
		// reject entries escaping the output dir
		if !strings.HasPrefix(dest, filepath.Clean(outDir)+string(os.PathSeparator)) {
			return fmt.Errorf("zip entry escapes output dir: %s", file.Name)
		}
		if file.FileInfo().IsDir() {
			err = os.MkdirAll(dest, 0o755)
			if err != nil {
				return err
			}
			continue
		}
		err = os.MkdirAll(filepath.Dir(dest), 0o755)
		if err != nil {
			return err
		}
		src, err := file.Open()
		if err != nil {
			return err
		}
		out, err := os.Create(dest)
		if err != nil {
			src.Close()
			return err
		}
		_, err = io.Copy(out, src)
		src.Close()
		out.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
