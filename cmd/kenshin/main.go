// Command kenshin is the operator toolbox for inspecting and maintaining
// kenshin bundle files directly: fetching series, dumping headers, resizing
// a bundle's archive list, rebuilding a metric index from the bundles on
// disk, and searching an existing index by pattern. Grounded on rurouni's
// bin/kenshin-fetch.py, bin/kenshin-resize.py, bin/kenshin-rebuild-index.py
// and bin/kenshin-get-metrics.py tools.
package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/kenshin-tsdb/kenshin/internal/cache"
	"github.com/kenshin-tsdb/kenshin/pkg/schema"
	"github.com/kenshin-tsdb/kenshin/pkg/storage"
)

func main() {
	app := &cli.App{
		Name:  "kenshin",
		Usage: "inspect and maintain kenshin bundle files",
		Commands: []*cli.Command{
			fetchCommand,
			infoCommand,
			resizeCommand,
			rebuildIndexCommand,
			getMetricsCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var fetchCommand = &cli.Command{
	Name:      "fetch",
	Usage:     "print a time range from a bundle file",
	ArgsUsage: "<path>",
	Flags: []cli.Flag{
		&cli.Int64Flag{Name: "from", Usage: "begin timestamp (default: 24 hours ago)"},
		&cli.Int64Flag{Name: "until", Usage: "end timestamp (default: now)"},
		&cli.StringFlag{Name: "metric", Aliases: []string{"m"}, Usage: "restrict output to a single column"},
	},
}

var infoCommand = &cli.Command{
	Name:      "info",
	Usage:     "print a bundle file's header",
	ArgsUsage: "<path>",
}

var resizeCommand = &cli.Command{
	Name:      "resize",
	Usage:     "re-create a bundle with a new archive list, migrating existing data archive-by-archive (best-effort)",
	ArgsUsage: "<path>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "retentions", Aliases: []string{"r"}, Required: true, Usage: "comma-separated precision:retention pairs, e.g. 60s:7d,900s:60d"},
	},
}

var rebuildIndexCommand = &cli.Command{
	Name:      "rebuild-index",
	Usage:     "rebuild an instance's metric index from the bundle files on disk",
	ArgsUsage: "<data_dir> <index_file>",
}

var getMetricsCommand = &cli.Command{
	Name:  "get-metrics",
	Usage: "search an instance's index file for metrics matching a regular expression",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "dir", Aliases: []string{"d"}, Required: true, Usage: "directory containing .idx files"},
		&cli.StringFlag{Name: "reg-exp", Aliases: []string{"r"}, Required: true, Usage: "regular expression matched against metric names"},
	},
}

func init() {
	fetchCommand.Action = fetchAction
	infoCommand.Action = infoAction
	resizeCommand.Action = resizeAction
	rebuildIndexCommand.Action = rebuildIndexAction
	getMetricsCommand.Action = getMetricsAction
}

func fetchAction(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return cli.Exit("fetch: missing <path>", 1)
	}

	now := time.Now().Unix()
	from := c.Int64("from")
	if from == 0 {
		from = now - 24*60*60
	}
	until := c.Int64("until")
	if until == 0 {
		until = now
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	header, err := storage.ReadHeader(f)
	if err != nil {
		return err
	}

	result, err := storage.Fetch(f, header, from, until, now)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}

	colIdx := -1
	if metric := c.String("metric"); metric != "" {
		for i, tag := range header.Tags {
			if tag == metric {
				colIdx = i
				break
			}
		}
		if colIdx < 0 {
			return cli.Exit(fmt.Sprintf("fetch: metric %q not found in %s", metric, path), 1)
		}
	}

	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()

	ts := result.From
	for _, row := range result.Rows {
		if colIdx >= 0 {
			v := row[colIdx]
			if v == storage.NullValue {
				fmt.Fprintf(w, "%d\tNone\n", ts)
			} else {
				fmt.Fprintf(w, "%d\t%v\n", ts, v)
			}
		} else {
			fmt.Fprintf(w, "%d\t%v\n", ts, row)
		}
		ts += result.Step
	}

	return nil
}

func infoAction(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return cli.Exit("info: missing <path>", 1)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	header, err := storage.ReadHeader(f)
	if err != nil {
		return err
	}

	fmt.Printf("agg: %s\n", header.Agg())
	fmt.Printf("xff: %v\n", header.XFF)
	fmt.Printf("width: %d\n", header.Width())
	fmt.Printf("max_retention: %d\n", header.MaxRetention)
	fmt.Println("archives:")
	for i, a := range header.Archives {
		fmt.Printf("  [%d] sec_per_point=%d count=%d retention=%d\n", i, a.SecPerPoint, a.Count, a.Retention)
	}
	fmt.Println("tags:")
	for i, tag := range header.Tags {
		if tag == "" {
			continue
		}
		fmt.Printf("  [%d] %s\n", i, tag)
	}

	return nil
}

// resizeAction re-creates path with a new archive list and migrates
// existing data archive-by-archive: for each of the old bundle's archives,
// it fetches that archive's full retention window (fetch picks the archive
// whose own retention matches the requested span) and replays the non-null
// rows through Update against the new bundle, exactly as kenshin-resize.py
// does. Coverage is best-effort: Update writes every replayed row into the
// new bundle's finest archive (then propagates it) and drops rows older than
// that archive's retention, so older data does not reach the new file. The
// old file is kept alongside as a ".bak" backup.
func resizeAction(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return cli.Exit("resize: missing <path>", 1)
	}

	archives, err := schema.ParseRetentions(c.String("retentions"))
	if err != nil {
		return err
	}

	srcFile, err := os.Open(path)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	header, err := storage.ReadHeader(srcFile)
	if err != nil {
		return err
	}

	oldArchives := make([]schema.Archive, len(header.Archives))
	for i, a := range header.Archives {
		oldArchives[i] = schema.Archive{SecPerPoint: a.SecPerPoint, Count: a.Count}
	}
	if archivesEqual(oldArchives, archives) {
		fmt.Println("resize: no operation needed, retentions unchanged")
		return nil
	}

	now := time.Now().Unix()
	tmpPath := path + ".tmp"
	if _, err := os.Stat(tmpPath); err == nil {
		fmt.Printf("resize: removing previous temporary file %s\n", tmpPath)
		if err := os.Remove(tmpPath); err != nil {
			return err
		}
	}

	fmt.Printf("resize: creating new bundle %s\n", tmpPath)
	blankTags := make([]string, len(header.Tags))
	if err := storage.Create(tmpPath, blankTags, archives, header.XFF, header.Agg().String()); err != nil {
		return err
	}
	for i, tag := range header.Tags {
		if tag == "" {
			continue
		}
		if err := storage.AddTag(tmpPath, tag, i); err != nil {
			return err
		}
	}

	tmpFile, err := os.OpenFile(tmpPath, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer tmpFile.Close()

	newHeader, err := storage.ReadHeader(tmpFile)
	if err != nil {
		return err
	}

	fmt.Println("resize: migrating data to new bundle...")
	for _, a := range header.Archives {
		from := now - int64(a.Retention) + int64(a.SecPerPoint)
		result, err := storage.Fetch(srcFile, header, from, now, now)
		if err != nil {
			return err
		}
		if result == nil {
			continue
		}

		points := make([]storage.Point, 0, len(result.Rows))
		ts := result.From
		for _, row := range result.Rows {
			if !allNull(row) {
				points = append(points, storage.Point{TS: ts, Values: row})
			}
			ts += result.Step
		}
		if len(points) == 0 {
			continue
		}
		if err := storage.Update(tmpFile, newHeader, newHeader.Agg(), points, now); err != nil {
			return err
		}
	}

	backupPath := path + ".bak"
	fmt.Printf("resize: renaming old bundle to %s\n", backupPath)
	if err := os.Rename(path, backupPath); err != nil {
		return err
	}

	fmt.Printf("resize: renaming new bundle to %s\n", path)
	if err := os.Rename(tmpPath, path); err != nil {
		if rerr := os.Rename(backupPath, path); rerr != nil {
			return fmt.Errorf("resize: failed and could not restore backup: %w (restore error: %v)", err, rerr)
		}
		return fmt.Errorf("resize: operation failed, restored backup: %w", err)
	}

	fmt.Printf("resize: done (old bundle kept at %s)\n", backupPath)
	return nil
}

func allNull(row []float64) bool {
	for _, v := range row {
		if v != storage.NullValue {
			return false
		}
	}
	return true
}

func archivesEqual(a, b []schema.Archive) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// rebuildIndexAction walks data_dir/<schema>/*.hs, reads each bundle's
// header, and emits "<metric> <schema> <file_id> <pos>" lines to
// index_file -- the Go equivalent of kenshin-rebuild-index.py.
func rebuildIndexAction(c *cli.Context) error {
	if c.Args().Len() != 2 {
		return cli.Exit("rebuild-index: need <data_dir> and <index_file>", 1)
	}

	dataDir := c.Args().Get(0)
	indexFile := c.Args().Get(1)

	out, err := os.Create(indexFile)
	if err != nil {
		return err
	}
	defer out.Close()

	schemaDirs, err := os.ReadDir(dataDir)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(out)
	defer w.Flush()

	for _, schemaDir := range schemaDirs {
		if !schemaDir.IsDir() {
			continue
		}
		schemaName := schemaDir.Name()

		matches, err := filepath.Glob(filepath.Join(dataDir, schemaName, "*.hs"))
		if err != nil {
			return err
		}

		for _, fp := range matches {
			if err := rebuildIndexForBundle(w, fp, schemaName); err != nil {
				fmt.Fprintf(os.Stderr, "rebuild-index: skipping %s: %s\n", fp, err)
			}
		}
	}

	return nil
}

func rebuildIndexForBundle(w *bufio.Writer, path, schemaName string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	header, err := storage.ReadHeader(f)
	if err != nil {
		return err
	}

	fileID := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	for i, metric := range header.Tags {
		if metric == "" {
			continue
		}
		fmt.Fprintf(w, "%s %s %s %d\n", metric, schemaName, fileID, i)
	}

	return nil
}

// getMetricsAction scans every .idx file under dir and prints the index
// entries whose metric name matches regExp, mirroring
// kenshin-get-metrics.py's match_metrics.
func getMetricsAction(c *cli.Context) error {
	dir := c.String("dir")
	pattern := c.String("reg-exp")

	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.idx"))
	if err != nil {
		return err
	}
	sort.Strings(matches)

	for _, idxPath := range matches {
		bucket := strings.TrimSuffix(filepath.Base(idxPath), filepath.Ext(idxPath))

		entries, err := cache.ReplayIndex(idxPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "get-metrics: skipping %s: %s\n", idxPath, err)
			continue
		}

		for _, e := range entries {
			if re.MatchString(e.Metric) {
				fmt.Printf("%s %s %d %d %s\n", bucket, e.SchemaName, e.FileIdx, e.PosIdx, e.Metric)
			}
		}
	}

	return nil
}
