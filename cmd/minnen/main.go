// minnen converts a BeReal data-export archive (zip or extracted
// directory) into renamed, metadata-tagged photos, optionally combined
// into memory-style images.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/barasher/go-exiftool"
	"github.com/bradfitz/latlong"
	"github.com/fsnotify/fsnotify"
	"github.com/otiai10/copy"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	minnen "github.com/tstromberg/minnen/pkg/minnen"
)

var (
	inPath       = flag.String("in", "", "export archive (.zip) or extracted export directory")
	outPath      = flag.String("out", "", "output directory, or a .zip path")
	configPath   = flag.String("config", "", "YAML settings file (timezone override spans live here)")
	format       = flag.String("format", "jpg", "output image format: jpg or png")
	combined     = flag.Bool("combined", true, "create combined memory-style images")
	primaryLarge = flag.Bool("primary-large", true, "use the primary photo as the large base when combining")
	keepName     = flag.Bool("keep-name", false, "keep the original filename in renamed files")
	sinceDate    = flag.String("since", "", "only process posts on or after this date (YYYY-MM-DD)")
	endDate      = flag.String("end", "", "only process posts on or before this date (YYYY-MM-DD)")
	fallbackZone = flag.String("fallback-tz", "", "timezone used when none can be determined (e.g. Europe/Berlin)")
	watchFlag    = flag.Bool("watch", false, "watch the input for changes and reprocess")
	verifyFlag   = flag.Bool("verify", false, "read written files back with exiftool and log their metadata")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *inPath == "" {
		klog.Exitf("--in is a required flag")
	}
	if *outPath == "" {
		klog.Exitf("--out is a required flag")
	}

	s, err := settings()
	if err != nil {
		klog.Exitf("settings: %v", err)
	}

	if err := run(*inPath, *outPath, s); err != nil {
		klog.Exitf("process failed: %v", err)
	}

	if *watchFlag {
		if err := watch(*inPath, *outPath, s); err != nil {
			klog.Exitf("watch failed: %v", err)
		}
	}
}

// settings merges the optional YAML config with explicitly-set flags;
// flags win.
func settings() (minnen.Settings, error) {
	s := minnen.Settings{
		Format:           *format,
		CreateCombined:   *combined,
		PrimaryIsLarge:   *primaryLarge,
		KeepOriginalName: *keepName,
		SinceDate:        *sinceDate,
		EndDate:          *endDate,
		FallbackZone:     *fallbackZone,
	}

	if *configPath != "" {
		bs, err := os.ReadFile(*configPath)
		if err != nil {
			return s, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(bs, &s); err != nil {
			return s, fmt.Errorf("parse config: %w", err)
		}

		flag.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "format":
				s.Format = *format
			case "combined":
				s.CreateCombined = *combined
			case "primary-large":
				s.PrimaryIsLarge = *primaryLarge
			case "keep-name":
				s.KeepOriginalName = *keepName
			case "since":
				s.SinceDate = *sinceDate
			case "end":
				s.EndDate = *endDate
			case "fallback-tz":
				s.FallbackZone = *fallbackZone
			}
		})
	}

	s.LookupZone = lookupZone
	return s, nil
}

// lookupZone resolves coordinates offline via the bundled zone map.
func lookupZone(lat, lon float64) (string, error) {
	if z := latlong.LookupZoneName(lat, lon); z != "" {
		return z, nil
	}
	return "", fmt.Errorf("no timezone known for %.4f,%.4f", lat, lon)
}

func run(in, out string, s minnen.Settings) error {
	var res *minnen.Result
	var err error

	fi, serr := os.Stat(in)
	if serr != nil {
		return fmt.Errorf("stat input: %w", serr)
	}

	if fi.IsDir() {
		r, rerr := minnen.OpenDir(in)
		if rerr != nil {
			return rerr
		}
		res, err = minnen.ProcessArchive(r, s, renderProgress)
	} else {
		bs, rerr := os.ReadFile(in)
		if rerr != nil {
			return fmt.Errorf("read input: %w", rerr)
		}
		res, err = minnen.Process(bs, s, renderProgress)
	}
	if err != nil {
		return err
	}

	for _, w := range res.Warnings {
		klog.Warningf("warning: %s", w)
	}

	if err := write(res, out); err != nil {
		return err
	}
	printSummary(res)

	if *verifyFlag {
		if strings.HasSuffix(out, ".zip") {
			klog.Warningf("--verify needs a directory output; skipping")
			return nil
		}
		return verifyOutputs(out)
	}
	return nil
}

// write places results: a zip file directly, or a directory populated
// via a temp staging tree so a failed run never leaves partial output.
func write(res *minnen.Result, out string) error {
	if strings.HasSuffix(out, ".zip") {
		klog.Infof("writing %d photos to %s", res.ExportedCount, out)
		return os.WriteFile(out, res.Archive, 0o644)
	}

	stage, err := os.MkdirTemp("", "minnen-*")
	if err != nil {
		return fmt.Errorf("mkdtemp: %w", err)
	}
	defer os.RemoveAll(stage)

	for _, f := range res.Files {
		if err := os.WriteFile(filepath.Join(stage, f.Name), f.Data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", f.Name, err)
		}
	}

	if err := os.MkdirAll(out, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	klog.Infof("writing %d photos to %s", res.ExportedCount, out)
	return copy.Copy(stage, out)
}

// renderProgress draws a single-line terminal progress bar per stage.
func renderProgress(p minnen.Progress) {
	if p.Total <= 0 {
		return
	}

	barLen := 34
	filled := barLen * p.Current / p.Total
	var bar string
	switch {
	case filled <= 0:
		bar = strings.Repeat(".", barLen)
	case filled >= barLen:
		bar = strings.Repeat("=", barLen)
	default:
		bar = strings.Repeat("=", filled-1) + ">" + strings.Repeat(".", barLen-filled)
	}

	fmt.Printf("\r%-12s [%s] %d/%d (%3d%%)", p.Stage, bar, p.Current, p.Total, p.Percent)
	if p.Current >= p.Total {
		fmt.Println()
	}
}

func printSummary(res *minnen.Result) {
	fmt.Println("----------- Processing Summary -----------")
	fmt.Printf("%-28s%8d\n", "Files exported", res.ExportedCount)
	fmt.Printf("%-28s%8d\n", "Files processed", res.Stats.Processed)
	fmt.Printf("%-28s%8d\n", "Files converted", res.Stats.Converted)
	fmt.Printf("%-28s%8d\n", "Files combined", res.Stats.Combined)
	fmt.Printf("%-28s%8d\n", "Files skipped", res.Stats.Skipped)
	fmt.Printf("%-28s%8d\n", "Posts outside date filter", res.Stats.SkippedByDate)
	fmt.Printf("%-28s%8d\n", "Warnings", len(res.Warnings))
}

// verifyOutputs reads written files back through exiftool and logs the
// metadata they actually carry.
func verifyOutputs(dir string) error {
	et, err := exiftool.NewExiftool()
	if err != nil {
		return fmt.Errorf("exiftool failed: %w", err)
	}
	defer et.Close()

	des, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read dir: %w", err)
	}
	paths := []string{}
	for _, de := range des {
		if !de.IsDir() && strings.HasSuffix(de.Name(), ".jpg") {
			paths = append(paths, filepath.Join(dir, de.Name()))
		}
	}
	if len(paths) == 0 {
		klog.Warningf("nothing to verify in %s", dir)
		return nil
	}

	for _, fi := range et.ExtractMetadata(paths...) {
		if fi.Err != nil {
			klog.Errorf("extract fail for %q: %v", fi.File, fi.Err)
			continue
		}
		dt, _ := fi.GetString("DateTimeOriginal")
		off, _ := fi.GetString("OffsetTimeOriginal")
		caption, _ := fi.GetString("Caption-Abstract")
		klog.Infof("%s: taken %s (offset %s) caption %q", filepath.Base(fi.File), dt, off, caption)
	}
	return nil
}

// watch reprocesses the export whenever the input changes.
func watch(in, out string, s minnen.Settings) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	defer w.Close()

	target := in
	fi, err := os.Stat(in)
	if err == nil && !fi.IsDir() {
		target = filepath.Dir(in)
	}
	if err := w.Add(target); err != nil {
		return fmt.Errorf("watch %s: %w", target, err)
	}
	klog.Infof("watching %s ...", target)

	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !strings.HasPrefix(event.Name, in) && target != in {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				klog.Infof("change detected: %s", event)
				if err := run(in, out, s); err != nil {
					klog.Errorf("process failed: %v", err)
				}
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			klog.Errorf("watch error: %v", werr)
		}
	}
}
