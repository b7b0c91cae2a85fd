package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/apex/log"
	"github.com/cheggaaa/pb/v3"
	"github.com/connesc/ndecrypt"
	"github.com/fatih/color"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

var (
	keyFlags   pflag.FlagSet
	cryptFlags pflag.FlagSet
)

func init() {
	keyFlags.BoolP("aes-keys", "a", false, "read keys from aes_keys.txt instead of keys.bin")
	keyFlags.BoolP("development", "d", false, "use development keys, if available")
	keyFlags.StringP("keyfile", "k", "", "path to keys.bin or aes_keys.txt")
	keyFlags.StringP("seeddb", "s", "", "path to seeddb.bin (default: next to the keyfile)")

	cryptFlags.BoolP("force", "f", false, "force operation by avoiding sanity checks")
	cryptFlags.BoolP("hash", "H", false, "output size and hashes to a companion file")
	cryptFlags.IntP("jobs", "j", runtime.NumCPU(), "number of files processed concurrently")
	cryptFlags.BoolP("progress", "p", false, "display a progress bar when stderr is a terminal")

	for _, flags := range []*pflag.FlagSet{&keyFlags, &cryptFlags} {
		flags.VisitAll(func(flag *pflag.Flag) {
			viper.BindPFlag(flag.Name, flag)
		})
	}
}

// loadConfig loads the keys and seeds. Missing keys are only logged: every crypto
// operation fails afterwards.
func loadConfig(fs afero.Fs) ndecrypt.Config {
	format := ndecrypt.KeysBin
	if viper.GetBool("aes-keys") {
		format = ndecrypt.AESKeysTxt
	}

	development := viper.GetBool("development")
	if development && format == ndecrypt.AESKeysTxt {
		log.Warn("aes_keys.txt does not contain development keys, disabling development mode")
		development = false
	}

	keyfile := findKeyfile(fs, viper.GetString("keyfile"), format)
	keys, err := ndecrypt.LoadKeyMaterial(fs, keyfile, format)
	if err != nil {
		log.WithError(err).Warn("keys could not be loaded")
	} else {
		log.WithFields(log.Fields{"keyfile": keyfile, "format": format}).Debug("keys loaded")
	}

	return ndecrypt.Config{
		Fs:          fs,
		Keys:        keys,
		Seeds:       loadSeeds(fs, keyfile),
		Development: development,
		Log:         log.Log,
	}
}

// findKeyfile returns the given path, or looks for the default keyfile next to the
// executable, then in the working directory.
func findKeyfile(fs afero.Fs, path string, format ndecrypt.KeyFormat) string {
	if path != "" {
		return path
	}

	var dirs []string
	if executable, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(executable))
	}
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, wd)
	}

	for _, dir := range dirs {
		candidate := filepath.Join(dir, format.String())
		if _, err := fs.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

func loadSeeds(fs afero.Fs, keyfile string) *ndecrypt.SeedDB {
	path := viper.GetString("seeddb")
	if path == "" {
		if keyfile == "" {
			return nil
		}
		path = filepath.Join(filepath.Dir(keyfile), "seeddb.bin")
		if _, err := fs.Stat(path); err != nil {
			return nil
		}
	}

	seeds, err := ndecrypt.LoadSeedDB(fs, path)
	if err != nil {
		log.WithError(err).Warn("seeds could not be loaded")
		return nil
	}
	log.WithFields(log.Fields{"seeddb": path, "count": seeds.Len()}).Debug("seeds loaded")
	return seeds
}

// fileSet keeps the first path given for each file. Workers rewrite files in place, so a
// file must never be handed to two of them.
type fileSet struct {
	files []string
	seen  map[string]bool
	infos []os.FileInfo
}

func (s *fileSet) add(path string, info os.FileInfo) {
	key := filepath.Clean(path)
	if abs, err := filepath.Abs(key); err == nil {
		key = abs
	}
	if s.seen[key] {
		return
	}
	// other names of the same file, such as symbolic links
	for _, other := range s.infos {
		if os.SameFile(info, other) {
			return
		}
	}

	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	s.seen[key] = true
	s.infos = append(s.infos, info)
	s.files = append(s.files, path)
}

// collectFiles expands directories into the files they contain, recursively. Only files
// of a known kind are taken from directories. Each file is listed once, whatever the
// number of paths leading to it.
func collectFiles(fs afero.Fs, paths []string, out *printer) []string {
	var set fileSet
	for _, path := range paths {
		info, err := fs.Stat(path)
		if err != nil {
			out.fail(path, fmt.Errorf("not a file or folder: %w", err))
			continue
		}
		if !info.IsDir() {
			set.add(path, info)
			continue
		}

		err = afero.Walk(fs, path, func(name string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.Mode().IsRegular() && ndecrypt.Classify(name) != ndecrypt.KindUnknown {
				set.add(name, info)
			}
			return nil
		})
		if err != nil {
			out.fail(path, err)
		}
	}
	return set.files
}

// runCrypt applies op to every file, using a bounded pool of workers. Files do not share
// any mutable state.
func runCrypt(cmd *cobra.Command, args []string, op ndecrypt.Operation) error {
	fs := afero.NewOsFs()
	out := &printer{w: cmd.OutOrStdout()}

	config := loadConfig(fs)
	force := viper.GetBool("force")
	writeHash := viper.GetBool("hash")

	files := collectFiles(fs, args, out)

	var bar *pb.ProgressBar
	if viper.GetBool("progress") && term.IsTerminal(int(os.Stderr.Fd())) {
		bar = pb.New(len(files)).SetWriter(os.Stderr).Start()
	}

	jobs := viper.GetInt("jobs")
	if jobs < 1 {
		jobs = 1
	}

	var failed int64
	var group errgroup.Group
	group.SetLimit(jobs)

	for _, path := range files {
		path := path
		group.Go(func() error {
			if !processFile(cmd.Context(), config, path, op, force, writeHash, out) {
				atomic.AddInt64(&failed, 1)
			}
			if bar != nil {
				bar.Increment()
			}
			return nil
		})
	}
	group.Wait()

	if bar != nil {
		bar.Finish()
	}

	if failed > 0 {
		return fmt.Errorf("%s failed for %d of %d files", op, failed, len(files))
	}
	return nil
}

func processFile(ctx context.Context, config ndecrypt.Config, path string, op ndecrypt.Operation, force, writeHash bool, out *printer) bool {
	kind := ndecrypt.Classify(path)
	tool, err := ndecrypt.NewTool(kind, config)
	if err != nil {
		out.fail(path, err)
		return false
	}

	report, err := tool.ProcessFile(ctx, path, op, force)

	// the hash describes the file as left on disk, whatever the outcome
	if writeHash {
		if _, err := ndecrypt.WriteHashFile(config.Fs, path); err != nil {
			log.WithError(err).WithField("file", path).Warn("hash file not written")
		}
	}

	if err != nil {
		out.fail(path, err)
		return false
	}
	if !report.Success() {
		out.fail(path, reportError(report))
		return false
	}

	out.ok(path, report)
	return true
}

func reportError(report *ndecrypt.Report) error {
	var errs []error
	for _, p := range report.Partitions {
		if p.Err != nil {
			errs = append(errs, fmt.Errorf("partition %d: %w", p.Index, p.Err))
		} else if p.State != ndecrypt.StateTransformed && p.State != ndecrypt.StateAlreadyTarget {
			errs = append(errs, fmt.Errorf("partition %d: %s", p.Index, p.State))
		}
	}
	return errors.Join(errs...)
}

// printer writes one line per file. It is safe for concurrent use.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

var (
	okColor   = color.New(color.FgGreen).SprintFunc()
	skipColor = color.New(color.FgYellow).SprintFunc()
	failColor = color.New(color.FgRed).SprintFunc()
)

func (p *printer) ok(path string, report *ndecrypt.Report) {
	status := okColor(report.Operation.String() + "ed")
	if report.Skipped() {
		status = skipColor("already " + report.Operation.String() + "ed")
	}

	transformed := 0
	for _, partition := range report.Partitions {
		if partition.State == ndecrypt.StateTransformed {
			transformed++
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s: %s (%d of %d partitions rewritten)\n", path, status, transformed, len(report.Partitions))
}

func (p *printer) fail(path string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s: %s: %v\n", path, failColor("failed"), err)
}
