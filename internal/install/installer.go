package install

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/loykin/hostvisor/internal/metrics"
)

const (
	bundleBinariesDir = "binaries"
	bundleRuntimeDir  = "runtime"

	serverDir      = "server"
	runtimeDir     = "runtime"
	executableMeta = ".installed_platform"
	runtimeMeta    = ".installed_stamp"
	tempSuffix     = ".tmp"
)

// Marker is a file or non-empty directory, relative to the runtime root,
// whose presence proves a runtime tree was staged completely.
type Marker struct {
	Path string
	Dir  bool
}

// DefaultMarkers are the runtime markers the game server refuses to start without.
var DefaultMarkers = []Marker{
	{Path: "assets/decks", Dir: true},
	{Path: "client/dist/index.html"},
	{Path: "scenarios/classic/SPECIAL_CONDITIONS.json"},
}

// Config describes where the bundle lives and where it gets staged.
type Config struct {
	// Bundle is the read-only source: binaries/<tag>/<exe> and runtime/...
	Bundle afero.Fs
	// Target is the writable filesystem holding DataDir.
	Target         afero.Fs
	DataDir        string
	ExecutableName string
	PlatformTags   []string
	Markers        []Marker
	// Stamp identifies the host install; see HostStamp.
	Stamp string
}

// Paths are the on-disk locations a staged install provides.
type Paths struct {
	Executable    string
	RuntimeRoot   string
	AssetsRoot    string
	ClientDist    string
	ScenariosRoot string
	SpecialsFile  string
}

// Result reports what an Install call actually did.
type Result struct {
	PlatformTag      string
	ExecutableStaged bool
	RuntimeStaged    bool
}

// Installer stages the server executable and its runtime data tree.
// Calls are serialized; repeated calls with an unchanged stamp write nothing.
type Installer struct {
	mu  sync.Mutex
	cfg Config
}

// NewOSBundle returns a read-only afero.Fs rooted at dir.
func NewOSBundle(dir string) afero.Fs {
	return afero.NewReadOnlyFs(afero.NewBasePathFs(afero.NewOsFs(), dir))
}

func New(cfg Config) *Installer {
	if cfg.Target == nil {
		cfg.Target = afero.NewOsFs()
	}
	if cfg.Bundle == nil {
		cfg.Bundle = afero.NewMemMapFs()
	}
	if cfg.ExecutableName == "" {
		cfg.ExecutableName = DefaultExecutableName()
	}
	if len(cfg.PlatformTags) == 0 {
		cfg.PlatformTags = DefaultPlatformTags()
	}
	if len(cfg.Markers) == 0 {
		cfg.Markers = DefaultMarkers
	}
	if cfg.Stamp == "" {
		cfg.Stamp = CurrentHostStamp("")
	}
	return &Installer{cfg: cfg}
}

// Paths returns the staged locations under DataDir.
func (i *Installer) Paths() Paths {
	rt := filepath.Join(i.cfg.DataDir, runtimeDir)
	scen := filepath.Join(rt, "scenarios")
	return Paths{
		Executable:    filepath.Join(i.cfg.DataDir, serverDir, i.cfg.ExecutableName),
		RuntimeRoot:   rt,
		AssetsRoot:    filepath.Join(rt, "assets"),
		ClientDist:    filepath.Join(rt, "client", "dist"),
		ScenariosRoot: scen,
		SpecialsFile:  filepath.Join(scen, "classic", "SPECIAL_CONDITIONS.json"),
	}
}

// ExecutableAvailable reports whether the staged executable exists right now.
func (i *Installer) ExecutableAvailable() bool {
	ok, _ := afero.Exists(i.cfg.Target, i.Paths().Executable)
	return ok
}

// EnsureInstalled stages whatever is missing or stale and reports success.
// Failures are logged through logf and never escape as errors or panics.
func (i *Installer) EnsureInstalled(ctx context.Context, logf func(string)) (ok bool) {
	if logf == nil {
		logf = func(string) {}
	}
	defer func() {
		if r := recover(); r != nil {
			logf(fmt.Sprintf("install failed: %v", r))
			ok = false
		}
	}()
	res, err := i.Install(ctx)
	if err != nil {
		logf("install failed: " + err.Error())
		return false
	}
	if res.ExecutableStaged {
		logf("server executable installed for platform " + res.PlatformTag)
	}
	if res.RuntimeStaged {
		logf("runtime data installed: " + i.Paths().RuntimeRoot)
	}
	return true
}

// Install performs the staging steps and returns a *StagingError on failure.
func (i *Installer) Install(ctx context.Context) (Result, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	started := time.Now()
	defer func() { metrics.ObserveInstallDuration(time.Since(started).Seconds()) }()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	tag, err := i.selectPlatform()
	if err != nil {
		return Result{}, err
	}
	res := Result{PlatformTag: tag}
	expected := Record{PlatformTag: tag, Stamp: i.cfg.Stamp}
	if res.ExecutableStaged, err = i.stageExecutable(expected); err != nil {
		return res, err
	}
	if res.RuntimeStaged, err = i.stageRuntime(ctx, expected); err != nil {
		return res, err
	}
	return res, nil
}

func (i *Installer) selectPlatform() (string, error) {
	for _, tag := range i.cfg.PlatformTags {
		src := filepath.Join(bundleBinariesDir, tag, i.cfg.ExecutableName)
		if fi, err := i.cfg.Bundle.Stat(src); err == nil && !fi.IsDir() {
			return tag, nil
		}
	}
	return "", &StagingError{
		Step: "platform",
		Err:  fmt.Errorf("%w (tried %s)", ErrUnsupportedPlatform, strings.Join(i.cfg.PlatformTags, ", ")),
	}
}

func (i *Installer) stageExecutable(expected Record) (bool, error) {
	fs := i.cfg.Target
	target := i.Paths().Executable
	dir := filepath.Dir(target)
	meta := filepath.Join(dir, executableMeta)
	if isExecutable(fs, target) && recordMatches(fs, meta, expected) {
		return false, nil
	}
	fail := func(err error) (bool, error) {
		return false, &StagingError{Step: "executable", Path: target, Err: err}
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fail(err)
	}
	src := filepath.Join(bundleBinariesDir, expected.PlatformTag, i.cfg.ExecutableName)
	tmp := target + tempSuffix
	if err := copyFile(i.cfg.Bundle, src, fs, tmp, 0o644); err != nil {
		_ = fs.Remove(tmp)
		return fail(err)
	}
	if err := fs.Rename(tmp, target); err != nil {
		_ = fs.Remove(tmp)
		return fail(err)
	}
	if err := fs.Chmod(target, 0o755); err != nil {
		return fail(err)
	}
	if err := afero.WriteFile(fs, meta, []byte(expected.String()+"\n"), 0o644); err != nil {
		return fail(err)
	}
	return true, nil
}

func (i *Installer) stageRuntime(ctx context.Context, expected Record) (bool, error) {
	for _, m := range i.cfg.Markers {
		if !markerPresent(i.cfg.Bundle, bundleRuntimeDir, m) {
			return false, &StagingError{
				Step: "runtime",
				Path: filepath.Join(bundleRuntimeDir, m.Path),
				Err:  ErrMarkersMissing,
			}
		}
	}
	fs := i.cfg.Target
	dest := i.Paths().RuntimeRoot
	meta := filepath.Join(dest, runtimeMeta)
	if i.markersPresent(fs, dest) && recordMatches(fs, meta, expected) {
		return false, nil
	}
	fail := func(err error) (bool, error) {
		return false, &StagingError{Step: "runtime", Path: dest, Err: err}
	}
	if ok, _ := afero.Exists(fs, dest); ok {
		if err := fs.RemoveAll(dest); err != nil {
			return fail(err)
		}
	}
	if err := fs.MkdirAll(dest, 0o755); err != nil {
		return fail(err)
	}
	if err := copyTree(ctx, i.cfg.Bundle, bundleRuntimeDir, fs, dest); err != nil {
		return fail(err)
	}
	for _, m := range i.cfg.Markers {
		if !markerPresent(fs, dest, m) {
			return fail(fmt.Errorf("%w: %s", ErrVerifyFailed, m.Path))
		}
	}
	if err := afero.WriteFile(fs, meta, []byte(expected.String()+"\n"), 0o644); err != nil {
		return fail(err)
	}
	return true, nil
}

func (i *Installer) markersPresent(fs afero.Fs, root string) bool {
	for _, m := range i.cfg.Markers {
		if !markerPresent(fs, root, m) {
			return false
		}
	}
	return true
}

func markerPresent(fs afero.Fs, root string, m Marker) bool {
	p := filepath.Join(root, filepath.FromSlash(m.Path))
	fi, err := fs.Stat(p)
	if err != nil {
		return false
	}
	if !m.Dir {
		return !fi.IsDir()
	}
	if !fi.IsDir() {
		return false
	}
	empty, err := afero.IsEmpty(fs, p)
	return err == nil && !empty
}

func recordMatches(fs afero.Fs, path string, expected Record) bool {
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return false
	}
	got, ok := ParseRecord(string(b))
	return ok && got == expected
}

func isExecutable(fs afero.Fs, path string) bool {
	fi, err := fs.Stat(path)
	if err != nil || fi.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return fi.Mode().Perm()&0o111 != 0
}

func copyFile(srcFs afero.Fs, src string, dstFs afero.Fs, dst string, perm os.FileMode) error {
	in, err := srcFs.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := dstFs.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func copyTree(ctx context.Context, srcFs afero.Fs, srcRoot string, dstFs afero.Fs, dstRoot string) error {
	return afero.Walk(srcFs, srcRoot, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(srcRoot, p)
		if err != nil {
			return err
		}
		dst := filepath.Join(dstRoot, rel)
		if info.IsDir() {
			return dstFs.MkdirAll(dst, 0o755)
		}
		if !info.Mode().IsRegular() {
			return errors.New("unsupported file type in bundle: " + p)
		}
		return copyFile(srcFs, p, dstFs, dst, info.Mode().Perm()|0o600)
	})
}
