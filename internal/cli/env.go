package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"patchpilot/internal/config"
	"patchpilot/internal/download"
	"patchpilot/internal/features"
	"patchpilot/internal/fingerprint"
	"patchpilot/internal/logx"
	"patchpilot/internal/manifest"
	"patchpilot/internal/patch"
	"patchpilot/internal/paths"
	"patchpilot/internal/tools"
	"patchpilot/internal/updater"
)

// toolRunner executes the delta and archive tools; tests swap it.
var toolRunner tools.Runner = tools.CmdRunner{}

// appEnv bundles what every command resolves before doing work.
type appEnv struct {
	paths  paths.AppPaths
	cfg    config.Config
	root   string
	logger *log.Logger
	closer io.Closer
	client *http.Client
}

type envOptions struct {
	needRoot     bool
	needManifest bool
}

func loadEnv(command string, opts envOptions) (*appEnv, error) {
	pp, err := paths.Resolve(homeDir)
	if err != nil {
		return nil, err
	}
	if configFile != "" {
		pp.ConfigFile = configFile
	}
	cfg, err := config.Load(pp.ConfigFile)
	if err != nil {
		return nil, err
	}
	if installRoot != "" {
		cfg.InstallRoot = installRoot
	}
	pp = paths.ApplyConfig(pp, cfg)

	if err := checkConfig(cfg, opts); err != nil {
		return nil, err
	}
	if opts.needRoot && strings.TrimSpace(cfg.InstallRoot) == "" {
		return nil, errors.New("no installation root: pass --root or set install_root in patchpilot.yaml")
	}

	if err := pp.EnsureDirs(); err != nil {
		return nil, err
	}
	logOpts := logx.Options{Command: command}
	if verbose {
		logOpts.Echo = os.Stderr
	}
	logger, closer, err := logx.New(pp, logOpts)
	if err != nil {
		return nil, err
	}
	logger.Printf("%s: home %s, config %s", command, pp.Home, pp.ConfigFile)

	return &appEnv{
		paths:  pp,
		cfg:    cfg,
		root:   cfg.InstallRoot,
		logger: logger,
		closer: closer,
		client: defaultHTTPClient(cfg),
	}, nil
}

// checkConfig fails on validation errors that matter to the command.
// manifest_url problems only count when the command talks to the server.
func checkConfig(cfg config.Config, opts envOptions) error {
	var msgs []string
	for _, r := range cfg.Validate() {
		if r.Level != "error" {
			continue
		}
		if !opts.needManifest && strings.HasPrefix(r.Message, "manifest_url") {
			continue
		}
		msgs = append(msgs, r.Message)
	}
	if len(msgs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
	}
	return nil
}

func (e *appEnv) Close() {
	if e.closer != nil {
		e.closer.Close()
	}
}

// defaultHTTPClient bounds connection setup and response headers but not the
// body, so multi-gigabyte transfers are not cut off.
func defaultHTTPClient(cfg config.Config) *http.Client {
	timeout := cfg.Timeout()
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext
	transport.TLSHandshakeTimeout = timeout
	transport.ResponseHeaderTimeout = timeout
	return &http.Client{Transport: transport}
}

func (e *appEnv) layout() fingerprint.Layout {
	return fingerprint.Layout{Executable: e.cfg.Layout.Executable, DataDir: e.cfg.Layout.DataDir}
}

// baseline is the bundled store extended with configured probes.
func (e *appEnv) baseline() (fingerprint.Store, error) {
	base, err := fingerprint.Baseline()
	if err != nil {
		return fingerprint.Store{}, err
	}
	if len(e.cfg.Layout.Probes) == 0 {
		return base, nil
	}
	return fingerprint.Merge(base, fingerprint.NewStore(e.cfg.Layout.Probes, nil)), nil
}

func (e *appEnv) learned() (*fingerprint.LearnedCache, error) {
	return fingerprint.LoadLearned(e.paths.LearnedCacheFile)
}

// store merges the baseline with the learned cache, learned entries winning.
func (e *appEnv) store() (fingerprint.Store, *fingerprint.LearnedCache, error) {
	base, err := e.baseline()
	if err != nil {
		return fingerprint.Store{}, nil, err
	}
	learned, err := e.learned()
	if err != nil {
		return fingerprint.Store{}, nil, err
	}
	return fingerprint.Merge(base, learned.Store()), learned, nil
}

func (e *appEnv) retryPolicy() download.RetryPolicy {
	r := e.cfg.Downloads.Retries
	return download.RetryPolicy{
		MaxAttempts:    r.MaxAttempts,
		InitialBackoff: time.Duration(r.InitialBackoffMS) * time.Millisecond,
		MaxBackoff:     time.Duration(r.MaxBackoffMS) * time.Millisecond,
	}
}

func (e *appEnv) notifyRetry(what string) func(error, time.Duration) {
	return func(err error, wait time.Duration) {
		e.logger.Printf("%s: %v; retrying in %s", what, err, wait)
	}
}

func (e *appEnv) fetchManifest(ctx context.Context) (manifest.Manifest, error) {
	url := e.cfg.ManifestURL
	m, err := download.Do(ctx, e.retryPolicy(), func() (manifest.Manifest, error) {
		return manifest.Fetch(ctx, e.client, url)
	}, e.notifyRetry("fetch manifest"))
	if err != nil {
		return manifest.Manifest{}, err
	}
	e.logger.Printf("manifest: latest %s, %d patches", m.Latest, len(m.Patches))
	return m, nil
}

func (e *appEnv) fetchDocument(ctx context.Context, url string) ([]byte, error) {
	return manifest.GetDocument(ctx, e.client, url)
}

func (e *appEnv) downloader() *download.Downloader {
	return download.New(download.Options{
		Client:    e.client,
		ChunkSize: e.cfg.ChunkSize(),
		Retry:     e.retryPolicy(),
		Logger:    e.logger,
	})
}

func (e *appEnv) engine(progress func(patch.Event)) *patch.Engine {
	delta := tools.DeltaTool{
		Path:      e.cfg.Tools.Delta.Path,
		ApplyArgs: e.cfg.Tools.Delta.ApplyArgs,
		MergeArgs: e.cfg.Tools.Delta.MergeArgs,
		Runner:    toolRunner,
	}
	archive := tools.ArchiveTool{Path: e.cfg.Tools.Archive.Path, Runner: toolRunner}
	eng := patch.New(patch.Config{
		SearchDirs:              e.cfg.Patching.SearchDirs,
		ApplySideArchive:        e.cfg.ApplySideArchive(),
		SideArchiveFailureFatal: e.cfg.SideArchiveFailureFatal(),
		SidePassword:            e.cfg.Tools.Archive.Password,
	}, archive, delta)
	eng.Logger = e.logger
	eng.Progress = progress
	return eng
}

func (e *appEnv) preserver(catalog []manifest.Feature) features.Preserver {
	ids := make([]string, 0, len(catalog))
	for _, f := range catalog {
		ids = append(ids, f.ID)
	}
	return features.Preserver{Catalog: ids, Logger: e.logger}
}

func (e *appEnv) reporter() updater.ReportFunc {
	if !e.cfg.ReportingEnabled() {
		return nil
	}
	return func(url, version string, hashes map[string]string) {
		fingerprint.Reporter{
			URL:     url,
			Client:  e.client,
			Timeout: e.cfg.ReportTimeout(),
			Logger:  e.logger,
		}.Report(version, hashes)
	}
}

func (e *appEnv) toolRefs() map[string]string {
	return map[string]string{
		"delta":   e.cfg.Tools.Delta.Path,
		"archive": e.cfg.Tools.Archive.Path,
	}
}
