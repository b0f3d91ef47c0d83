package cellar

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// ResourceFetcher obtains verified artifacts. *Fetcher is the production
// implementation.
type ResourceFetcher interface {
	FetchAll(ctx context.Context, resources []Resource) ([]*Artifact, error)
}

// Status is the terminal state of a pipeline run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Request is one install invocation.
type Request struct {
	Formula *Formula
	Options []string
	Prefix  string
	// Jobs overrides the configured make parallelism. A formula-level jobs
	// setting still wins.
	Jobs       int
	Permissive bool
	KeepTmp    bool
	SkipTest   bool
	Verbose    bool
}

// Result describes how far a run got. Err is the fatal failure wrapped in a
// *StageError. DocsErr and TestErr are reported separately and never undo
// an install; Installed tells whether the prefix holds a registered install.
type Result struct {
	Status    Status
	Stage     Stage
	Err       error
	DocsErr   error
	TestErr   error
	Installed bool

	Options  OptionSet
	Ignored  []string
	Platform PlatformInfo
	Args     BuildArgs
	Receipt  *Receipt
	WorkDir  string
	Elapsed  time.Duration
}

// Ok reports whether the run succeeded.
func (r *Result) Ok() bool { return r.Status == StatusSuccess }

// Pipeline drives one formula from option resolution to smoke test.
type Pipeline struct {
	Config  *Config
	Runner  Runner
	Prober  Prober
	Fetcher ResourceFetcher
}

// NewPipeline wires the production collaborators.
func NewPipeline(cfg *Config) *Pipeline {
	return &Pipeline{
		Config:  cfg,
		Runner:  NewExecutor(cfg),
		Prober:  HostProber{Force32Bit: cfg.Force32Bit},
		Fetcher: NewFetcher(cfg),
	}
}

func (r *Result) fail(stage Stage, err error) *Result {
	r.Status = StatusFailure
	r.Stage = stage
	r.Err = &StageError{Stage: stage, Err: err}
	return r
}

// PrepareOptions resolves the request options under the effective policy.
func (p *Pipeline) PrepareOptions(req Request) (OptionSet, []string, error) {
	policy := p.Config.OptionPolicy
	if req.Permissive {
		policy = OptionPolicyPermissive
	}
	return ResolveOptions(req.Formula.Options, req.Options, policy)
}

func canceled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCanceled, err)
	}
	return nil
}

// Run executes the stages in order. It stops at the first fatal failure and
// checks ctx between stages, so no subprocess starts after cancellation.
func (p *Pipeline) Run(ctx context.Context, req Request) *Result {
	start := time.Now()
	res := &Result{}
	defer func() { res.Elapsed = time.Since(start) }()
	f := req.Formula
	logger := GetLogger("pipeline").With().Str("formula", f.Name).Logger()

	// options
	opts, ignored, err := p.PrepareOptions(req)
	if err != nil {
		return res.fail(StageOptions, err)
	}
	res.Options, res.Ignored = opts, ignored
	for _, name := range ignored {
		warnf("Ignoring unknown option %q", name)
		logger.Warn().Str("option", name).Msg("Ignoring unknown option")
	}
	if err := canceled(ctx); err != nil {
		return res.fail(StageOptions, err)
	}

	// platform
	plat, err := p.Prober.Probe()
	if err != nil {
		return res.fail(StagePlatform, err)
	}
	res.Platform = plat
	logger.Info().Stringer("platform", plat).Stringer("options", opts).Msg("Resolved invocation")

	// arguments
	if !filepath.IsAbs(req.Prefix) {
		return res.fail(StageArgs, fmt.Errorf("install prefix must be an absolute path, got %q", req.Prefix))
	}
	prefix := filepath.Clean(req.Prefix)
	args, err := NewAssembler(f, prefix).Assemble(opts, plat)
	if err != nil {
		return res.fail(StageArgs, err)
	}
	res.Args = args
	if err := canceled(ctx); err != nil {
		return res.fail(StageArgs, err)
	}

	if f.Notice != "" {
		infof("%s", f.Notice)
	}

	// fetch
	workdir := filepath.Join(p.Config.TmpDir, fmt.Sprintf("cellar-%s-%s", f.Name, uuid.NewString()))
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return res.fail(StageFetch, fmt.Errorf("failed to create working directory: %w", err))
	}
	res.WorkDir = workdir
	if !req.KeepTmp {
		defer func() {
			if err := os.RemoveAll(workdir); err != nil {
				logger.Warn().Err(err).Str("dir", workdir).Msg("Failed to remove working directory")
			}
		}()
	}
	logDir := filepath.Join(workdir, "log")

	buildResources := []Resource{f.Source}
	for _, r := range f.SelectedResources(opts) {
		if r.Install == "" {
			buildResources = append(buildResources, r)
		}
	}
	status("Fetching %s %s", f.Name, f.Version)
	arts, err := p.Fetcher.FetchAll(ctx, buildResources)
	if err != nil {
		return res.fail(StageFetch, err)
	}
	stager := NewStager(workdir)
	docs := &DocStager{Fetcher: p.Fetcher, Stager: stager, Prefix: prefix}
	if err := docs.Fetch(ctx, f, opts); err != nil {
		return res.fail(StageFetch, err)
	}
	if err := canceled(ctx); err != nil {
		return res.fail(StageFetch, err)
	}

	// extract
	srcDir, err := stager.Stage(arts[0], f.Source.Name)
	if err != nil {
		return res.fail(StageExtract, err)
	}
	for _, a := range arts[1:] {
		if _, err := stager.Stage(a, a.Resource.Name); err != nil {
			return res.fail(StageExtract, err)
		}
	}
	if err := canceled(ctx); err != nil {
		return res.fail(StageExtract, err)
	}

	// patch
	var applied []string
	for _, patch := range f.SelectedPatches(opts) {
		if err := ApplyPatch(srcDir, patch); err != nil {
			return res.fail(StagePatch, err)
		}
		applied = append(applied, patch.ID)
		status("Applied patch %s", patch.ID)
	}
	if err := canceled(ctx); err != nil {
		return res.fail(StagePatch, err)
	}

	// build
	p.checkBuildDeps(f, logger)
	cfg := *p.Config
	if req.Jobs > 0 {
		cfg.MakeJobs = req.Jobs
	}
	builder := NewBuilder(f, &cfg, p.Runner, plat, logDir)
	builder.Verbose = req.Verbose
	builder.Progress = term.IsTerminal(int(os.Stdout.Fd()))
	status("Building %s with %s", f.Name, shellJoin(args.Configure))
	if err := builder.Build(ctx, srcDir, args); err != nil {
		return res.fail(StageBuild, err)
	}
	if err := canceled(ctx); err != nil {
		return res.fail(StageBuild, err)
	}

	// install
	_, statErr := os.Stat(prefix)
	createdPrefix := errors.Is(statErr, os.ErrNotExist)
	if err := os.MkdirAll(prefix, 0o755); err != nil {
		return res.fail(StageInstall, err)
	}
	// A receipt from an earlier install must not vouch for this one.
	if err := os.Remove(filepath.Join(prefix, ReceiptFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return res.fail(StageInstall, err)
	}
	if err := builder.Install(ctx, srcDir, args); err != nil {
		if createdPrefix {
			_ = os.RemoveAll(prefix)
		}
		return res.fail(StageInstall, err)
	}
	receipt := &Receipt{
		Formula:       f.Name,
		Version:       f.Version,
		Invocation:    filepath.Base(workdir),
		InstalledAt:   time.Now().UTC(),
		CellarVersion: version,
		Options:       opts.Requested(),
		Platform:      plat,
		Args:          args,
		Patches:       applied,
	}
	for _, a := range arts {
		receipt.Sources = append(receipt.Sources, ReceiptSource{Name: a.Resource.Name, URL: a.Resource.URL, Hash: a.Digest.String()})
	}
	if err := WriteReceipt(prefix, receipt); err != nil {
		if createdPrefix {
			_ = os.RemoveAll(prefix)
		}
		return res.fail(StageInstall, err)
	}
	res.Receipt = receipt
	res.Installed = true
	status("Installed %s into %s", f.Name, prefix)

	// docs
	if err := canceled(ctx); err != nil {
		return res.fail(StageDocs, err)
	}
	if err := docs.Install(ctx, f, opts); err != nil {
		if fatalDocErr(err) {
			return res.fail(StageDocs, err)
		}
		res.DocsErr = err
		if p.Config.DocsFailure == DocsFailureFail {
			res.fail(StageDocs, err)
		} else {
			warnf("%v", err)
		}
	}

	// test
	if !req.SkipTest {
		if err := canceled(ctx); err != nil {
			return res.fail(StageTest, err)
		}
		tester := &SmokeTester{Runner: p.Runner, Prefix: prefix, Timeout: p.Config.TestTimeout}
		if err := tester.Run(ctx, f.Test); err != nil {
			res.TestErr = err
			if res.Err != nil {
				return res
			}
			return res.fail(StageTest, err)
		}
	}

	if res.Status == "" {
		res.Status = StatusSuccess
	}
	return res
}

// checkBuildDeps warns about build dependencies missing from PATH.
// Provisioning them is the caller's job.
func (p *Pipeline) checkBuildDeps(f *Formula, logger zerolog.Logger) {
	for _, dep := range f.BuildDependencies() {
		if _, err := exec.LookPath(dep); err != nil {
			warnf("Build dependency %s not found in PATH", dep)
			logger.Warn().Str("dependency", dep).Msg("Build dependency not found")
		}
	}
}
