package cellar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	verbosity  int
	configFile string
	logFile    string
	cfg        *Config
	closer     io.Closer
}

type optionFlags struct {
	options    []string
	permissive bool
}

func (o *optionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringArrayVarP(&o.options, "option", "o", nil, "Enable a formula option (repeatable)")
	cmd.Flags().BoolVar(&o.permissive, "permissive", false, "Ignore options the formula does not declare")
}

// Main runs the command line and returns the process exit code.
func Main() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		var exit exitError
		if !errors.As(err, &exit) {
			colError.Printf("Error: %v\n", err)
		}
		return 1
	}
	return 0
}

// exitError marks a failure that has already been reported.
type exitError struct{ err error }

func (e exitError) Error() string { return e.err.Error() }
func (e exitError) Unwrap() error { return e.err }

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "cellar",
		Short: "Build and install packages from source formulas",
		Long: `cellar installs a package from source by interpreting a formula: it
fetches and verifies the sources, applies patches, runs configure, make and
make install into a prefix, stages documentation and runs a smoke test.

A formula is a path to a .toml file or the name of a built-in formula.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			closer, err := SetupLogger(g.verbosity, g.logFile)
			if err != nil {
				return err
			}
			g.closer = closer
			log.Debug().Str("command", cmd.Name()).Msg("Command started")

			cfg, err := LoadConfig(g.configFile)
			if err != nil {
				return err
			}
			g.cfg = cfg
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if g.closer != nil {
				_ = g.closer.Close()
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().CountVarP(&g.verbosity, "verbose", "v", "Increase verbosity (-v INFO, -vv DEBUG, -vvv TRACE)")
	root.PersistentFlags().StringVar(&g.configFile, "config", "", "Config file (default "+ConfigFile+" then $XDG_CONFIG_HOME/cellar/cellar.conf)")
	root.PersistentFlags().StringVar(&g.logFile, "log-file", "", "Also write JSON logs to this file")

	root.AddCommand(
		newInstallCmd(g),
		newArgsCmd(g),
		newFetchCmd(g),
		newInfoCmd(),
		newTestCmd(g),
		newLogCmd(),
		newMirrorCmd(g),
		newVersionCmd(),
	)
	return root
}

func newInstallCmd(g *globalFlags) *cobra.Command {
	var (
		of       optionFlags
		prefix   string
		jobs     int
		keepTmp  bool
		skipTest bool
	)
	cmd := &cobra.Command{
		Use:   "install <formula>",
		Short: "Fetch, build and install a formula into a prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := ResolveFormula(args[0])
			if err != nil {
				return err
			}
			abs, err := filepath.Abs(prefix)
			if err != nil {
				return err
			}
			req := Request{
				Formula:    f,
				Options:    of.options,
				Prefix:     abs,
				Jobs:       jobs,
				Permissive: of.permissive,
				KeepTmp:    keepTmp,
				SkipTest:   skipTest,
				Verbose:    g.verbosity > 0,
			}
			res := NewPipeline(g.cfg).Run(cmd.Context(), req)
			return reportResult(res, keepTmp)
		},
	}
	of.register(cmd)
	cmd.Flags().StringVar(&prefix, "prefix", "", "Install prefix (required)")
	cmd.Flags().IntVarP(&jobs, "jobs", "j", 0, "Make jobs, unless the formula caps them")
	cmd.Flags().BoolVar(&keepTmp, "keep-tmp", false, "Keep the working directory for inspection")
	cmd.Flags().BoolVar(&skipTest, "skip-test", false, "Do not run the smoke test")
	_ = cmd.MarkFlagRequired("prefix")
	return cmd
}

func reportResult(res *Result, keepTmp bool) error {
	if keepTmp && res.WorkDir != "" {
		infof("Working directory kept at %s", res.WorkDir)
	}
	if res.DocsErr != nil && res.Ok() {
		warnf("Installed without complete documentation: %v", res.DocsErr)
	}
	if res.Ok() {
		status("Finished in %s", res.Elapsed.Round(time.Second))
		return nil
	}

	colError.Printf("Failed at stage %s: %v\n", res.Stage, errors.Unwrap(res.Err))
	var stepErr *BuildStepError
	if errors.As(res.Err, &stepErr) && stepErr.Log != "" && !keepTmp {
		infof("Rerun with --keep-tmp to inspect %s logs with `cellar log`", stepErr.Step)
	}
	var smoke *SmokeTestFailure
	if errors.As(res.Err, &smoke) && smoke.Output != "" {
		fmt.Println(smoke.Output)
	}
	if res.Installed {
		warnf("The install itself completed and is registered")
	}
	return exitError{res.Err}
}

func newArgsCmd(g *globalFlags) *cobra.Command {
	var (
		of     optionFlags
		prefix string
		bits   int
	)
	cmd := &cobra.Command{
		Use:   "args <formula>",
		Short: "Print the configure arguments and compile flags for a formula",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := ResolveFormula(args[0])
			if err != nil {
				return err
			}
			p := &Pipeline{Config: g.cfg}
			opts, ignored, err := p.PrepareOptions(Request{Formula: f, Options: of.options, Permissive: of.permissive})
			if err != nil {
				return err
			}
			for _, name := range ignored {
				warnf("Ignoring unknown option %q", name)
			}

			var plat PlatformInfo
			switch bits {
			case 0:
				if plat, err = ProbePlatform(g.cfg); err != nil {
					return err
				}
			case 32, 64:
				plat = SyntheticPlatform(bits)
			default:
				return fmt.Errorf("--bits must be 32 or 64")
			}
			if prefix == "" {
				prefix = filepath.Join("/opt", f.Name)
			}

			ba, err := NewAssembler(f, prefix).Assemble(opts, plat)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, tok := range ba.Configure {
				fmt.Fprintln(out, tok)
			}
			if len(ba.CFlags) > 0 {
				fmt.Fprintf(out, "CFLAGS=%s\n", strings.Join(ba.CFlags, " "))
			}
			return nil
		},
	}
	of.register(cmd)
	cmd.Flags().StringVar(&prefix, "prefix", "", "Install prefix substituted into the arguments")
	cmd.Flags().IntVar(&bits, "bits", 0, "Assume a 32 or 64-bit platform instead of probing")
	return cmd
}

func newFetchCmd(g *globalFlags) *cobra.Command {
	var of optionFlags
	cmd := &cobra.Command{
		Use:   "fetch <formula>",
		Short: "Download and verify the resources a formula needs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := ResolveFormula(args[0])
			if err != nil {
				return err
			}
			p := &Pipeline{Config: g.cfg}
			opts, _, err := p.PrepareOptions(Request{Formula: f, Options: of.options, Permissive: of.permissive})
			if err != nil {
				return err
			}
			resources := append([]Resource{f.Source}, f.SelectedResources(opts)...)
			arts, err := NewFetcher(g.cfg).FetchAll(cmd.Context(), resources)
			if err != nil {
				return err
			}
			for _, a := range arts {
				state := "downloaded"
				if a.Cached {
					state = "cached"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", a.Resource.Name, a.Digest, state, a.Path)
			}
			return nil
		},
	}
	of.register(cmd)
	return cmd
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <formula>",
		Short: "Describe a formula's options, dependencies, resources and patches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := ResolveFormula(args[0])
			if err != nil {
				return err
			}
			writeInfo(cmd.OutOrStdout(), f)
			return nil
		},
	}
}

func writeInfo(w io.Writer, f *Formula) {
	fmt.Fprintf(w, "%s %s\n", f.Name, f.Version)
	if f.Homepage != "" {
		fmt.Fprintln(w, f.Homepage)
	}
	fmt.Fprintf(w, "\nSource: %s\n", f.Source.URL)

	if len(f.Options) > 0 {
		fmt.Fprintln(w, "\nOptions:")
		for _, o := range f.Options {
			fmt.Fprintf(w, "  %-16s %s\n", o.Name, o.Description)
		}
	}
	if len(f.Deps) > 0 {
		fmt.Fprintln(w, "\nDependencies:")
		for _, d := range f.Deps {
			fmt.Fprintf(w, "  %s (%s)\n", d.Name, d.Phase)
		}
	}
	if len(f.Resources) > 0 {
		fmt.Fprintln(w, "\nResources:")
		for _, r := range f.Resources {
			line := "  " + r.Name
			if r.Install != "" {
				line += " -> " + r.Install
			}
			if r.Unless != "" {
				line += " (skipped with " + r.Unless + ")"
			}
			fmt.Fprintln(w, line)
		}
	}
	if len(f.Patches) > 0 {
		fmt.Fprintln(w, "\nPatches:")
		for _, p := range f.Patches {
			line := fmt.Sprintf("  %s (-p%d)", p.ID, p.Strip)
			if p.Define != "" {
				line += " defines " + p.Define
			}
			fmt.Fprintln(w, line)
		}
	}
}

func newTestCmd(g *globalFlags) *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "test <formula>",
		Short: "Run a formula's smoke test against an installed prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := ResolveFormula(args[0])
			if err != nil {
				return err
			}
			abs, err := filepath.Abs(prefix)
			if err != nil {
				return err
			}
			if r, err := ReadReceipt(abs); err != nil {
				warnf("No install receipt in %s", abs)
			} else if r.Formula != f.Name {
				warnf("%s holds %s, not %s", abs, r.Formula, f.Name)
			}
			tester := &SmokeTester{Runner: NewExecutor(g.cfg), Prefix: abs, Timeout: g.cfg.TestTimeout}
			if err := tester.Run(cmd.Context(), f.Test); err != nil {
				var smoke *SmokeTestFailure
				if errors.As(err, &smoke) && smoke.Output != "" {
					fmt.Println(smoke.Output)
				}
				return err
			}
			status("Smoke test passed")
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "Install prefix (required)")
	_ = cmd.MarkFlagRequired("prefix")
	return cmd
}

func newLogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log <workdir> [step]",
		Short: "Show build logs kept with --keep-tmp",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			step := ""
			if len(args) == 2 {
				step = args[1]
			}
			lines, err := ReadStepLogs(args[0], step)
			if err != nil {
				return err
			}
			title := filepath.Base(args[0])
			if step != "" {
				title += " " + step
			}
			return RunPager(title, lines)
		},
	}
}

func newMirrorCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mirror <formula>",
		Short: "Upload a formula's verified resources to the mirror bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := ResolveFormula(args[0])
			if err != nil {
				return err
			}
			fetcher := NewFetcher(g.cfg)
			// Mirroring needs the origin bytes, not a copy from the mirror.
			fetcher.Mirror = MirrorConfig{}
			arts, err := fetcher.FetchAll(cmd.Context(), append([]Resource{f.Source}, f.Resources...))
			if err != nil {
				return err
			}
			store, err := NewS3Store(cmd.Context(), g.cfg.Mirror)
			if err != nil {
				return err
			}
			return PublishArtifacts(cmd.Context(), store, g.cfg.Mirror, arts)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cellar version %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "  built: %s\n", buildDate)
			fmt.Fprintf(cmd.OutOrStdout(), "  arch:  %s\n", arch)
		},
	}
}
