package cellar

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCanceled is returned when cancellation is observed between stages.
var ErrCanceled = errors.New("install canceled")

// Stage names a pipeline step for failure reporting.
type Stage string

const (
	StageOptions  Stage = "options"
	StagePlatform Stage = "platform"
	StageArgs     Stage = "arguments"
	StageFetch    Stage = "fetch"
	StageExtract  Stage = "extract"
	StagePatch    Stage = "patch"
	StageBuild    Stage = "build"
	StageInstall  Stage = "install"
	StageDocs     Stage = "docs"
	StageTest     Stage = "test"
)

// StageError attaches the failing stage to a cause.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// UnknownOptionError reports a requested option the formula does not declare.
type UnknownOptionError struct {
	Option string
	Known  []string
}

func (e *UnknownOptionError) Error() string {
	if len(e.Known) == 0 {
		return fmt.Sprintf("unknown option %q: formula declares no options", e.Option)
	}
	return fmt.Sprintf("unknown option %q (available: %s)", e.Option, strings.Join(e.Known, ", "))
}

// FetchError reports a transport or storage failure while obtaining a resource.
type FetchError struct {
	Resource string
	URL      string
	Attempts int
	Cause    error
}

func (e *FetchError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("failed to fetch %s from %s after %d attempts: %v", e.Resource, e.URL, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("failed to fetch %s from %s: %v", e.Resource, e.URL, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// IntegrityError reports downloaded bytes whose hash differs from the
// declared one. It is always fatal.
type IntegrityError struct {
	Resource string
	Want     string
	Got      string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: want %s, got %s", e.Resource, e.Want, e.Got)
}

// ExtractionError reports a corrupt, unsupported or unsafe archive.
type ExtractionError struct {
	Resource string
	Archive  string
	Cause    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("failed to extract %s (%s): %v", e.Resource, e.Archive, e.Cause)
}

func (e *ExtractionError) Unwrap() error { return e.Cause }

// PatchRejectedError reports a patch that could not be applied in full.
// Hunk is 1-based and counts across all files of the patch; zero means the
// patch failed before any hunk was tried.
type PatchRejectedError struct {
	Patch  string
	Hunk   int
	File   string
	Reason string
}

func (e *PatchRejectedError) Error() string {
	if e.Hunk == 0 {
		return fmt.Sprintf("patch %s rejected: %s", e.Patch, e.Reason)
	}
	return fmt.Sprintf("patch %s rejected: hunk #%d (%s): %s", e.Patch, e.Hunk, e.File, e.Reason)
}

// PlatformDetectionError reports that host attributes could not be read.
type PlatformDetectionError struct {
	Cause error
}

func (e *PlatformDetectionError) Error() string {
	return fmt.Sprintf("failed to detect platform: %v", e.Cause)
}

func (e *PlatformDetectionError) Unwrap() error { return e.Cause }

// BuildStepError reports a configure, build or install step that failed.
// ExitCode is -1 when the process could not be started.
type BuildStepError struct {
	Step     string
	ExitCode int
	Log      string
	Cause    error
}

func (e *BuildStepError) Error() string {
	msg := fmt.Sprintf("%s step failed", e.Step)
	if e.ExitCode >= 0 {
		msg = fmt.Sprintf("%s with exit code %d", msg, e.ExitCode)
	} else if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Log != "" {
		msg += " (log: " + e.Log + ")"
	}
	return msg
}

func (e *BuildStepError) Unwrap() error { return e.Cause }

// DocStagingError reports a documentation resource that could not be
// installed. It never unregisters a successful binary install.
type DocStagingError struct {
	Resource string
	Cause    error
}

func (e *DocStagingError) Error() string {
	return fmt.Sprintf("failed to stage documentation %s: %v", e.Resource, e.Cause)
}

func (e *DocStagingError) Unwrap() error { return e.Cause }

// SmokeTestFailure reports that the installed program did not pass its
// functional check.
type SmokeTestFailure struct {
	Command  string
	ExitCode int
	Reason   string
	Output   string
	Cause    error
}

func (e *SmokeTestFailure) Error() string {
	msg := fmt.Sprintf("smoke test %q failed: %s", e.Command, e.Reason)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *SmokeTestFailure) Unwrap() error { return e.Cause }
