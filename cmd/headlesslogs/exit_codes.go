package main

import (
	"errors"

	apperrors "github.com/odvcencio/headlesslogs/pkg/errors"
)

const (
	exitFailure  = 1
	exitUsage    = 2
	exitNotFound = 3
	exitUpstream = 4
)

type exitCoder interface {
	ExitCode() int
}

type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e exitError) Unwrap() error {
	return e.err
}

func (e exitError) ExitCode() int {
	if e.code == 0 {
		return exitFailure
	}
	return e.code
}

func withExitCode(err error, code int) error {
	if err == nil {
		return nil
	}
	return exitError{code: code, err: err}
}

// exitCodeForError prefers an explicit exit code, then maps coded errors.
func exitCodeForError(err error) int {
	if err == nil {
		return 0
	}
	var coded exitCoder
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		return exitFailure
	}
	switch appErr.Code {
	case apperrors.ErrCodeConfigLoad, apperrors.ErrCodeConfigParse, apperrors.ErrCodeConfigInvalid, apperrors.ErrCodeInvalidInput:
		return exitUsage
	case apperrors.ErrCodeNotFound, apperrors.ErrCodeMissingCredential:
		return exitNotFound
	case apperrors.ErrCodeUpstreamUnavailable, apperrors.ErrCodeUpstreamStatus:
		return exitUpstream
	default:
		return exitFailure
	}
}
