// Rotating log files
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"io"

	"gopkg.in/natefinch/lumberjack.v2"
)

// RotateOptions controls log file rotation.
type RotateOptions struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultRotateOptions keeps five 10MB files for at most a week.
var DefaultRotateOptions = RotateOptions{MaxSizeMB: 10, MaxBackups: 5, MaxAgeDays: 7}

// NewFileWriter returns a writer appending to path and rotating it
// according to opts. Close the writer on exit.
func NewFileWriter(path string, opts RotateOptions) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
}

// ToFile redirects l to a rotating file at path and returns the file
// writer.
func ToFile(l *Logger, path string, format OutputFormat) io.WriteCloser {
	w := NewFileWriter(path, DefaultRotateOptions)
	l.SetOutput(w, format)
	return w
}
