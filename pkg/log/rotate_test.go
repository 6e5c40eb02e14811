// Rotating log file tests
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "klippy.log")
	logger := New("file")
	w := ToFile(logger, path, FormatJSON)

	logger.Infof("homed %d rails", 6)
	logger.Debugf("not written at INFO")
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, `"msg":"homed 6 rails"`) {
		t.Errorf("log file missing entry: %s", out)
	}
	if strings.Contains(out, "not written") {
		t.Errorf("debug entry written at INFO: %s", out)
	}
}
