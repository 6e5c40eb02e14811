package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/multierr"

	kerrors "klipper-go-kinematics/pkg/errors"
)

func TestLoadString(t *testing.T) {
	data := `
[printer]
kinematics: hexa
max_velocity: 300
max_accel = 3000   # trailing comment

[stepper_a]
arm_length: 250
tower_radius: 100 ; klipper style comment
`

	cfg, err := LoadString(data)
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}

	if !cfg.HasSection("printer") {
		t.Error("expected [printer] section to exist")
	}
	if cfg.HasSection("nonexistent") {
		t.Error("expected [nonexistent] section to not exist")
	}

	printer, err := cfg.GetSection("printer")
	if err != nil {
		t.Fatalf("GetSection(printer) failed: %v", err)
	}
	if printer.GetName() != "printer" {
		t.Errorf("expected name 'printer', got '%s'", printer.GetName())
	}

	kin, err := printer.Get("kinematics")
	if err != nil {
		t.Fatalf("Get(kinematics) failed: %v", err)
	}
	if kin != "hexa" {
		t.Errorf("expected 'hexa', got '%s'", kin)
	}

	maxVel, err := printer.GetInt("max_velocity")
	if err != nil {
		t.Fatalf("GetInt(max_velocity) failed: %v", err)
	}
	if maxVel != 300 {
		t.Errorf("expected 300, got %d", maxVel)
	}

	maxAccel, err := printer.GetFloat("max_accel")
	if err != nil {
		t.Fatalf("GetFloat(max_accel) failed: %v", err)
	}
	if maxAccel != 3000.0 {
		t.Errorf("expected 3000.0, got %f", maxAccel)
	}

	stepper, _ := cfg.GetSection("stepper_a")
	radius, err := stepper.GetFloat("tower_radius")
	if err != nil || radius != 100 {
		t.Errorf("tower_radius = %v, %v; want 100", radius, err)
	}
}

func TestSaveConfigBlock(t *testing.T) {
	data := `
[printer]
print_radius: 100
#*# [printer]
#*# print_radius = 120
`
	cfg, err := LoadString(data)
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}
	sec, _ := cfg.GetSection("printer")
	v, _ := sec.GetFloat("print_radius")
	if v != 120 {
		t.Errorf("SAVE_CONFIG value should override, got %v", v)
	}
}

func TestSectionGetters(t *testing.T) {
	data := `
[test]
string_val: hello
bool_true: true
bool_false: no
choice: Joints
bad_float: abc
microsteps: 16
`
	cfg, err := LoadString(data)
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}
	sec, _ := cfg.GetSection("test")

	if v, _ := sec.Get("string_val"); v != "hello" {
		t.Errorf("Get(string_val) = %q", v)
	}
	if v, _ := sec.Get("missing", "fallback"); v != "fallback" {
		t.Errorf("Get with fallback = %q", v)
	}
	if v, _ := sec.GetBool("bool_true"); !v {
		t.Error("bool_true should be true")
	}
	if v, _ := sec.GetBool("bool_false"); v {
		t.Error("bool_false should be false")
	}
	if v, err := sec.GetChoice("choice", []string{"hexa", "joints"}); err != nil || v != "joints" {
		t.Errorf("GetChoice = %q, %v", v, err)
	}
	if _, err := sec.GetChoice("string_val", []string{"hexa", "joints"}); err == nil {
		t.Error("expected invalid choice error")
	}
	if v, err := sec.GetInt("microsteps"); err != nil || v != 16 {
		t.Errorf("GetInt = %d, %v", v, err)
	}
	if _, err := sec.GetInt("bad_float"); !kerrors.Is(err, kerrors.ErrConfigType) {
		t.Errorf("expected CONFIG_TYPE error for integer, got %v", err)
	}
	_, err = sec.GetFloat("bad_float")
	if !kerrors.Is(err, kerrors.ErrConfigType) {
		t.Errorf("expected CONFIG_TYPE error, got %v", err)
	}
}

func TestBoundsChecking(t *testing.T) {
	data := `
[printer]
zero: 0
five: 5
`
	cfg, _ := LoadString(data)
	sec, _ := cfg.GetSection("printer")

	tests := []struct {
		name    string
		option  string
		bounds  FloatBounds
		wantErr bool
	}{
		{"above ok", "five", Above(0), false},
		{"above fails on equal", "zero", Above(0), true},
		{"min ok", "zero", MinVal(0), false},
		{"max fails", "five", MaxVal(4), true},
		{"above with max ok", "five", Above(0).WithMax(5), false},
		{"above with max fails", "five", Above(0).WithMax(4.5), true},
	}

	for _, tt := range tests {
		_, err := sec.GetFloatWithBounds(tt.option, tt.bounds)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: err = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
		if err != nil && !kerrors.Is(err, kerrors.ErrConfigValidation) {
			t.Errorf("%s: expected CONFIG_VALIDATION, got %v", tt.name, err)
		}
	}

	// Defaults go through the same checks
	if _, err := sec.GetFloatWithBounds("missing", Above(0), 0); err == nil {
		t.Error("expected default value 0 to fail Above(0)")
	}
}

func TestMissingOptionError(t *testing.T) {
	cfg, _ := LoadString("[stepper_a]\n")
	sec, _ := cfg.GetSection("stepper_a")

	_, err := sec.GetFloat("arm_length")
	if err == nil {
		t.Fatal("expected error for missing option")
	}
	if !kerrors.IsConfig(err) {
		t.Errorf("expected config error, got %v", err)
	}
	if !strings.Contains(err.Error(), "stepper_a.arm_length") {
		t.Errorf("error should name section and option: %s", err)
	}

	if _, err := cfg.GetSection("stepper_b"); !kerrors.Is(err, kerrors.ErrConfigSection) {
		t.Errorf("expected CONFIG_SECTION error, got %v", err)
	}
}

func TestCheckUnusedOptions(t *testing.T) {
	data := `
[printer]
kinematics: hexa
typo_radius: 10
other_typo: 1

[unread]
foo: bar
`
	cfg, _ := LoadString(data)
	sec, _ := cfg.GetSection("printer")
	_, _ = sec.Get("kinematics")
	_, _ = sec.GetFloat("print_radius", 100)

	err := cfg.CheckUnusedOptions()
	if err == nil {
		t.Fatal("expected unused option errors")
	}
	errs := multierr.Errors(err)
	if len(errs) != 2 {
		t.Fatalf("expected 2 unused options, got %d: %v", len(errs), err)
	}
	if !strings.Contains(errs[0].Error(), "other_typo") {
		t.Errorf("errors should be sorted by option, first was %v", errs[0])
	}

	if got := cfg.GetUnusedSections(); len(got) != 1 || got[0] != "unread" {
		t.Errorf("GetUnusedSections() = %v", got)
	}
}

func TestLoadWithInclude(t *testing.T) {
	dir := t.TempDir()
	main := filepath.Join(dir, "printer.cfg")
	inc := filepath.Join(dir, "towers.cfg")

	if err := os.WriteFile(inc, []byte("[stepper_a]\narm_length: 250\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(main, []byte("[include towers.cfg]\n[printer]\nlinks: arm.yaml\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.HasSection("stepper_a") {
		t.Error("included section missing")
	}
	if got := cfg.Resolve("arm.yaml"); got != filepath.Join(dir, "arm.yaml") {
		t.Errorf("Resolve = %s", got)
	}
	if got := cfg.GetSectionNames(); len(got) != 2 || got[0] != "stepper_a" {
		t.Errorf("section order = %v", got)
	}
}

func TestRecursiveInclude(t *testing.T) {
	dir := t.TempDir()
	main := filepath.Join(dir, "printer.cfg")
	if err := os.WriteFile(main, []byte("[include printer.cfg]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(main); err == nil || !strings.Contains(err.Error(), "recursive include") {
		t.Errorf("expected recursive include error, got %v", err)
	}
}

func TestIncludeFromStringRejected(t *testing.T) {
	if _, err := LoadString("[include other.cfg]\n"); err == nil {
		t.Error("expected include error for string config")
	}
}

func TestGetPrefixSections(t *testing.T) {
	cfg, _ := LoadString("[stepper_a]\n[stepper_b]\n[printer]\n")
	got := cfg.GetPrefixSections("stepper_")
	if len(got) != 2 || got[0].GetName() != "stepper_a" || got[1].GetName() != "stepper_b" {
		t.Errorf("GetPrefixSections = %v", got)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		line  string
		kind  lineKind
		key   string
		value string
	}{
		{"", lineSkip, "", ""},
		{"   # comment", lineSkip, "", ""},
		{"[stepper_a]", lineHeader, "stepper_a", ""},
		{"[ include extra.cfg ]", lineHeader, "include extra.cfg", ""},
		{"arm_length: 250 # mm", lineOption, "arm_length", "250"},
		{"tower_angle = -30", lineOption, "tower_angle", "-30"},
		{"links: arm.yaml ; descriptor", lineOption, "links", "arm.yaml"},
		{"#*# home_z = 310", lineOption, "home_z", "310"},
		{": 5", lineSkip, "", ""},
		{"garbage", lineSkip, "", ""},
	}
	for _, tt := range tests {
		kind, key, value := classify(tt.line)
		if kind != tt.kind || key != tt.key || value != tt.value {
			t.Errorf("classify(%q) = %v %q %q, want %v %q %q",
				tt.line, kind, key, value, tt.kind, tt.key, tt.value)
		}
	}
}
