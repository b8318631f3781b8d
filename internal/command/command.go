// Package command builds the aerender child command line described in
// spec.md §4.6 / §6.
package command

import "strconv"

// Spec describes the per-child aerender invocation inputs.
type Spec struct {
	AerenderPath string
	Project      string
	Output       string // local (scratch) output path/pattern for this child
	Start        int
	End          int
	Comp         string
	RQIndex      int // 0 means "not set"
	RSTemplate   string
	OMTemplate   string
	MFRDisabled  bool
}

// Build renders the argv for exec.Command(argv[0], argv[1:]...).
//
// The trailing "100" on -mfr is emitted unconditionally, even when MFR is
// OFF, matching spec.md §6: "The 100 trailing integer satisfies the -mfr
// syntax even when OFF." (see SPEC_FULL.md §6, Open Question 2 in spec.md
// §9 for the rationale).
func Build(s Spec) []string {
	argv := []string{
		s.AerenderPath,
		"-project", s.Project,
	}
	if s.Comp != "" {
		argv = append(argv, "-comp", s.Comp)
	}
	if s.RQIndex != 0 {
		argv = append(argv, "-rqindex", strconv.Itoa(s.RQIndex))
	}
	argv = append(argv,
		"-output", s.Output,
		"-sound", "OFF",
		"-s", strconv.Itoa(s.Start),
		"-e", strconv.Itoa(s.End),
	)
	if s.RSTemplate != "" {
		argv = append(argv, "-RStemplate", s.RSTemplate)
	}
	if s.OMTemplate != "" {
		argv = append(argv, "-OMtemplate", s.OMTemplate)
	}
	if s.MFRDisabled {
		argv = append(argv, "-mfr", "OFF", "100")
	} else {
		argv = append(argv, "-mfr", "ON", "100")
	}
	return argv
}
