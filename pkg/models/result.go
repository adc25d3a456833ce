package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ResultKind is the tag of a TestResult.
type ResultKind string

// Kinds of TestResult, per spec §3.
const (
	KindBuildFail    ResultKind = "BuildFail"
	KindTestFail     ResultKind = "TestFail"
	KindTestSkipped  ResultKind = "TestSkipped"
	KindTestPass     ResultKind = "TestPass"
	KindError        ResultKind = "Error"
)

// Reason qualifies BuildFail/TestFail. OOM and Timeout are "spurious" —
// retriable at operator discretion; the others are terminal.
type Reason string

const (
	ReasonUnknown Reason = "Unknown"
	ReasonBroken  Reason = "Broken"
	ReasonOOM     Reason = "OOM"
	ReasonTimeout Reason = "Timeout"
)

// Spurious reports whether r is a retriable reason.
func (r Reason) Spurious() bool {
	return r == ReasonOOM || r == ReasonTimeout
}

// TestResult is the outcome of running one (crate, toolchain) pair.
// BuildFail and TestFail carry a Reason; TestSkipped, TestPass, and Error
// do not. It serializes as "<kind>" or "<kind>:<reason>" on the wire, and
// the parser accepts both forms.
type TestResult struct {
	Kind   ResultKind
	Reason Reason // zero value ("") if Kind has no reason
}

// NewBuildFail constructs a BuildFail(reason) result.
func NewBuildFail(reason Reason) TestResult { return TestResult{Kind: KindBuildFail, Reason: reason} }

// NewTestFail constructs a TestFail(reason) result.
func NewTestFail(reason Reason) TestResult { return TestResult{Kind: KindTestFail, Reason: reason} }

// TestSkipped, TestPass, and Error are the reasonless results.
var (
	TestSkipped = TestResult{Kind: KindTestSkipped}
	TestPass    = TestResult{Kind: KindTestPass}
	ResultError = TestResult{Kind: KindError}
)

// Format renders the canonical wire form: "<kind>" or "<kind>:<reason>".
func (t TestResult) Format() string {
	if t.Reason == "" {
		return string(t.Kind)
	}
	return fmt.Sprintf("%s:%s", t.Kind, t.Reason)
}

// ParseTestResult is the inverse of Format; it accepts both the bare-kind
// and kind:reason forms.
func ParseTestResult(s string) (TestResult, error) {
	parts := strings.SplitN(s, ":", 2)
	kind := ResultKind(parts[0])
	switch kind {
	case KindBuildFail, KindTestFail, KindTestSkipped, KindTestPass, KindError:
	default:
		return TestResult{}, fmt.Errorf("unknown TestResult kind %q", parts[0])
	}
	t := TestResult{Kind: kind}
	if len(parts) == 2 {
		t.Reason = Reason(parts[1])
	}
	return t, nil
}

// MarshalJSON implements json.Marshaler using the canonical wire form.
func (t TestResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Format())
}

// UnmarshalJSON implements json.Unmarshaler, accepting either wire form.
func (t *TestResult) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTestResult(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Equal reports whether two TestResult values are identical.
func (t TestResult) Equal(o TestResult) bool {
	return t.Kind == o.Kind && t.Reason == o.Reason
}
