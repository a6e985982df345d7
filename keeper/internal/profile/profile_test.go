package profile

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func ptr[T any](v T) *T { return &v }

func TestCompute_SameProfileIsEmpty(t *testing.T) {
	p := Default()
	d := Compute(p, p)
	if !d.Empty() {
		t.Fatalf("Compute(p, p) = %+v, want empty", d)
	}
	raw, _ := json.Marshal(d)
	if string(raw) != "{}" {
		t.Fatalf("empty diff JSON = %s", raw)
	}
}

func TestCompute_SingleField(t *testing.T) {
	cur := Default()
	cur.Tone = "formal"
	sug := cur
	sug.Tone = "friendly"

	got := Compute(cur, sug)
	want := Diff{Tone: &Change[string]{From: "formal", To: "friendly"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("diff mismatch (-want +got):\n%s", diff)
	}

	raw, _ := json.Marshal(got)
	if string(raw) != `{"tone":{"from":"formal","to":"friendly"}}` {
		t.Fatalf("JSON = %s", raw)
	}
}

func TestApplyThenReverseRestores(t *testing.T) {
	cases := []struct {
		name     string
		cur, sug Profile
	}{
		{"all fields", Default(), Profile{Tone: "playful", SalesIntensity: 9, ResponseLength: LengthShort, EmpathyLevel: 1, ComplianceStrictness: 10}},
		{"one field", Default(), func() Profile { p := Default(); p.EmpathyLevel = 8; return p }()},
		{"no change", Default(), Default()},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			d := Compute(c.cur, c.sug)
			applied := Apply(c.cur, d)
			if diff := cmp.Diff(c.sug, applied); diff != "" {
				t.Fatalf("apply (-want +got):\n%s", diff)
			}
			restored := Apply(applied, d.Reverse())
			if diff := cmp.Diff(c.cur, restored); diff != "" {
				t.Fatalf("revert (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMaterial(t *testing.T) {
	cur := Default()
	sug := cur
	sug.SalesIntensity = cur.SalesIntensity + 1
	sug.EmpathyLevel = cur.EmpathyLevel + 3
	sug.ResponseLength = LengthLong

	got := Compute(cur, sug).Material(2)
	want := []Field{FieldResponseLength, FieldEmpathyLevel}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("material (-want +got):\n%s", diff)
	}

	// A move equal to the threshold is not drift.
	sug = cur
	sug.ComplianceStrictness = cur.ComplianceStrictness + 2
	if got := Compute(cur, sug).Material(2); len(got) != 0 {
		t.Fatalf("move of exactly the threshold = %v, want none", got)
	}
	if got := Compute(cur, sug).Material(0); len(got) != 1 {
		t.Fatalf("threshold 0 = %v, want any move", got)
	}
}

func TestOverlay(t *testing.T) {
	base := Default()
	got := Overlay(base, Partial{
		Tone:           ptr("warm"),
		SalesIntensity: ptr(42),
		ResponseLength: ptr("endless"),
	})
	if got.Tone != "warm" || got.SalesIntensity != MaxLevel || got.ResponseLength != base.ResponseLength {
		t.Fatalf("overlay = %+v", got)
	}
	if got.EmpathyLevel != base.EmpathyLevel {
		t.Fatal("nil fields must keep base values")
	}
}

func TestValidate(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatal(err)
	}
	bad := Default()
	bad.ComplianceStrictness = 11
	if err := bad.Validate(); !errors.Is(err, ErrInvalidProfile) {
		t.Fatalf("err = %v, want ErrInvalidProfile", err)
	}
	bad = Default()
	bad.ResponseLength = "huge"
	if err := bad.Validate(); !errors.Is(err, ErrInvalidProfile) {
		t.Fatalf("err = %v, want ErrInvalidProfile", err)
	}
}
