package profile

// Change records one field moving from one value to another.
type Change[T comparable] struct {
	From T `json:"from"`
	To   T `json:"to"`
}

func change[T comparable](from, to T) *Change[T] {
	if from == to {
		return nil
	}
	return &Change[T]{From: from, To: to}
}

func (c *Change[T]) reverse() *Change[T] {
	if c == nil {
		return nil
	}
	return &Change[T]{From: c.To, To: c.From}
}

// Diff is the set of fields that differ between two profiles. Unchanged
// fields are nil and omitted from JSON.
type Diff struct {
	Tone                 *Change[string] `json:"tone,omitempty"`
	SalesIntensity       *Change[int]    `json:"salesIntensity,omitempty"`
	ResponseLength       *Change[string] `json:"responseLength,omitempty"`
	EmpathyLevel         *Change[int]    `json:"empathyLevel,omitempty"`
	ComplianceStrictness *Change[int]    `json:"complianceStrictness,omitempty"`
}

// Compute returns the diff turning current into suggested.
func Compute(current, suggested Profile) Diff {
	return Diff{
		Tone:                 change(current.Tone, suggested.Tone),
		SalesIntensity:       change(current.SalesIntensity, suggested.SalesIntensity),
		ResponseLength:       change(current.ResponseLength, suggested.ResponseLength),
		EmpathyLevel:         change(current.EmpathyLevel, suggested.EmpathyLevel),
		ComplianceStrictness: change(current.ComplianceStrictness, suggested.ComplianceStrictness),
	}
}

// Empty reports whether no field changes.
func (d Diff) Empty() bool {
	return len(d.Fields()) == 0
}

// Fields lists the changed fields in declaration order.
func (d Diff) Fields() []Field {
	var out []Field
	if d.Tone != nil {
		out = append(out, FieldTone)
	}
	if d.SalesIntensity != nil {
		out = append(out, FieldSalesIntensity)
	}
	if d.ResponseLength != nil {
		out = append(out, FieldResponseLength)
	}
	if d.EmpathyLevel != nil {
		out = append(out, FieldEmpathyLevel)
	}
	if d.ComplianceStrictness != nil {
		out = append(out, FieldComplianceStrictness)
	}
	return out
}

// Reverse swaps from and to on every change.
func (d Diff) Reverse() Diff {
	return Diff{
		Tone:                 d.Tone.reverse(),
		SalesIntensity:       d.SalesIntensity.reverse(),
		ResponseLength:       d.ResponseLength.reverse(),
		EmpathyLevel:         d.EmpathyLevel.reverse(),
		ComplianceStrictness: d.ComplianceStrictness.reverse(),
	}
}

// Apply sets every changed field of p to its target value.
func Apply(p Profile, d Diff) Profile {
	if d.Tone != nil {
		p.Tone = d.Tone.To
	}
	if d.SalesIntensity != nil {
		p.SalesIntensity = d.SalesIntensity.To
	}
	if d.ResponseLength != nil {
		p.ResponseLength = d.ResponseLength.To
	}
	if d.EmpathyLevel != nil {
		p.EmpathyLevel = d.EmpathyLevel.To
	}
	if d.ComplianceStrictness != nil {
		p.ComplianceStrictness = d.ComplianceStrictness.To
	}
	return p
}

// Material returns the changed fields that count as drift. Categorical
// fields are material on any change; numeric fields when they move by more
// than threshold.
func (d Diff) Material(threshold int) []Field {
	if threshold < 0 {
		threshold = 0
	}
	numeric := func(c *Change[int]) bool {
		if c == nil {
			return false
		}
		delta := c.To - c.From
		if delta < 0 {
			delta = -delta
		}
		return delta > threshold
	}

	var out []Field
	if d.Tone != nil {
		out = append(out, FieldTone)
	}
	if numeric(d.SalesIntensity) {
		out = append(out, FieldSalesIntensity)
	}
	if d.ResponseLength != nil {
		out = append(out, FieldResponseLength)
	}
	if numeric(d.EmpathyLevel) {
		out = append(out, FieldEmpathyLevel)
	}
	if numeric(d.ComplianceStrictness) {
		out = append(out, FieldComplianceStrictness)
	}
	return out
}
