package validate

import "testing"

func TestUniquenessRuleFiresOnDuplicate(t *testing.T) {
	v := NewValidator([]Rule{
		{Name: "award_id_unique", Kind: RuleUniqueness, Field: "award_id", Severity: SeverityError, Disposition: DispositionStrict},
	})

	out1 := v.Validate(map[string]string{"award_id": "A-9"})
	if out1.Severity != SeverityOK {
		t.Fatalf("first occurrence severity = %v, want OK", out1.Severity)
	}

	out2 := v.Validate(map[string]string{"award_id": "A-9"})
	if out2.Severity != SeverityError {
		t.Fatalf("duplicate severity = %v, want ERROR", out2.Severity)
	}
	if len(out2.Findings) != 1 || out2.Findings[0].RuleName != "award_id_unique" {
		t.Fatalf("unexpected findings: %+v", out2.Findings)
	}
}

func TestFormatRuleSupplierID(t *testing.T) {
	v := NewValidator([]Rule{
		{Name: "supplier_id_format", Kind: RuleFormat, Field: "supplier_id", Severity: SeverityWarn, Pattern: SupplierIDPattern},
	})

	if out := v.Validate(map[string]string{"supplier_id": "ABCDE12345678"}); out.Severity != SeverityOK {
		t.Errorf("valid 13-char id severity = %v, want OK", out.Severity)
	}
	if out := v.Validate(map[string]string{"supplier_id": "short"}); out.Severity != SeverityWarn {
		t.Errorf("invalid id severity = %v, want WARN", out.Severity)
	}
}

func TestRangeRuleNumeric(t *testing.T) {
	maxAmount := 500000.0
	v := NewValidator([]Rule{
		{Name: "amount_range", Kind: RuleRange, Field: "amount", Severity: SeverityError, MaxValue: &maxAmount},
	})

	if out := v.Validate(map[string]string{"amount": "100000"}); out.Severity != SeverityOK {
		t.Errorf("within range severity = %v, want OK", out.Severity)
	}
	if out := v.Validate(map[string]string{"amount": "999999"}); out.Severity != SeverityError {
		t.Errorf("over max severity = %v, want ERROR", out.Severity)
	}
}

func TestCompletenessRuleAccumulates(t *testing.T) {
	v := NewValidator([]Rule{
		{Name: "naics_completeness", Kind: RuleCompleteness, Field: "naics", Severity: SeverityWarn, MinNonNullFraction: 0.8},
	})

	for i := 0; i < 7; i++ {
		v.Validate(map[string]string{"naics": "541330"})
	}
	out := v.Validate(map[string]string{"naics": ""})
	if out.Severity != SeverityOK {
		t.Fatalf("fraction still above threshold, severity = %v, want OK", out.Severity)
	}

	out2 := v.Validate(map[string]string{"naics": ""})
	if out2.Severity != SeverityWarn {
		t.Fatalf("fraction dropped below threshold, severity = %v, want WARN", out2.Severity)
	}
}

func TestPhaseIICapRule(t *testing.T) {
	v := NewValidator([]Rule{PhaseIICapRule("phase_ii_cap", 1800000)})

	ok := v.Validate(map[string]string{"phase": "II", "amount": "1500000"})
	if ok.Severity != SeverityOK {
		t.Errorf("under cap severity = %v, want OK", ok.Severity)
	}

	bad := v.Validate(map[string]string{"phase": "II", "amount": "2000000"})
	if bad.Severity != SeverityError {
		t.Errorf("over cap severity = %v, want ERROR", bad.Severity)
	}

	phaseOne := v.Validate(map[string]string{"phase": "I", "amount": "5000000"})
	if phaseOne.Severity != SeverityOK {
		t.Errorf("phase I exempt from cap, severity = %v, want OK", phaseOne.Severity)
	}
}
