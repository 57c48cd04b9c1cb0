package carrier

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyDefaults(t *testing.T) {
	c := NewClassifier(nil, nil)

	permanent := []string{"21211", "21610", "21614", "30004", "30005", "30006", "30007", "20005"}
	for _, code := range permanent {
		if c.Classify(code) != ClassPermanent {
			t.Fatalf("expected %s permanent", code)
		}
	}

	transient := []string{"30001", "30003", "14107", "99999", ""}
	for _, code := range transient {
		if c.Classify(code) != ClassTransient {
			t.Fatalf("expected %s transient", code)
		}
	}
}

func TestClassifyCustomCodes(t *testing.T) {
	c := NewClassifier([]string{"40001"}, []string{"40002"})
	if c.Classify("40001") != ClassPermanent {
		t.Fatal("expected custom permanent code")
	}
	if c.Classify("30004") != ClassTransient {
		t.Fatal("custom lists replace the defaults")
	}
}

func TestClassifyError(t *testing.T) {
	c := NewClassifier(nil, nil)

	if c.ClassifyError(fmt.Errorf("send: %w", ErrUnavailable)) != ClassTransient {
		t.Fatal("unavailable should be transient")
	}
	if c.ClassifyError(&APIError{StatusCode: 400, Code: "21211"}) != ClassPermanent {
		t.Fatal("invalid number should be permanent")
	}
	if c.ClassifyError(&APIError{StatusCode: 400}) != ClassPermanent {
		t.Fatal("uncoded 4xx should be permanent")
	}
	if c.ClassifyError(errors.New("weird")) != ClassTransient {
		t.Fatal("unknown errors default to transient")
	}
}
