package sip

import (
	"path/filepath"
	"regexp"
	"testing"
)

var callerIDPattern = regexp.MustCompile(`^[0-9a-f]{40}@mithra$`)
var branchPattern = regexp.MustCompile(`^z9hG4bK[0-9a-f]{16}$`)

func TestLoadOrCreateCallerIDGeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()

	id1, err := LoadOrCreateCallerID(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !callerIDPattern.MatchString(id1) {
		t.Errorf("caller id %q does not match <40 hex>@mithra", id1)
	}

	id2, err := LoadOrCreateCallerID(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id1 != id2 {
		t.Errorf("caller id not stable across calls: %q != %q", id1, id2)
	}

	if _, err := filepath.Abs(dir); err != nil {
		t.Fatalf("unexpected path error: %v", err)
	}
}

func TestGenerateBranchFormat(t *testing.T) {
	b1, err := GenerateBranch()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !branchPattern.MatchString(b1) {
		t.Errorf("branch %q does not match z9hG4bK<16 hex>", b1)
	}

	b2, err := GenerateBranch()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b1 == b2 {
		t.Error("expected a fresh branch token per call")
	}
}

func TestCSeqCounterStrictlyIncreasing(t *testing.T) {
	c := NewCSeqCounter()
	prev := c.Next()
	for i := 0; i < 100; i++ {
		cur := c.Next()
		if cur <= prev {
			t.Fatalf("CSeq not strictly increasing: %d then %d", prev, cur)
		}
		prev = cur
	}
}
