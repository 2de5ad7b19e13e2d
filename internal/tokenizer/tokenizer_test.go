package tokenizer

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	v := New([]string{"the", "quick", "fox"})

	ids, err := v.Encode("the quick fox")
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	// Reserved ids occupy 0..2, so "the" = 3, "quick" = 4, "fox" = 5.
	want := []int32{3, 4, 5}
	for i, id := range ids {
		if id != want[i] {
			t.Errorf("ids[%d] = %d, want %d", i, id, want[i])
		}
	}

	if got := v.Decode(ids); got != "the quick fox" {
		t.Errorf("Decode() = %q, want %q", got, "the quick fox")
	}
}

func TestEncodeUnknownWordFails(t *testing.T) {
	v := New([]string{"the"})

	_, err := v.Encode("the unseen")
	if err == nil {
		t.Fatal("Encode() should fail on a vocabulary miss")
	}
	var uerr *UnknownTokenError
	if !errors.As(err, &uerr) {
		t.Fatalf("error = %T, want *UnknownTokenError", err)
	}
	if uerr.Token != "unseen" {
		t.Errorf("UnknownTokenError.Token = %q, want %q", uerr.Token, "unseen")
	}
}

func TestDecodeStopsAtEOS(t *testing.T) {
	v := New([]string{"yes", "no"})

	got := v.Decode([]int32{3, EOSID, 4})
	if got != "yes" {
		t.Errorf("Decode() = %q, want %q (everything after </s> dropped)", got, "yes")
	}
}

func TestDecodeSkipsPadAndOutOfRange(t *testing.T) {
	v := New([]string{"a"})

	got := v.Decode([]int32{PadID, 3, 99, PadID})
	if got != "a" {
		t.Errorf("Decode() = %q, want %q", got, "a")
	}
}

func TestFromCorpusDeterministic(t *testing.T) {
	texts := []string{"b a", "c a"}

	v1 := FromCorpus(texts)
	v2 := FromCorpus([]string{"c a", "b a"})

	if v1.Size() != v2.Size() {
		t.Fatalf("sizes differ: %d vs %d", v1.Size(), v2.Size())
	}
	// Sorted construction: a=3, b=4, c=5 regardless of corpus order.
	ids, err := v1.Encode("a b c")
	if err != nil {
		t.Fatal(err)
	}
	ids2, err := v2.Encode("a b c")
	if err != nil {
		t.Fatal(err)
	}
	for i := range ids {
		if ids[i] != ids2[i] {
			t.Errorf("corpus order changed ids: %v vs %v", ids, ids2)
			break
		}
	}
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vocab.txt")
	if err := os.WriteFile(path, []byte("alpha\n\nbeta\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	v, err := FromFile(path)
	if err != nil {
		t.Fatalf("FromFile() error = %v", err)
	}
	// 3 reserved + alpha + beta; the blank line is skipped.
	if v.Size() != 5 {
		t.Errorf("Size() = %d, want 5", v.Size())
	}
	if _, err := v.Encode("beta"); err != nil {
		t.Errorf("Encode(beta) error = %v", err)
	}
}

func TestReservedIDs(t *testing.T) {
	v := New(nil)
	if v.PadID() != 0 {
		t.Errorf("PadID() = %d, want 0", v.PadID())
	}
	if v.EOSID() != 1 {
		t.Errorf("EOSID() = %d, want 1", v.EOSID())
	}
}
