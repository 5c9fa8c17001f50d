package query

import "testing"

type sample struct {
	Name   string   `json:"name"`
	Count  int      `json:"count"`
	Tags   []string `json:"tags"`
}

func TestMatchEquality(t *testing.T) {
	s := sample{Name: "ubuntu.iso", Count: 5}
	ok, err := Match(s, []Criterion{{Field: "name", Op: OpEq, Value: "ubuntu.iso"}})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected match")
	}
}

func TestMatchOrdering(t *testing.T) {
	s := sample{Count: 10}
	ok, err := Match(s, []Criterion{{Field: "count", Op: OpGe, Value: float64(10)}})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected count >= 10 to match")
	}
	ok, err = Match(s, []Criterion{{Field: "count", Op: OpLt, Value: float64(10)}})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected count < 10 to not match")
	}
}

func TestMatchLikeIsCaseSensitiveUnlikeILike(t *testing.T) {
	s := sample{Name: "Debian-Live"}
	ok, _ := Match(s, []Criterion{{Field: "name", Op: OpLike, Value: "debian%"}})
	if ok {
		t.Fatal("expected case-sensitive like to not match")
	}
	ok, _ = Match(s, []Criterion{{Field: "name", Op: OpILike, Value: "debian%"}})
	if !ok {
		t.Fatal("expected case-insensitive ilike to match")
	}
}

func TestMatchLikeSupportsWildcards(t *testing.T) {
	s := sample{Name: "ubuntu-22.04.iso"}
	ok, err := Match(s, []Criterion{{Field: "name", Op: OpLike, Value: "ubuntu-__.%.iso"}})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected wildcard pattern to match")
	}
}

func TestMatchHasChecksSliceMembership(t *testing.T) {
	s := sample{Tags: []string{"linux", "iso"}}
	ok, _ := Match(s, []Criterion{{Field: "tags", Op: OpHas, Value: "iso"}})
	if !ok {
		t.Fatal("expected has to find iso in tags")
	}
	ok, _ = Match(s, []Criterion{{Field: "tags", Op: OpNotHas, Value: "video"}})
	if !ok {
		t.Fatal("expected !has to succeed for missing tag")
	}
}

func TestMatchInList(t *testing.T) {
	s := sample{Name: "b"}
	ok, err := Match(s, []Criterion{{Field: "name", Op: OpIn, Value: []interface{}{"a", "b", "c"}}})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected name to be found in list")
	}
}

func TestMatchUnknownFieldErrors(t *testing.T) {
	s := sample{}
	_, err := Match(s, []Criterion{{Field: "nope", Op: OpEq, Value: "x"}})
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}
