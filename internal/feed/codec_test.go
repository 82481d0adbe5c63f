package feed

import (
	"errors"
	"reflect"
	"testing"
)

func TestEntryRoundTrip(t *testing.T) {
	events := []ChangeEvent{
		{
			Article:    "Cats",
			Action:     ActionModify,
			Author:     "alice",
			SourceTime: "2013-05-01 12:00",
			EditSeq:    intp(42),
			Comment:    strp("typo"),
			Diff:       []DiffRecord{{Area: "line 1", Content: `\+new+\`}},
			IngestedAt: 1367409600.123456,
		},
		{Article: "고양이", Action: ActionDelete, Author: "bob", IngestedAt: 1.5},
		{Article: "Dogs", Action: ActionAttach, Comment: strp(""), Diff: []DiffRecord{}},
		{Article: "Quiet", Action: ActionUnknown},
	}

	for _, e := range events {
		entry, err := EncodeEntry(e)
		if err != nil {
			t.Fatalf("encode %q: %v", e.Article, err)
		}
		got, err := DecodeEntry(entry)
		if err != nil {
			t.Fatalf("decode %q: %v", e.Article, err)
		}
		if !reflect.DeepEqual(got, e) {
			t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, e)
		}
	}
}

func TestEntryIsAbout(t *testing.T) {
	entry, _ := EncodeEntry(ChangeEvent{Article: "Cat"})
	if !EntryIsAbout(entry, "Cat") {
		t.Error("expected entry to be about Cat")
	}
	if EntryIsAbout(entry, "Ca") {
		t.Error("expected a shorter name not to match")
	}
	if !EntryIsAbout(entry, "") {
		t.Error("expected empty article to match everything")
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, s := range []string{"no separator", "Cat\n{not json"} {
		if _, err := DecodeEntry(s); !errors.Is(err, ErrMalformedEntry) {
			t.Errorf("DecodeEntry(%q): expected ErrMalformedEntry, got %v", s, err)
		}
	}
}

func TestDiffColumn(t *testing.T) {
	s, err := MarshalDiff(nil)
	if err != nil {
		t.Fatal(err)
	}
	diff, err := UnmarshalDiff(s)
	if err != nil || diff != nil {
		t.Errorf("expected nil diff, got %v (%v)", diff, err)
	}

	s, _ = MarshalDiff([]DiffRecord{{Area: "a", Content: "b"}})
	diff, _ = UnmarshalDiff(s)
	if len(diff) != 1 || diff[0].Area != "a" {
		t.Errorf("unexpected diff %v", diff)
	}
}

func TestActionParsing(t *testing.T) {
	if ParseAction("delete") != ActionDelete || ParseAction("bogus") != ActionUnknown {
		t.Error("unexpected ParseAction result")
	}
	icons := map[string]Action{
		"/imgs/diff.png":    ActionModify,
		"/imgs/attach.gif":  ActionAttach,
		"/imgs/deleted.png": ActionDelete,
		"/imgs/new.png":     ActionUnknown,
	}
	for src, want := range icons {
		if got := ActionFromIcon(src); got != want {
			t.Errorf("ActionFromIcon(%q) = %q, want %q", src, got, want)
		}
	}
}
