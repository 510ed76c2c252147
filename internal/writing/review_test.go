package writing

import (
	"strings"
	"testing"

	"github.com/finsightlab/finsight/internal/helpers"
)

func TestReviewReplacesUnknownIDs(t *testing.T) {
	r := NewReviewer([]string{"A1", "A2"}, nil)
	out, record := r.Review("Revenue grew. [Ref: Z9]")

	if strings.Contains(out, "Z9") {
		t.Fatalf("unknown id must not survive: %q", out)
	}
	if !strings.Contains(out, "[Ref: A1]") && !strings.Contains(out, "[Ref: A2]") {
		t.Fatalf("expected an allowed replacement: %q", out)
	}
	if len(record.Substitutions) != 1 || record.Substitutions[0].Replaced != "Z9" {
		t.Fatalf("substitution not recorded: %+v", record.Substitutions)
	}
}

func TestReviewNoInsertionWithoutTerminator(t *testing.T) {
	r := NewReviewer([]string{"A1"}, nil)
	out, record := r.Review("See chart below")
	if out != "See chart below" {
		t.Fatalf("line without terminator must pass through: %q", out)
	}
	if len(record.Insertions) != 0 {
		t.Fatalf("no insertion expected: %+v", record.Insertions)
	}
}

func TestReviewDeduplicatesRepeatedIDsOnOneLine(t *testing.T) {
	r := NewReviewer([]string{"A1"}, nil)
	out, _ := r.Review("Margins expanded. [Ref: A1] [Ref: A1]")
	if strings.Count(out, "[Ref: A1]") != 1 {
		t.Fatalf("duplicate citations should collapse to one: %q", out)
	}
}

func TestReviewInsertsFallbackOnUncitedSentence(t *testing.T) {
	r := NewReviewer([]string{"B2", "A1"}, nil)
	out, record := r.Review("Revenue grew twenty percent.")
	if !strings.Contains(out, "[Ref: A1]") {
		t.Fatalf("fallback should be the lexicographically smallest id: %q", out)
	}
	if len(record.Insertions) != 1 || record.Insertions[0].InsertedID != "A1" {
		t.Fatalf("insertion not recorded: %+v", record.Insertions)
	}
}

func TestReviewFallbackPrefersIDWithURL(t *testing.T) {
	index := map[string]helpers.Reference{
		"B2": {ID: "B2", URL: "https://example.com/filing"},
	}
	r := NewReviewer([]string{"A1", "B2"}, index)
	out, _ := r.Review("Margins expanded during the year.")
	if !strings.Contains(out, "[Ref: B2](https://example.com/filing)") {
		t.Fatalf("fallback should prefer the smallest id with a url, linked inline: %q", out)
	}
}

func TestReviewParagraphFlagSuppressesSecondInsertion(t *testing.T) {
	r := NewReviewer([]string{"A1"}, nil)
	out, record := r.Review("First claim here.\nSecond claim here.")
	if len(record.Insertions) != 1 {
		t.Fatalf("only the first uncited sentence of a paragraph gets a citation: %+v", record.Insertions)
	}
	lines := strings.Split(out, "\n")
	if strings.Contains(lines[1], "[Ref:") {
		t.Fatalf("second line should stay untouched: %q", lines[1])
	}
}

func TestReviewHeadingAndBlankLinesResetParagraphFlag(t *testing.T) {
	r := NewReviewer([]string{"A1"}, nil)
	out, record := r.Review("First claim. [Ref: A1]\n\nNew paragraph claim.\n# Heading\nPost-heading claim.")
	if len(record.Insertions) != 2 {
		t.Fatalf("blank line and heading should both reset the flag: %+v", record.Insertions)
	}
	if strings.Contains(out, "# Heading [Ref:") {
		t.Fatal("headings must pass through unchanged")
	}
}

func TestReviewLinkifiesKnownURLs(t *testing.T) {
	index := map[string]helpers.Reference{
		"A1": {ID: "A1", URL: "https://example.com/source"},
	}
	r := NewReviewer([]string{"A1"}, index)
	out, _ := r.Review("Guidance was raised. [Ref: A1]")
	if !strings.Contains(out, "[Ref: A1](https://example.com/source)") {
		t.Fatalf("known url should be linked inline: %q", out)
	}
}

func TestReviewDoesNotDoubleLinkify(t *testing.T) {
	index := map[string]helpers.Reference{
		"A1": {ID: "A1", URL: "https://example.com/source"},
	}
	r := NewReviewer([]string{"A1"}, index)
	out, _ := r.Review("Guidance was raised. [Ref: A1](https://example.com/source)")
	if strings.Count(out, "(https://example.com/source)") != 1 {
		t.Fatalf("already linked citation should stay single: %q", out)
	}
}

func TestReviewOutputNeverCarriesOutOfSetIDs(t *testing.T) {
	r := NewReviewer([]string{"A1", "P-1"}, nil)
	input := "Alpha. [Ref: bogus]\nBeta. [Ref: P-1]\nGamma. [Ref: other] [Ref: A1]"
	out, _ := r.Review(input)
	for _, banned := range []string{"bogus", "other"} {
		if strings.Contains(out, banned) {
			t.Fatalf("out-of-set id %q survived: %q", banned, out)
		}
	}
}

func TestReviewAllowedIDsSorted(t *testing.T) {
	r := NewReviewer([]string{"P-2", "A1", "P-1"}, nil)
	_, record := r.Review("text")
	want := []string{"A1", "P-1", "P-2"}
	for i, id := range want {
		if record.AllowedIDs[i] != id {
			t.Fatalf("allowed ids should be sorted, got %v", record.AllowedIDs)
		}
	}
}
