package convert

import (
	"reflect"
	"testing"
	"unicode/utf8"
)

func TestValidateOrder(t *testing.T) {
	cases := []struct {
		name    string
		order   []int
		pages   int
		wantErr bool
	}{
		{"valid permutation", []int{3, 1, 2}, 3, false},
		{"empty", nil, 3, true},
		{"wrong length", []int{1, 2}, 3, true},
		{"out of range", []int{1, 2, 4}, 3, true},
		{"zero page", []int{0, 1, 2}, 3, true},
		{"duplicate", []int{1, 1, 2}, 3, true},
		{"unknown page count", []int{2, 1}, 0, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateOrder(tc.order, tc.pages)
			if (err != nil) != tc.wantErr {
				t.Fatalf("validateOrder(%v, %d) = %v, wantErr=%v", tc.order, tc.pages, err, tc.wantErr)
			}
		})
	}
}

func TestOutputName(t *testing.T) {
	if got := outputName("job-1", "doc_split.zip"); got != "job-1_doc_split.zip" {
		t.Fatalf("outputName = %q", got)
	}
}

func TestSortByPageNumberOrdersNumerically(t *testing.T) {
	names := []string{
		"doc_page_10.png",
		"doc_page_2.png",
		"doc_page_1.png",
		"doc_page_21.png",
	}
	sortByPageNumber(names)

	want := []string{
		"doc_page_1.png",
		"doc_page_2.png",
		"doc_page_10.png",
		"doc_page_21.png",
	}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("sorted = %v, want %v", names, want)
	}
}

func TestTruncateRunesKeepsMultibyteBoundary(t *testing.T) {
	long := "日本語のとても長い説明文です"
	got := truncateRunes(long, 5)
	if got != "日本語のと" {
		t.Fatalf("truncateRunes = %q", got)
	}
	if !utf8.ValidString(got) {
		t.Fatalf("truncated string is not valid UTF-8: %q", got)
	}

	short := "abc"
	if truncateRunes(short, 5) != "abc" {
		t.Fatal("strings under the limit must be returned unchanged")
	}
}

func TestBaseNameWithoutExt(t *testing.T) {
	cases := map[string]string{
		"report.pdf":      "report",
		"dir/model.ndm2":  "model",
		"no_extension":    "no_extension",
		"archive.tar.gz":  "archive.tar",
		"日本語ファイル.pdf": "日本語ファイル",
	}
	for input, want := range cases {
		if got := baseNameWithoutExt(input); got != want {
			t.Fatalf("baseNameWithoutExt(%q) = %q, want %q", input, got, want)
		}
	}
}
