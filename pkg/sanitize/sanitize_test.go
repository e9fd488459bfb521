package sanitize

import "testing"

func TestText(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{in: "  late   payment ", want: "late payment"},
		{in: "<script>alert(1)</script>fraud", want: "fraud"},
		{in: "<b>duplicate</b> transfer", want: "duplicate transfer"},
		{in: "Tom &amp; Jerry", want: "Tom & Jerry"},
		{in: "", want: ""},
	}
	for _, tc := range cases {
		if got := Text(tc.in); got != tc.want {
			t.Fatalf("Text(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTextNCapsRunes(t *testing.T) {
	if got := TextN("ééééé", 3); got != "ééé" {
		t.Fatalf("expected rune cap, got %q", got)
	}
}
