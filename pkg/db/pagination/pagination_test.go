package pagination

import "testing"

func TestCursorRoundTripAndInvalidToken(t *testing.T) {
	token, err := EncodeCursor(Cursor{ID: "42", CreatedAt: "2025-01-01T00:00:00Z"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	cursor, err := DecodeCursor(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cursor.ID != "42" {
		t.Fatalf("expected id 42, got %q", cursor.ID)
	}
	if _, err := DecodeCursor("!!!"); err != ErrInvalidPageToken {
		t.Fatalf("expected ErrInvalidPageToken, got %v", err)
	}
}

func TestTrimBuildsNextToken(t *testing.T) {
	rows := []int{1, 2, 3}
	page, info, err := Trim(rows, 2, func(v int) Cursor { return Cursor{ID: string(rune('0' + v))} })
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if len(page) != 2 || !info.HasMore || info.NextPageToken == "" {
		t.Fatalf("unexpected page %v info %+v", page, info)
	}

	page, info, _ = Trim(rows, 5, func(v int) Cursor { return Cursor{} })
	if len(page) != 3 || info.HasMore {
		t.Fatalf("expected final page, got %v %+v", page, info)
	}
}

func TestNormalize(t *testing.T) {
	if got := (Pagination{}).Normalize().PageSize; got != DefaultPageSize {
		t.Fatalf("expected default page size, got %d", got)
	}
	if got := (Pagination{PageSize: 1000}).Normalize().PageSize; got != MaxPageSize {
		t.Fatalf("expected clamp to %d, got %d", MaxPageSize, got)
	}
}
