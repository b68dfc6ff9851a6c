package logtail

import "testing"

func TestParseCombined(t *testing.T) {
	line := `203.0.113.10 - - [10/Oct/2023:13:55:36 -0700] "GET /admin?x=1 HTTP/1.1" 200 512 "-" "Mozilla/5.0"`
	rec, ok := Parse(line, ProfileCombined)
	if !ok {
		t.Fatalf("expected parse to succeed")
	}
	if rec.Addr != "203.0.113.10" || rec.Method != "GET" || rec.Path != "/admin" || rec.Query != "x=1" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Status != 200 || rec.Size != 512 {
		t.Fatalf("unexpected status/size: %+v", rec)
	}
}

func TestParseCombinedDashSize(t *testing.T) {
	line := `198.51.100.20 - - [10/Oct/2023:13:55:36 -0700] "GET / HTTP/1.1" 404 - "-" "curl/7.88"`
	rec, ok := Parse(line, ProfileCombined)
	if !ok {
		t.Fatalf("expected parse to succeed")
	}
	if rec.Size != 0 {
		t.Fatalf("expected dash size to map to zero, got %d", rec.Size)
	}
}

func TestParseCombinedWithDuration(t *testing.T) {
	line := `203.0.113.10 - - [10/Oct/2023:13:55:36 -0700] "POST /api/login HTTP/1.1" 200 128 "-" "Mozilla/5.0" 0.042`
	rec, ok := Parse(line, ProfileCombinedTime)
	if !ok {
		t.Fatalf("expected parse to succeed")
	}
	if !rec.HasDuration || rec.Duration != 0.042 {
		t.Fatalf("unexpected duration: %+v", rec)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, ok := Parse("not a log line", ProfileCombined); ok {
		t.Fatalf("expected garbage line to fail parse")
	}
}

func TestParseBadTimestampFallsBackToNow(t *testing.T) {
	line := `203.0.113.10 - - [garbage] "GET / HTTP/1.1" 200 10 "-" "Mozilla/5.0"`
	rec, ok := Parse(line, ProfileCombined)
	if !ok {
		t.Fatalf("expected parse to succeed despite bad timestamp")
	}
	if rec.Timestamp.IsZero() {
		t.Fatalf("expected fallback timestamp to be set")
	}
}
