package fingerprint

import "testing"

func TestBaseHashDeterminism(t *testing.T) {
	a := BaseHash("203.0.113.10", "Mozilla/5.0")
	b := BaseHash("  203.0.113.10 ", "MOZILLA/5.0")
	if a != b {
		t.Fatalf("base hash not invariant under case/whitespace: %s != %s", a, b)
	}
}

func TestBaseHashDiffersFromBehaviorHash(t *testing.T) {
	a := BaseHash("203.0.113.10", "Mozilla/5.0")
	b := BehaviorHash("/a", "GET", 200)
	if a == b {
		t.Fatalf("base and behavior hash collided unexpectedly")
	}
}

func TestNormalizeStripsQueryAndTrailingSlash(t *testing.T) {
	got := Normalize("/admin/users/?sort=asc")
	if got != "/admin/users" {
		t.Fatalf("got %q", got)
	}
}

func TestNormalizeRootUnchanged(t *testing.T) {
	if Normalize("/") != "/" {
		t.Fatalf("root path should not be trimmed to empty")
	}
}

func TestIdentityHashIsOrderIndependent(t *testing.T) {
	a := IdentityHash([]string{"b", "a", "c"})
	b := IdentityHash([]string{"c", "b", "a"})
	if a != b {
		t.Fatalf("identity hash depends on input order: %s != %s", a, b)
	}
}

func TestIdentityHashSingleMemberMatchesSpecExample(t *testing.T) {
	h := BaseHash("192.0.2.5", "curl/7.88")
	root := IdentityHash([]string{h})
	if root != hashHex(h) {
		t.Fatalf("single-member identity hash should equal SHA256(base_hash)")
	}
}

func TestExtractFeaturesClassifiesBotUserAgent(t *testing.T) {
	f := ExtractFeatures("/api/v1/scores/top", "", "curl/8.4.0", 200)
	if !f.IsBot {
		t.Fatal("expected curl user-agent to classify as bot")
	}
	if !f.IsAPIRequest {
		t.Fatal("expected /api/v1/... path to classify as an API request")
	}
	if f.PathDepth != 4 {
		t.Fatalf("expected path depth 4, got %d", f.PathDepth)
	}
}

func TestExtractFeaturesClassifiesBrowserAndError(t *testing.T) {
	f := ExtractFeatures("/", "q=1", "Mozilla/5.0 (Windows NT 10.0)", 500)
	if !f.IsBrowser {
		t.Fatal("expected Mozilla user-agent to classify as browser")
	}
	if !f.HasQueryParams {
		t.Fatal("expected non-empty query string to set HasQueryParams")
	}
	if !f.IsError {
		t.Fatal("expected status 500 to set IsError")
	}
	if f.PathDepth != 0 {
		t.Fatalf("expected root path depth 0, got %d", f.PathDepth)
	}
}
