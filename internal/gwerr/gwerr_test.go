package gwerr

import "testing"

func TestSoftTimeout_MarksSoftDistinctFromTimeout(t *testing.T) {
	soft := SoftTimeout(nil)
	if !soft.Soft {
		t.Fatal("expected SoftTimeout to set Soft = true")
	}
	if soft.Kind != UpstreamTimeout {
		t.Fatalf("expected Kind = UpstreamTimeout, got %s", soft.Kind)
	}

	hard := Timeout(nil)
	if hard.Soft {
		t.Fatal("expected Timeout to leave Soft = false")
	}
	if hard.Kind != UpstreamTimeout {
		t.Fatalf("expected Kind = UpstreamTimeout, got %s", hard.Kind)
	}

	if soft.HTTPStatus != hard.HTTPStatus || soft.Errno != hard.Errno {
		t.Fatal("expected soft and hard timeouts to map to the same client-visible response")
	}
}
