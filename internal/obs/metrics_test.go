package obs

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                            "/",
		"/metrics":                    "/metrics",
		"/v1/documents":               "/v1/documents",
		"/v1/documents/01HX":          "/v1/documents/:id",
		"/v1/documents/01HX/changes":  "/v1/documents/:id/changes",
		"/v1/documents/01HX/ws":       "/v1/documents/:id/ws",
		"/v1/documents/01HX/extra":    "/v1/documents/01HX/extra",
		"/v1/documents/01HX/join?x=1": "/v1/documents/:id/join",
		"/v1/documents/01HX/a/b":      "/v1/documents/01HX/a/b",
		"/v1/auth/token":              "/v1/auth/token",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestRecordBatch(t *testing.T) {
	committed := testutil.ToFloat64(collabBatches.WithLabelValues("committed"))
	empty := testutil.ToFloat64(collabBatches.WithLabelValues("empty"))
	skipped := testutil.ToFloat64(collabChanges.WithLabelValues("skipped"))

	RecordBatch(2, 1)
	RecordBatch(0, 3)

	if got := testutil.ToFloat64(collabBatches.WithLabelValues("committed")) - committed; got != 1 {
		t.Fatalf("committed batches delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collabBatches.WithLabelValues("empty")) - empty; got != 1 {
		t.Fatalf("empty batches delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collabChanges.WithLabelValues("skipped")) - skipped; got != 4 {
		t.Fatalf("skipped changes delta = %v, want 4", got)
	}
}
