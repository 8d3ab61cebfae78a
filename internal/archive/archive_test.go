package archive

import (
	"testing"

	"github.com/chronoflow/chronoflow/internal/execlog"
)

// TestObjectKey checks the S3 key layout; the upload path itself needs a
// live (or mocked) S3 endpoint and belongs in an integration environment.
func TestObjectKey(t *testing.T) {
	rec := execlog.Record{JobID: "nightly-backup", ExecutionID: "abc-123"}
	got := objectKey(rec)
	want := "nightly-backup/abc-123.log"
	if got != want {
		t.Errorf("objectKey = %q, want %q", got, want)
	}
}
