// Package testutil provides shared test helpers.
package testutil

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/dnaeon/go-vcr.v2/cassette"
	"gopkg.in/dnaeon/go-vcr.v2/recorder"
)

// VCRClient returns an *http.Client that replays the named cassette
// from testdata/fixtures. Set VCR_MODE=record to re-record against the
// live service. Interactions are matched on method and URL only, so
// cassettes survive request-body churn.
func VCRClient(t *testing.T, cassetteName string) *http.Client {
	t.Helper()

	mode := recorder.ModeReplaying
	if os.Getenv("VCR_MODE") == "record" {
		mode = recorder.ModeRecording
	}

	r, err := recorder.NewAsMode(filepath.Join("testdata", "fixtures", cassetteName), mode, nil)
	if err != nil {
		t.Fatalf("create VCR recorder: %v", err)
	}
	r.SetMatcher(func(req *http.Request, i cassette.Request) bool {
		return req.Method == i.Method && req.URL.String() == i.URL
	})
	t.Cleanup(func() {
		if err := r.Stop(); err != nil {
			t.Errorf("stop VCR recorder: %v", err)
		}
	})

	return &http.Client{Transport: r}
}
