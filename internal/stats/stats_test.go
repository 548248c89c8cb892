package stats

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newFileRecorder(t *testing.T) (*FileRecorder, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "requests.jsonl")
	r, err := NewFileRecorder(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r, path
}

func TestFileRecorderAppendsJSONLines(t *testing.T) {
	r, path := newFileRecorder(t)

	r.RecordRequest(Request{Provider: "openai", Model: "gpt-4.1", Tier: "MEDIUM", Success: true})
	r.RecordRequest(Request{Provider: "google", Model: "gemini-2.0-flash", Success: false, Error: "rate_limit (HTTP 429)"})

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var lines []Request
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec Request
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		lines = append(lines, rec)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if lines[0].Provider != "openai" || !lines[0].Success {
		t.Errorf("line 0 = %+v", lines[0])
	}
	if lines[1].Error != "rate_limit (HTTP 429)" {
		t.Errorf("line 1 error = %q", lines[1].Error)
	}
}

func TestFileRecorderRotate(t *testing.T) {
	r, path := newFileRecorder(t)
	r.RecordRequest(Request{Provider: "openai"})

	if err := r.Rotate(); err != nil {
		t.Fatal(err)
	}

	rotated := path + "." + time.Now().AddDate(0, 0, -1).Format("2006-01-02")
	if _, err := os.Stat(rotated); err != nil {
		t.Errorf("rotated file missing: %v", err)
	}

	// The fresh log accepts new records.
	r.RecordRequest(Request{Provider: "groq"})
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var rec Request
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Provider != "groq" {
		t.Errorf("provider = %q", rec.Provider)
	}
}

func TestMultiFansOut(t *testing.T) {
	var got []string
	a := recorderFunc(func(r Request) { got = append(got, "a:"+r.Provider) })
	b := recorderFunc(func(r Request) { got = append(got, "b:"+r.Provider) })

	Multi{a, b, Noop{}}.RecordRequest(Request{Provider: "xai"})
	if len(got) != 2 || got[0] != "a:xai" || got[1] != "b:xai" {
		t.Errorf("got %v", got)
	}
}

type recorderFunc func(Request)

func (f recorderFunc) RecordRequest(r Request) { f(r) }
