// Package s3 tests for the object-storage archiver.
package s3

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kimhsiao/tourneysync/internal/archive"
)

// fakeBucket is a path-style S3 endpoint holding objects in memory.
type fakeBucket struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
}

type listResult struct {
	XMLName     xml.Name `xml:"ListBucketResult"`
	Name        string   `xml:"Name"`
	Prefix      string   `xml:"Prefix"`
	KeyCount    int      `xml:"KeyCount"`
	IsTruncated bool     `xml:"IsTruncated"`
	Contents    []struct {
		Key  string `xml:"Key"`
		Size int    `xml:"Size"`
	} `xml:"Contents"`
}

func (f *fakeBucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/"+f.bucket)
	key := strings.TrimPrefix(path, "/")

	switch {
	case r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet && key == "":
		prefix := r.URL.Query().Get("prefix")
		res := listResult{Name: f.bucket, Prefix: prefix}
		var keys []string
		for k := range f.objects {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			res.Contents = append(res.Contents, struct {
				Key  string `xml:"Key"`
				Size int    `xml:"Size"`
			}{k, len(f.objects[k])})
		}
		res.KeyCount = len(keys)
		w.Header().Set("Content-Type", "application/xml")
		xml.NewEncoder(w).Encode(res)
	case r.Method == http.MethodGet:
		body, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `<Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		w.Write(body)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestArchiver(t *testing.T) (*Archiver, *fakeBucket) {
	t.Helper()
	bucket := &fakeBucket{bucket: "archive", objects: make(map[string][]byte)}
	srv := httptest.NewServer(bucket)
	t.Cleanup(srv.Close)

	a, err := New(context.Background(), Config{
		Provider:  ProviderMinIO,
		Bucket:    "archive",
		Endpoint:  srv.URL,
		AccessKey: "test",
		SecretKey: "test",
		Prefix:    "device-1/",
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return a, bucket
}

// TestArchiveRoundTrip verifies records are compressed on upload and decoded on fetch.
func TestArchiveRoundTrip(t *testing.T) {
	a, bucket := newTestArchiver(t)
	ctx := context.Background()

	at := time.Date(2026, 7, 4, 18, 30, 0, 0, time.UTC)
	rec, err := archive.NewRecord(archive.KindDeadLetter, "matches/m1", map[string]interface{}{"reason": "retries exhausted"}, at)
	if err != nil {
		t.Fatalf("NewRecord() failed: %v", err)
	}
	if err := a.Archive(ctx, rec); err != nil {
		t.Fatalf("Archive() failed: %v", err)
	}

	key := a.Key(rec)
	if !strings.HasPrefix(key, "device-1/dead_letter/2026/07/04/matches_m1-") {
		t.Errorf("key = %q", key)
	}
	if strings.Contains(string(bucket.objects[key]), "retries exhausted") {
		t.Error("object body should be compressed")
	}

	got, err := a.Fetch(ctx, key)
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	if got.Subject != "matches/m1" || !strings.Contains(string(got.Body), "retries exhausted") {
		t.Errorf("fetched = %+v", got)
	}

	keys, err := a.List(ctx, archive.KindDeadLetter)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(keys) != 1 || keys[0] != key {
		t.Errorf("List() = %v", keys)
	}
}

// TestConfigResolve verifies provider defaults.
func TestConfigResolve(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		endpoint  string
		region    string
		pathStyle bool
		wantErr   bool
	}{
		{"aws default", Config{Bucket: "b"}, "", "us-east-1", false, false},
		{"r2", Config{Provider: ProviderR2, Bucket: "b", AccountID: "abc"}, "https://abc.r2.cloudflarestorage.com", "auto", false, false},
		{"r2 without account", Config{Provider: ProviderR2, Bucket: "b"}, "", "", false, true},
		{"minio", Config{Provider: ProviderMinIO, Bucket: "b", Endpoint: "minio:9000"}, "http://minio:9000", "us-east-1", true, false},
		{"minio tls", Config{Provider: ProviderMinIO, Bucket: "b", Endpoint: "minio:9000/", UseSSL: true}, "https://minio:9000", "us-east-1", true, false},
		{"missing bucket", Config{}, "", "", false, true},
		{"unknown provider", Config{Provider: "gcs", Bucket: "b"}, "", "", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, pathStyle, err := tt.cfg.resolve()
			if (err != nil) != tt.wantErr {
				t.Fatalf("resolve() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Endpoint != tt.endpoint || got.Region != tt.region || pathStyle != tt.pathStyle {
				t.Errorf("resolve() = %q %q %v", got.Endpoint, got.Region, pathStyle)
			}
		})
	}
}
