package uploads

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/breeze-rmm/recorder/internal/config"
)

func TestHTTPStorePostsMultipart(t *testing.T) {
	var got struct {
		fields   map[string]string
		filename string
		body     []byte
		auth     string
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		got.fields = map[string]string{}
		for k, v := range r.MultipartForm.Value {
			got.fields[k] = v[0]
		}
		f, hdr, err := r.FormFile(FileField)
		if err != nil {
			t.Errorf("FormFile: %v", err)
			return
		}
		defer f.Close()
		got.filename = hdr.Filename
		got.body, _ = io.ReadAll(f)
		got.auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	store := NewHTTPStore(srv.URL, "tok", 5*time.Second)
	err := store.Put(context.Background(), Artifact{
		Filename: "Ana_Bo_2026-10-18T09-00-00.webm",
		Data:     []byte("webm-bytes"),
		Meta:     Metadata{TeacherName: "Ana Lima", TeacherEmail: "ana@example.com", RoomID: "r1", Role: "teacher"},
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if got.filename != "Ana_Bo_2026-10-18T09-00-00.webm" || string(got.body) != "webm-bytes" {
		t.Fatalf("file part = %q %q", got.filename, got.body)
	}
	want := map[string]string{"teacherName": "Ana Lima", "teacherEmail": "ana@example.com", "roomId": "r1", "role": "teacher"}
	for k, v := range want {
		if got.fields[k] != v {
			t.Errorf("field %s = %q, want %q", k, got.fields[k], v)
		}
	}
	if got.auth != "Bearer tok" {
		t.Errorf("Authorization = %q", got.auth)
	}
}

func TestHTTPStoreNon2xxIsError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "quota exceeded", http.StatusInsufficientStorage)
	}))
	defer srv.Close()

	err := NewHTTPStore(srv.URL, "", time.Second).Put(context.Background(), Artifact{Filename: "a.webm", Data: []byte("x")})
	var se *RejectedError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *RejectedError", err)
	}
	if se.Code != http.StatusInsufficientStorage || se.Body != "quota exceeded" {
		t.Fatalf("RejectedError = %+v", se)
	}
	if hits.Load() != 1 {
		t.Fatalf("server hit %d times, want 1", hits.Load())
	}
}

func TestHTTPStoreThroughQueue(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	q := NewQueue(NewHTTPStore(srv.URL, "", time.Second), Options{ErrorLinger: time.Minute})
	defer closeQueue(t, q)

	id := q.Enqueue([]byte("x"), "x.webm", Metadata{})
	waitFor(t, "error", func() bool { s, _ := statusOf(q, id); return s == StatusError })
	time.Sleep(50 * time.Millisecond)
	if hits.Load() != 1 {
		t.Fatalf("server hit %d times, want exactly 1", hits.Load())
	}
}

func TestHTTPStoreRequiresURL(t *testing.T) {
	if err := NewHTTPStore("", "", 0).Put(context.Background(), Artifact{}); err == nil {
		t.Fatal("Put without URL should fail")
	}
}

func TestLocalStoreWritesArtifactAndSidecar(t *testing.T) {
	dir := t.TempDir()
	store := NewLocalStore(dir, "lessons")
	meta := Metadata{TeacherName: "Ana", RoomID: "r1"}
	if err := store.Put(context.Background(), Artifact{Filename: "a.webm", Data: []byte("abc"), Meta: meta}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "lessons", "a.webm"))
	if err != nil || string(data) != "abc" {
		t.Fatalf("artifact = %q, %v", data, err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "lessons", "a.webm.json"))
	if err != nil {
		t.Fatalf("sidecar: %v", err)
	}
	var back Metadata
	if err := json.Unmarshal(raw, &back); err != nil || back != meta {
		t.Fatalf("sidecar = %+v, %v", back, err)
	}
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	store := NewLocalStore(t.TempDir(), "")
	if err := store.Put(context.Background(), Artifact{Filename: "../escape.webm", Data: []byte("x")}); err == nil {
		t.Fatal("traversal filename accepted")
	}
}

func TestNewStoreSelectsKind(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(ctx, config.StoreConfig{Kind: config.StoreHTTP, URL: "http://example.invalid"})
	if err != nil || s.Name() != "http" {
		t.Fatalf("http store = %v, %v", s, err)
	}
	s, err = NewStore(ctx, config.StoreConfig{Kind: config.StoreLocal, Dir: t.TempDir()})
	if err != nil || s.Name() != "local" {
		t.Fatalf("local store = %v, %v", s, err)
	}
	if _, err := NewStore(ctx, config.StoreConfig{Kind: "ftp"}); err == nil {
		t.Fatal("unknown kind accepted")
	}
	if _, err := NewStore(ctx, config.StoreConfig{Kind: config.StoreS3}); err == nil {
		t.Fatal("s3 without bucket accepted")
	}
	if _, err := NewStore(ctx, config.StoreConfig{Kind: config.StoreAzure}); err == nil {
		t.Fatal("azure without connection string accepted")
	}
}

func TestS3StoreUsesCustomEndpoint(t *testing.T) {
	var gotPath, gotMeta string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMeta = r.Header.Get("X-Amz-Meta-Roomid")
		io.Copy(io.Discard, r.Body)
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store, err := NewS3Store(context.Background(), config.StoreConfig{
		Kind:            config.StoreS3,
		Bucket:          "lessons",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		Prefix:          "2026",
		AccessKeyID:     "AKID",
		SecretAccessKey: "secret",
	})
	if err != nil {
		t.Fatalf("NewS3Store: %v", err)
	}
	err = store.Put(context.Background(), Artifact{
		Filename:    "a.webm",
		ContentType: "video/webm",
		Data:        []byte("abc"),
		Meta:        Metadata{RoomID: "r1"},
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if gotPath != "/lessons/2026/a.webm" {
		t.Fatalf("path = %q, want path-style key", gotPath)
	}
	if gotMeta != "r1" {
		t.Fatalf("room metadata = %q", gotMeta)
	}
}

func TestObjectKey(t *testing.T) {
	tests := []struct{ prefix, name, want string }{
		{"", "a.webm", "a.webm"},
		{"/lessons/", "a.webm", "lessons/a.webm"},
		{"a/b", "c.webm", "a/b/c.webm"},
	}
	for _, tt := range tests {
		if got := objectKey(tt.prefix, tt.name); got != tt.want {
			t.Errorf("objectKey(%q, %q) = %q, want %q", tt.prefix, tt.name, got, tt.want)
		}
	}
}

func TestMetadataMapSkipsEmpty(t *testing.T) {
	m := Metadata{TeacherName: "Ana", Role: "teacher"}.Map()
	if len(m) != 2 || m["teacherName"] != "Ana" || m["role"] != "teacher" {
		t.Fatalf("Map = %v", m)
	}
}
