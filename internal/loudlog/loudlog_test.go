package loudlog

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// memStore is an in-memory objectStore.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}}
}

func (m *memStore) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.objects[aws.ToString(in.Key)] = data
	m.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (m *memStore) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := aws.ToString(in.Prefix)
	var keys []string
	for k := range m.objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	// Two keys per page to exercise continuation.
	start := 0
	if in.ContinuationToken != nil {
		start = slices.Index(keys, aws.ToString(in.ContinuationToken))
	}
	end := min(start+2, len(keys))
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(keys[end])
	}
	return out, nil
}

func (m *memStore) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	delete(m.objects, aws.ToString(in.Key))
	m.mu.Unlock()
	return &s3.DeleteObjectOutput{}, nil
}

func (m *memStore) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.objects {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func readRecords(t *testing.T, path string) []Record {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = f.Close() }()
	var out []Record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("decode: %v", err)
		}
		out = append(out, r)
	}
	return out
}

func tick(t time.Time, lufs, tp float64) Record {
	return Record{Time: t, LUFS: lufs, VUDB: -6, PeakDB: tp - 1, TruePeakDB: tp, Clips: 1}
}

func TestLogger_AggregatesInterval(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(Config{Dir: dir, Interval: time.Second}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.Local)
	for i, tp := range []float64{-6, -2, -9} {
		if err := l.Observe(tick(base.Add(time.Duration(i)*400*time.Millisecond), -20-float64(i), tp)); err != nil {
			t.Fatal(err)
		}
	}
	// Interval elapsed on this tick.
	if err := l.Observe(tick(base.Add(1200*time.Millisecond), -30, -12)); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	recs := readRecords(t, filepath.Join(dir, FileName(base)))
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	r := recs[0]
	if r.TruePeakDB != -2 {
		t.Errorf("TruePeakDB = %v, want interval max -2", r.TruePeakDB)
	}
	if r.LUFS != -30 {
		t.Errorf("LUFS = %v, want last tick -30", r.LUFS)
	}
	if r.Clips != 4 {
		t.Errorf("Clips = %d, want 4", r.Clips)
	}

	if err := l.Observe(tick(base, -20, -3)); err != ErrClosed {
		t.Errorf("Observe after Close = %v, want ErrClosed", err)
	}
}

func TestLogger_RotatesHourlyAndUploads(t *testing.T) {
	dir := t.TempDir()
	store := newMemStore()
	archive := &Archive{client: store, bucket: "b", prefix: "station"}

	var mu sync.Mutex
	var uploaded []string
	l, err := NewLogger(Config{Dir: dir, Interval: time.Second}, archive, func(file, key string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			t.Errorf("upload %s: %v", file, err)
		}
		uploaded = append(uploaded, key)
	})
	if err != nil {
		t.Fatal(err)
	}

	first := time.Date(2026, 5, 1, 10, 59, 58, 0, time.Local)
	for i := range 5 {
		if err := l.Observe(tick(first.Add(time.Duration(i)*time.Second), -23, -6)); err != nil {
			t.Fatal(err)
		}
	}
	if want := filepath.Join(dir, FileName(first.Add(2*time.Second))); l.CurrentFile() != want {
		t.Errorf("CurrentFile = %q, want %q", l.CurrentFile(), want)
	}

	file := <-l.uploads
	if file != filepath.Join(dir, FileName(first)) {
		t.Errorf("queued %q", file)
	}
	l.upload(context.Background(), file)

	mu.Lock()
	defer mu.Unlock()
	want := "station/loudness/" + FileName(first)
	if len(uploaded) != 1 || uploaded[0] != want {
		t.Errorf("uploaded = %v, want [%s]", uploaded, want)
	}
	if keys := store.keys(); len(keys) != 1 || keys[0] != want {
		t.Errorf("store keys = %v", keys)
	}
	_ = l.Close()
}

func TestLogger_CleanupLocal(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(Config{Dir: dir, Interval: time.Second, RetentionDays: 7}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = l.Close() }()

	now := time.Date(2026, 5, 20, 12, 0, 0, 0, time.Local)
	old := filepath.Join(dir, FileName(now.AddDate(0, 0, -10)))
	recent := filepath.Join(dir, FileName(now.AddDate(0, 0, -2)))
	other := filepath.Join(dir, "notes-2020-01-01.txt")
	for _, p := range []string{old, recent, other} {
		if err := os.WriteFile(p, []byte("{}\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	n, err := l.CleanupLocal(now.AddDate(0, 0, -7))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("old log survived")
	}
	for _, p := range []string{recent, other} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("%s removed: %v", filepath.Base(p), err)
		}
	}
}

func TestArchive_CleanupPaginates(t *testing.T) {
	store := newMemStore()
	a := &Archive{client: store, bucket: "b"}
	for _, day := range []string{"2026-01-01", "2026-01-02", "2026-01-03", "2026-03-01", "2026-03-02"} {
		store.objects["loudness/loudness-"+day+"-10.jsonl"] = []byte("{}")
	}
	store.objects["elsewhere/loudness-2020-01-01-00.jsonl"] = []byte("{}")

	n, err := a.Cleanup(context.Background(), time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("deleted %d, want 3", n)
	}
	want := []string{"elsewhere/loudness-2020-01-01-00.jsonl", "loudness/loudness-2026-03-01-10.jsonl", "loudness/loudness-2026-03-02-10.jsonl"}
	if got := store.keys(); !slices.Equal(got, want) {
		t.Errorf("keys = %v, want %v", got, want)
	}
}

func TestNewLogger_Validates(t *testing.T) {
	if _, err := NewLogger(Config{Interval: time.Second}, nil, nil); err == nil {
		t.Error("empty dir accepted")
	}
	if _, err := NewLogger(Config{Dir: t.TempDir()}, nil, nil); err == nil {
		t.Error("zero interval accepted")
	}
}

func TestS3Config_IsConfigured(t *testing.T) {
	c := &S3Config{Bucket: "b", AccessKeyID: "k"}
	if c.IsConfigured() {
		t.Error("missing secret reported configured")
	}
	c.SecretAccessKey = "s"
	if !c.IsConfigured() {
		t.Error("complete config reported unconfigured")
	}
	if _, err := NewArchive(&S3Config{}); err == nil {
		t.Error("NewArchive accepted empty config")
	}
}

func TestFileDate(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.Local)
	got, ok := fileDate(FileName(at))
	if !ok || !got.Equal(at) {
		t.Errorf("fileDate(%q) = %v, %v; want %v", FileName(at), got, ok, at)
	}
	for _, name := range []string{"meter.jsonl", "loudness-2026-03-14.jsonl", "notes-2026-03-14-09.jsonl", "loudness-2026-03-14-09.txt"} {
		if _, ok := fileDate(name); ok {
			t.Errorf("fileDate(%q) accepted", name)
		}
	}
}

func TestNewLogger_RejectsTraversal(t *testing.T) {
	dir := t.TempDir() + "/../escape"
	if _, err := NewLogger(Config{Dir: dir, Interval: time.Second}, nil, nil); err == nil {
		t.Errorf("directory %q accepted", dir)
	}
}
