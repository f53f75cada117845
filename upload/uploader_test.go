package upload

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-objectupload/chunkuploader"
	"github.com/bitrise-io/go-objectupload/objectstore"
	"github.com/bitrise-io/go-objectupload/objectstore/memstore"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBucket = "beats"

// patternReader serves size generated bytes without holding them in memory.
type patternReader struct {
	size int64
}

func patternByte(off int64) byte {
	return byte(off % 251)
}

func (r patternReader) ReadAt(p []byte, off int64) (int, error) {
	if off >= r.size {
		return 0, io.EOF
	}
	n := len(p)
	if int64(n) > r.size-off {
		n = int(r.size - off)
	}
	for i := 0; i < n; i++ {
		p[i] = patternByte(off + int64(i))
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (r patternReader) Size() int64 {
	return r.size
}

func assertPattern(t *testing.T, data []byte, size int64) {
	t.Helper()
	require.Equal(t, size, int64(len(data)))
	for i, b := range data {
		if b != patternByte(int64(i)) {
			t.Fatalf("byte %d = %d, want %d", i, b, patternByte(int64(i)))
		}
	}
}

type recorder struct {
	mu       sync.Mutex
	events   []Event
	progress []int
}

func (r *recorder) onEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) onProgress(p int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p)
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kinds []EventKind
	for _, e := range r.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func (r *recorder) find(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found []Event
	for _, e := range r.events {
		if e.Kind == kind {
			found = append(found, e)
		}
	}
	return found
}

func newTestUploader(store objectstore.Store, config Config) (*Uploader, *[]time.Duration) {
	config.CleanupRetryWait = time.Millisecond
	u := New(store, config, log.NewLogger())
	var waits []time.Duration
	u.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	return u, &waits
}

func newRequest(size int64, path string, rec *recorder) Request {
	req := Request{
		Body:   patternReader{size: size},
		Size:   size,
		Bucket: testBucket,
		Path:   path,
	}
	if rec != nil {
		req.OnEvent = rec.onEvent
		req.OnProgress = rec.onProgress
	}
	return req
}

func chunkKeys(store *memstore.Store) []string {
	var keys []string
	for _, k := range store.Keys() {
		if strings.Contains(k, ".part") {
			keys = append(keys, k)
		}
	}
	return keys
}

func assertIncreasing(t *testing.T, values []int) {
	t.Helper()
	for i := 1; i < len(values); i++ {
		assert.Greater(t, values[i], values[i-1], "progress went from %d to %d", values[i-1], values[i])
	}
}

func TestUpload_WholeFile(t *testing.T) {
	store := memstore.New()
	u, waits := newTestUploader(store, DefaultConfig())
	rec := &recorder{}
	size := int64(10 * units.MiB)

	session, err := u.NewSession(newRequest(size, "tracks/song.mp3", rec))
	require.NoError(t, err)
	assert.False(t, session.Plan().Chunked)
	assert.Equal(t, 80*time.Second, session.Plan().Timeout)
	assert.Equal(t, "audio/mpeg", session.ContentType())

	url, err := session.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, store.PublicURL(testBucket, "tracks/song.mp3"), url)
	assert.Equal(t, []string{"beats/tracks/song.mp3"}, store.Puts())
	assert.Empty(t, *waits)
	assert.Equal(t, StateComplete, session.State())
	assert.Equal(t, url, session.URL())
	assert.Equal(t, size, session.BytesConfirmed())
	assert.Nil(t, session.Chunks())

	obj, ok := store.Get(testBucket, "tracks/song.mp3")
	require.True(t, ok)
	assert.Equal(t, "audio/mpeg", obj.ContentType)
	assertPattern(t, obj.Data, size)

	require.NotEmpty(t, rec.progress)
	assert.Equal(t, 5, rec.progress[0])
	assert.Equal(t, 100, rec.progress[len(rec.progress)-1])
	assertIncreasing(t, rec.progress)
	assert.Equal(t, []EventKind{EventStarted, EventCompleted}, rec.kinds())
}

func TestUpload_WholeFileRetriesExhausted(t *testing.T) {
	store := memstore.New()
	failures := []error{
		errors.New("connection reset by peer"),
		errors.New("connection reset by peer"),
		errors.New("connection reset by peer"),
	}
	var attempts int
	store.BeforePut = func(ctx context.Context, in objectstore.PutInput) error {
		err := failures[attempts]
		attempts++
		return err
	}

	u, waits := newTestUploader(store, DefaultConfig())
	rec := &recorder{}

	session, err := u.NewSession(newRequest(int64(units.MiB), "a.bin", rec))
	require.NoError(t, err)
	_, err = session.Run(context.Background())

	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Same(t, failures[2], netErr.Err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *waits)
	assert.Equal(t, StateFailed, session.State())
	assert.Equal(t, err, session.Err())

	retries := rec.find(EventRetry)
	require.Len(t, retries, 2)
	assert.Equal(t, 1, retries[0].Attempt)
	assert.Equal(t, time.Second, retries[0].Wait)
	assert.Equal(t, 2, retries[1].Attempt)
	assert.Len(t, rec.find(EventFailed), 1)
}

func TestUpload_WholeFileRecovers(t *testing.T) {
	store := memstore.New()
	var attempts int
	store.BeforePut = func(ctx context.Context, in objectstore.PutInput) error {
		attempts++
		if attempts == 1 {
			return &objectstore.HTTPError{Op: "put", StatusCode: 503}
		}
		return nil
	}

	u, waits := newTestUploader(store, DefaultConfig())
	url, err := u.Upload(context.Background(), newRequest(int64(units.MiB), "a.bin", nil))
	require.NoError(t, err)
	assert.NotEmpty(t, url)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, []time.Duration{time.Second}, *waits)
}

func TestUpload_ChunkFailureFailsSession(t *testing.T) {
	store := memstore.New()
	finalPath := "stems/mix.wav"
	failErr := &objectstore.HTTPError{Op: "put", StatusCode: 500, Body: "internal error"}
	store.BeforePut = func(ctx context.Context, in objectstore.PutInput) error {
		if in.Path == chunkuploader.PartPath(finalPath, 7) {
			return failErr
		}
		return nil
	}

	u, _ := newTestUploader(store, DefaultConfig())
	rec := &recorder{}
	req := newRequest(int64(150*units.MiB), finalPath, rec)
	req.LargeAsset = true

	session, err := u.NewSession(req)
	require.NoError(t, err)
	plan := session.Plan()
	require.True(t, plan.Chunked)
	assert.Equal(t, int64(10*units.MiB), plan.ChunkSize)
	assert.Equal(t, 15, plan.ChunkCount)
	assert.Equal(t, 2, plan.Concurrency)

	_, err = session.Run(context.Background())

	var chunkErr *ChunkFailedError
	require.ErrorAs(t, err, &chunkErr)
	assert.Equal(t, 7, chunkErr.Index)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 500, httpErr.StatusCode)

	assert.Equal(t, StateFailed, session.State())
	assert.Empty(t, chunkKeys(store), "chunk objects must be removed")
	_, ok := store.Get(testBucket, finalPath)
	assert.False(t, ok)

	chunks := session.Chunks()
	require.Len(t, chunks, 15)
	assert.Equal(t, chunkuploader.ChunkFailed, chunks[7].State)
	done := 0
	for _, c := range chunks[:7] {
		if c.State == chunkuploader.ChunkDone {
			done++
		}
	}
	assert.GreaterOrEqual(t, done, 6, "chunk 7 starts only after six earlier chunks released their slot")
	assert.Empty(t, rec.find(EventCompleted))
	assert.Len(t, rec.find(EventFailed), 1)
}

func TestUpload_ChunkedConcatenates(t *testing.T) {
	store := memstore.New()
	u, _ := newTestUploader(store, DefaultConfig())
	rec := &recorder{}
	size := int64(55*units.MiB) + 12345
	req := newRequest(size, "stems/vocals.wav", rec)

	session, err := u.NewSession(req)
	require.NoError(t, err)
	require.True(t, session.Plan().Chunked, "stems/** is a large asset path")
	assert.Equal(t, 12, session.Plan().ChunkCount)

	url, err := session.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.PublicURL(testBucket, "stems/vocals.wav"), url)

	obj, ok := store.Get(testBucket, "stems/vocals.wav")
	require.True(t, ok)
	assert.Equal(t, "audio/wav", obj.ContentType)
	assertPattern(t, obj.Data, size)

	assert.Empty(t, chunkKeys(store))
	assert.Equal(t, StateComplete, session.State())
	assert.Equal(t, size, session.BytesConfirmed())

	assert.Equal(t, 5, rec.progress[0])
	assert.Contains(t, rec.progress, 95)
	assert.Equal(t, 100, rec.progress[len(rec.progress)-1])
	assertIncreasing(t, rec.progress)

	assert.Len(t, rec.find(EventFirstChunk), 1)
	half := rec.find(EventHalfChunks)
	require.Len(t, half, 1)
	assert.Equal(t, 6, half[0].ChunksDone)
	assert.Equal(t, 12, half[0].ChunkCount)
	assert.Len(t, rec.find(EventAllChunks), 1)
	assert.Len(t, rec.find(EventFinalized), 1)
	assert.Equal(t, EventCompleted, rec.kinds()[len(rec.kinds())-1])
}

func TestUpload_FinalizeFirstPart(t *testing.T) {
	store := memstore.New()
	config := DefaultConfig()
	config.FinalizeMode = FinalizeFirstPart
	u, _ := newTestUploader(store, config)
	req := newRequest(int64(60*units.MiB), "mix.zip", nil)
	req.LargeAsset = true

	_, err := u.Upload(context.Background(), req)
	require.NoError(t, err)

	obj, ok := store.Get(testBucket, "mix.zip")
	require.True(t, ok)
	assertPattern(t, obj.Data, int64(5*units.MiB))
	assert.Empty(t, chunkKeys(store))
}

func TestUpload_AssemblyFailure(t *testing.T) {
	store := memstore.New()
	composeErr := &objectstore.HTTPError{Op: "compose", StatusCode: 400}
	store.BeforeCompose = func(ctx context.Context, bucket, dst string, srcs []string) error {
		return composeErr
	}
	u, _ := newTestUploader(store, DefaultConfig())
	req := newRequest(int64(60*units.MiB), "mix.zip", nil)
	req.LargeAsset = true

	session, err := u.NewSession(req)
	require.NoError(t, err)
	_, err = session.Run(context.Background())

	var assemblyErr *AssemblyError
	require.ErrorAs(t, err, &assemblyErr)
	assert.Equal(t, FinalizeConcatenate, assemblyErr.Mode)
	assert.ErrorIs(t, err, composeErr)
	assert.Equal(t, StateFailed, session.State())
	assert.Empty(t, chunkKeys(store))
}

func TestUpload_CleanupWarningDoesNotFailUpload(t *testing.T) {
	store := memstore.New()
	stuck := chunkuploader.PartPath("mix.zip", 1)
	var deleteAttempts int
	store.BeforeDelete = func(ctx context.Context, bucket, path string) error {
		if path == stuck {
			deleteAttempts++
			return errors.New("permission denied")
		}
		return nil
	}

	config := DefaultConfig()
	config.CleanupRetries = 1
	u, _ := newTestUploader(store, config)
	rec := &recorder{}
	req := newRequest(int64(60*units.MiB), "mix.zip", rec)
	req.LargeAsset = true

	url, err := u.Upload(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, url)

	assert.Equal(t, 2, deleteAttempts)
	assert.Equal(t, []string{testBucket + "/" + stuck}, chunkKeys(store))

	warnings := rec.find(EventCleanupWarning)
	require.Len(t, warnings, 1)
	var warning *CleanupWarning
	require.ErrorAs(t, warnings[0].Err, &warning)
	assert.Equal(t, []string{stuck}, warning.Paths)
	assert.Len(t, rec.find(EventCompleted), 1)
}

func TestUpload_Cancelled(t *testing.T) {
	store := memstore.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store.BeforePut = func(putCtx context.Context, in objectstore.PutInput) error {
		if in.Path == chunkuploader.PartPath("mix.zip", 3) {
			cancel()
			<-putCtx.Done()
			return putCtx.Err()
		}
		return nil
	}

	u, _ := newTestUploader(store, DefaultConfig())
	req := newRequest(int64(60*units.MiB), "mix.zip", nil)
	req.LargeAsset = true

	session, err := u.NewSession(req)
	require.NoError(t, err)
	_, err = session.Run(ctx)

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, session.State())
	assert.Empty(t, chunkKeys(store), "cleanup must run after cancellation")
	_, ok := store.Get(testBucket, "mix.zip")
	assert.False(t, ok)

	assert.Equal(t, chunkuploader.ChunkFailed, session.Chunks()[3].State)
}

func TestUpload_CancelledDuringBackoff(t *testing.T) {
	store := memstore.New()
	store.BeforePut = func(ctx context.Context, in objectstore.PutInput) error {
		return errors.New("connection refused")
	}
	u, _ := newTestUploader(store, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	u.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	session, err := u.NewSession(newRequest(int64(units.MiB), "a.bin", nil))
	require.NoError(t, err)
	_, err = session.Run(ctx)

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, session.State())
}

func TestUpload_Validation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(r *Request)
		field  string
	}{
		{name: "empty bucket", modify: func(r *Request) { r.Bucket = "" }, field: "bucket"},
		{name: "empty path", modify: func(r *Request) { r.Path = "" }, field: "path"},
		{name: "absolute path", modify: func(r *Request) { r.Path = "/a.mp3" }, field: "path"},
		{name: "folder path", modify: func(r *Request) { r.Path = "beats/" }, field: "path"},
		{name: "parent segment", modify: func(r *Request) { r.Path = "a/../b.mp3" }, field: "path"},
		{name: "empty segment", modify: func(r *Request) { r.Path = "a//b.mp3" }, field: "path"},
		{name: "nil body", modify: func(r *Request) { r.Body = nil }, field: "body"},
		{name: "empty file", modify: func(r *Request) { r.Size = 0 }, field: "size"},
		{name: "audio to covers", modify: func(r *Request) { r.Bucket = "covers" }, field: "content_type"},
		{name: "explicit non image type to avatars", modify: func(r *Request) {
			r.Bucket = "avatars"
			r.Path = "me.png"
			r.ContentType = "application/pdf"
		}, field: "content_type"},
		{name: "oversized cover", modify: func(r *Request) {
			r.Bucket = "covers"
			r.Path = "cover.jpg"
			r.Size = 5*units.MiB + 1
			r.Body = patternReader{size: r.Size}
		}, field: "size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memstore.New()
			u, _ := newTestUploader(store, DefaultConfig())
			req := newRequest(1024, "a.mp3", nil)
			tt.modify(&req)

			_, err := u.Upload(context.Background(), req)

			var validationErr *ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, tt.field, validationErr.Field)
			assert.Empty(t, store.Puts())
		})
	}
}

func TestUpload_BucketRules(t *testing.T) {
	store := memstore.New()
	u, _ := newTestUploader(store, DefaultConfig())

	size := int64(5 * units.MiB)
	req := newRequest(size, "cover.png", nil)
	req.Bucket = "covers"
	_, err := u.Upload(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"covers/cover.png"}, store.Puts())

	u, _ = newTestUploader(store, Config{BucketRules: map[string]BucketRule{}})
	req = newRequest(1024, "clip.mp3", nil)
	req.Bucket = "avatars"
	_, err = u.Upload(context.Background(), req)
	require.NoError(t, err)
}

func TestNew_ZeroConfigUsesDefaults(t *testing.T) {
	store := memstore.New()
	var attempts int
	store.BeforePut = func(ctx context.Context, in objectstore.PutInput) error {
		attempts++
		return errors.New("connection reset by peer")
	}

	u := New(store, Config{}, log.NewLogger())
	assert.Equal(t, DefaultConfig(), u.config)

	var waits []time.Duration
	u.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}

	_, err := u.Upload(context.Background(), newRequest(1024, "a.bin", nil))
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, waits)
}

func TestUpload_ExistingURL(t *testing.T) {
	store := memstore.New()
	u, _ := newTestUploader(store, DefaultConfig())

	url, err := u.Upload(context.Background(), Request{ExistingURL: "https://cdn.example.com/beats/a.mp3"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/beats/a.mp3", url)
	assert.Empty(t, store.Puts())

	_, err = u.Upload(context.Background(), Request{ExistingURL: "data:audio/mpeg;base64,AAAA"})
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)

	_, err = u.Upload(context.Background(), Request{ExistingURL: "a.mp3"})
	require.ErrorAs(t, err, &validationErr)
}

func TestUploader_DeleteByURL(t *testing.T) {
	store := memstore.New()
	u, _ := newTestUploader(store, DefaultConfig())

	url, err := u.Upload(context.Background(), newRequest(1024, "covers/a.png", nil))
	require.NoError(t, err)
	require.NoError(t, u.DeleteByURL(context.Background(), testBucket, url))
	_, ok := store.Get(testBucket, "covers/a.png")
	assert.False(t, ok)

	_, err = u.Upload(context.Background(), newRequest(1024, "b.mp3", nil))
	require.NoError(t, err)
	require.NoError(t, u.DeleteByURL(context.Background(), testBucket, "https://elsewhere.example.com/x/y/b.mp3"))
	_, ok = store.Get(testBucket, "b.mp3")
	assert.False(t, ok)

	err = u.DeleteByURL(context.Background(), testBucket, "https://elsewhere.example.com/")
	var validationErr *ValidationError
	assert.ErrorAs(t, err, &validationErr)
}

func TestUploader_GlobalEvents(t *testing.T) {
	store := memstore.New()
	u, _ := newTestUploader(store, DefaultConfig())
	rec := &recorder{}
	u.Events = rec.onEvent

	_, err := u.Upload(context.Background(), newRequest(1024, "a.mp3", nil))
	require.NoError(t, err)

	kinds := rec.kinds()
	assert.Equal(t, []EventKind{EventStarted, EventCompleted}, kinds)
	e := rec.find(EventCompleted)[0]
	assert.NotEmpty(t, e.SessionID)
	assert.Equal(t, testBucket, e.Bucket)
	assert.Equal(t, int64(1024), e.Size)
}

func TestSession_RunOnce(t *testing.T) {
	u, _ := newTestUploader(memstore.New(), DefaultConfig())
	session, err := u.NewSession(newRequest(1024, "a.mp3", nil))
	require.NoError(t, err)

	_, err = session.Run(context.Background())
	require.NoError(t, err)
	_, err = session.Run(context.Background())
	assert.ErrorIs(t, err, errSessionStarted)
	assert.Equal(t, StateComplete, session.State())
}

func TestSession_TransitionsOnlyForward(t *testing.T) {
	s := &Session{}

	assert.True(t, s.transition(StateActiveTransfer))
	assert.False(t, s.transition(StateInitializing))
	assert.False(t, s.transition(StateActiveTransfer))
	assert.True(t, s.transition(StateFinalizing))

	s.fail(errors.New("boom"))
	assert.Equal(t, StateFailed, s.State())
	assert.False(t, s.transition(StateComplete))

	s.complete("https://example.com/a")
	assert.Equal(t, StateFailed, s.State())
	assert.Empty(t, s.URL())
}

func TestSession_LargeAssetByPattern(t *testing.T) {
	u, _ := newTestUploader(memstore.New(), DefaultConfig())
	size := int64(60 * units.MiB)

	stems, err := u.NewSession(newRequest(size, "stems/a/b.zip", nil))
	require.NoError(t, err)
	assert.True(t, stems.Plan().Chunked)
	assert.True(t, stems.Plan().LargeAsset)
	assert.Len(t, stems.Chunks(), 12)

	beats, err := u.NewSession(newRequest(size, "beats/b.zip", nil))
	require.NoError(t, err)
	assert.False(t, beats.Plan().Chunked)
	assert.Equal(t, StateInitializing, beats.State())
}
