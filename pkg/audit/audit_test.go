package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruslano69/featurestore/pkg/resilience"
)

func testRecord(id string) Record {
	return NewRecord("parcels", id, DeletionHard, "alice", "duplicate")
}

func TestRecord_Validate(t *testing.T) {
	require.NoError(t, testRecord("1").Validate())

	r := testRecord("1")
	r.DeletionType = "purge"
	assert.Error(t, r.Validate())

	r = testRecord("")
	assert.Error(t, r.Validate())

	r = testRecord("1")
	r.Timestamp = time.Time{}
	assert.Error(t, r.Validate())
}

func TestRecord_TimestampPrecision(t *testing.T) {
	r := testRecord("1")
	assert.Equal(t, r.Timestamp, r.Timestamp.Truncate(time.Microsecond))
	assert.Equal(t, time.UTC, r.Timestamp.Location())
}

func TestSealer_SealVerify(t *testing.T) {
	s, err := NewSealer([]byte("secret"))
	require.NoError(t, err)

	sealed := s.Seal(testRecord("42"))
	require.NotEmpty(t, sealed.Hash)
	require.NoError(t, s.Verify(sealed))

	// Время после чтения из БД может быть в другой зоне
	moved := sealed
	moved.Timestamp = moved.Timestamp.In(time.FixedZone("MSK", 3*3600))
	assert.NoError(t, s.Verify(moved))

	tampered := sealed
	tampered.Actor = "mallory"
	assert.ErrorIs(t, s.Verify(tampered), ErrTampered)

	unsealed := testRecord("42")
	assert.ErrorIs(t, s.Verify(unsealed), ErrTampered)

	other, err := NewSealer([]byte("other"))
	require.NoError(t, err)
	assert.ErrorIs(t, other.Verify(sealed), ErrTampered)
}

func TestSealer_RandomKey(t *testing.T) {
	a, err := NewSealer(nil)
	require.NoError(t, err)
	b, err := NewSealer(nil)
	require.NoError(t, err)

	sealed := a.Seal(testRecord("1"))
	assert.NoError(t, a.Verify(sealed))
	assert.Error(t, b.Verify(sealed))
}

type memAppender struct {
	mu     sync.Mutex
	recs   []Record
	err    error
	closed bool
}

func (m *memAppender) Append(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memAppender) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memAppender) snapshot() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.recs...)
}

func TestMultiAppender_ContinuesAfterFailure(t *testing.T) {
	failing := &memAppender{err: errors.New("boom")}
	ok := &memAppender{}
	ma := NewMultiAppender(failing)
	ma.Add(ok)
	assert.Equal(t, 2, ma.Len())

	err := ma.Append(context.Background(), testRecord("1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Len(t, ok.snapshot(), 1)

	require.NoError(t, ma.Close())
	assert.True(t, failing.closed)
	assert.True(t, ok.closed)
}

func TestGuard_FailsFastWhenOpen(t *testing.T) {
	b, err := resilience.New("mem", resilience.Config{MaxFailures: 2, Cooldown: time.Hour})
	require.NoError(t, err)
	inner := &memAppender{err: errors.New("down")}
	var failed []error
	m := NewMirror(MirrorConfig{OnError: func(_ Record, _ string, err error) { failed = append(failed, err) }}, Guard(inner, b))

	for i := range 3 {
		assert.Error(t, m.Publish(context.Background(), testRecord(string(rune('1'+i)))))
	}
	require.Len(t, failed, 3)
	assert.NotErrorIs(t, failed[1], resilience.ErrOpen)
	assert.ErrorIs(t, failed[2], resilience.ErrOpen)
	assert.Equal(t, resilience.StateOpen, b.State())
	require.NoError(t, m.Close())
	assert.True(t, inner.closed)
}

func TestFileAppender_WritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "deletions.jsonl")
	fa, err := NewFileAppender(FileAppenderConfig{FilePath: path})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, fa.Append(ctx, testRecord("1")))
	require.NoError(t, fa.Append(ctx, testRecord("2")))
	require.NoError(t, fa.Flush())
	require.NoError(t, fa.Close())
	assert.Error(t, fa.Append(ctx, testRecord("3")))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var ids []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		ids = append(ids, r.EntityID)
	}
	assert.Equal(t, []string{"1", "2"}, ids)
}

func TestFileAppender_Rotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deletions.jsonl")
	fa, err := NewFileAppender(FileAppenderConfig{FilePath: path, MaxBackups: 2})
	require.NoError(t, err)
	defer fa.Close()

	// Размер в мегабайтах, для теста уменьшаем напрямую
	fa.maxSize = 200

	for i := 0; i < 6; i++ {
		require.NoError(t, fa.Append(context.Background(), testRecord(strings.Repeat("x", 120))))
	}

	assert.FileExists(t, path)
	assert.FileExists(t, path+".1")
	assert.FileExists(t, path+".2")
	assert.NoFileExists(t, path+".3")
	assert.LessOrEqual(t, fa.CurrentSize(), int64(400))
}

func TestMirror_Sync(t *testing.T) {
	dst := &memAppender{}
	var failures int
	bad := &memAppender{err: errors.New("down")}
	m := NewMirror(MirrorConfig{OnError: func(Record, string, error) { failures++ }}, dst, bad)

	err := m.Publish(context.Background(), testRecord("1"))
	require.Error(t, err)
	assert.Equal(t, 1, failures)
	assert.Len(t, dst.snapshot(), 1)

	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Publish(context.Background(), testRecord("2")), ErrMirrorClosed)
}

func TestMirror_PublishToNamedSink(t *testing.T) {
	file := &memAppender{}
	kafka := &memAppender{err: errors.New("down")}
	redis := &memAppender{err: errors.New("down")}
	var sinks []string
	m := NewMirror(MirrorConfig{OnError: func(_ Record, sink string, _ error) { sinks = append(sinks, sink) }},
		Named("file", file), Named("kafka", kafka), Named("redis", redis))
	defer m.Close()

	ctx := context.Background()
	require.Error(t, m.Publish(ctx, testRecord("1")))
	assert.Equal(t, []string{"kafka", "redis"}, sinks)

	kafka.mu.Lock()
	kafka.err = nil
	kafka.mu.Unlock()
	require.NoError(t, m.PublishTo(ctx, "kafka", testRecord("1")))
	assert.Len(t, kafka.snapshot(), 1)
	assert.Len(t, file.snapshot(), 1, "sink that already accepted the record gets no duplicate")

	assert.ErrorIs(t, m.PublishTo(ctx, "s3", testRecord("1")), ErrUnknownSink)

	b, err := resilience.New("guarded", resilience.Config{MaxFailures: 1, Cooldown: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, "guarded", SinkName(Guard(file, b)))
	assert.Equal(t, "*audit.memAppender", SinkName(file))
}

func TestMirror_AsyncDrainsOnClose(t *testing.T) {
	dst := &memAppender{}
	m := NewMirror(MirrorConfig{AsyncMode: true, BufferSize: 4}, dst)

	for i := 0; i < 50; i++ {
		require.NoError(t, m.Publish(context.Background(), testRecord("1")))
	}
	require.NoError(t, m.Close())
	assert.Len(t, dst.snapshot(), 50)
	assert.True(t, dst.closed)
}

func TestRedisAppender(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	a := NewRedisAppenderWithClient(rdb, RedisConfig{})
	assert.Equal(t, "featurestore:audit:parcels", a.StreamKey("parcels"))

	ctx := context.Background()
	sub := rdb.Subscribe(ctx, a.Channel())
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	rec := testRecord("7")
	require.NoError(t, a.Append(ctx, rec))

	msgs, err := rdb.XRange(ctx, a.StreamKey("parcels"), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "7", msgs[0].Values["entity_id"])
	assert.Equal(t, "hard", msgs[0].Values["deletion_type"])

	select {
	case msg := <-sub.Channel():
		var got Record
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, "7", got.EntityID)
		assert.True(t, rec.Timestamp.Equal(got.Timestamp))
	case <-time.After(2 * time.Second):
		t.Fatal("no pub/sub message")
	}

	// Внешний клиент не закрывается
	require.NoError(t, a.Close())
	assert.NoError(t, rdb.Ping(ctx).Err())
}

func TestKafkaMessage(t *testing.T) {
	rec := testRecord("9")
	msg, err := kafkaMessage(rec)
	require.NoError(t, err)
	assert.Equal(t, "parcels/9", string(msg.Key))
	assert.True(t, rec.Timestamp.Equal(msg.Time))

	var got Record
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, rec.Reason, got.Reason)

	_, err = NewKafkaAppender(KafkaConfig{Topic: "audit"})
	assert.Error(t, err)
	_, err = NewKafkaAppender(KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
}

func TestArchive_RoundTrip(t *testing.T) {
	s, err := NewSealer([]byte("k"))
	require.NoError(t, err)
	recs := []Record{s.Seal(testRecord("1")), s.Seal(testRecord("2"))}

	var buf bytes.Buffer
	require.NoError(t, WriteArchive(&buf, recs))
	got, err := ReadArchive(&buf)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for i := range got {
		assert.Equal(t, recs[i].EntityID, got[i].EntityID)
		assert.NoError(t, s.Verify(got[i]))
	}
}

func TestFileArchiver(t *testing.T) {
	dir := t.TempDir()
	a := &FileArchiver{Dir: dir}
	before := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, a.Archive(context.Background(), "parcels", before, []Record{testRecord("1")}))

	matches, err := filepath.Glob(filepath.Join(dir, "parcels", "before-20240101T000000Z-*.jsonl.zst"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	f, err := os.Open(matches[0])
	require.NoError(t, err)
	defer f.Close()
	got, err := ReadArchive(f)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].EntityID)
}
