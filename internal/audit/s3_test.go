package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prism-analytics/prism/internal/config"
)

type fakePutter struct {
	mu   sync.Mutex
	keys []string
	objs [][]byte
	err  error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	f.keys = append(f.keys, *in.Key)
	f.objs = append(f.objs, body)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakePutter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objs)
}

func lines(b []byte) []LogEntry {
	var out []LogEntry
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		var e LogEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err == nil {
			out = append(out, e)
		}
	}
	return out
}

func TestS3Shipper_FlushesOnClose(t *testing.T) {
	put := &fakePutter{}
	s := newS3Shipper(put, "audit-bucket", "prism/audit", time.Hour)
	s.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }

	require.NoError(t, s.Ship(context.Background(), &LogEntry{Action: ActionLogin, UserID: "u1"}))
	require.NoError(t, s.Ship(context.Background(), &LogEntry{Action: ActionLogout, UserID: "u1"}))
	assert.Equal(t, 0, put.count(), "entries are buffered until flush")

	require.NoError(t, s.Close())
	require.Equal(t, 1, put.count())
	assert.True(t, strings.HasPrefix(put.keys[0], "prism/audit/2026/03/04/20260304T050607Z-"))
	assert.True(t, strings.HasSuffix(put.keys[0], ".jsonl"))

	got := lines(put.objs[0])
	require.Len(t, got, 2)
	assert.Equal(t, ActionLogin, got[0].Action)
	assert.Equal(t, ActionLogout, got[1].Action)
}

func TestS3Shipper_FullBatchUploadsImmediately(t *testing.T) {
	put := &fakePutter{}
	s := newS3Shipper(put, "b", "", time.Hour)
	defer s.Close()

	for i := 0; i < s3BatchSize; i++ {
		require.NoError(t, s.Ship(context.Background(), &LogEntry{Action: "x"}))
	}
	require.Equal(t, 1, put.count())
	assert.Len(t, lines(put.objs[0]), s3BatchSize)
}

func TestS3Shipper_PeriodicFlush(t *testing.T) {
	put := &fakePutter{}
	s := newS3Shipper(put, "b", "", 20*time.Millisecond)
	defer s.Close()

	require.NoError(t, s.Ship(context.Background(), &LogEntry{Action: "tick"}))
	assert.Eventually(t, func() bool { return put.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestS3Shipper_UploadErrorReturnedOnFullBatch(t *testing.T) {
	put := &fakePutter{err: errors.New("access denied")}
	s := newS3Shipper(put, "b", "", time.Hour)
	defer s.Close()

	var err error
	for i := 0; i < s3BatchSize; i++ {
		err = s.Ship(context.Background(), &LogEntry{Action: "x"})
	}
	assert.Error(t, err)
}

func TestNewS3Client_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.AuditS3Config
	}{
		{"missing bucket", config.AuditS3Config{Region: "us-east-1"}},
		{"missing region", config.AuditS3Config{Bucket: "b"}},
		{"static without keys", config.AuditS3Config{Bucket: "b", Region: "us-east-1", AuthMethod: "static"}},
		{"assume role without arn", config.AuditS3Config{Bucket: "b", Region: "us-east-1", AuthMethod: "assume_role"}},
		{"unknown method", config.AuditS3Config{Bucket: "b", Region: "us-east-1", AuthMethod: "magic"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newS3Client(context.Background(), &tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestNewS3Client_StaticWithEndpoint(t *testing.T) {
	client, err := newS3Client(context.Background(), &config.AuditS3Config{
		Bucket:          "b",
		Region:          "us-east-1",
		Endpoint:        "http://localhost:9000",
		AuthMethod:      "static",
		AccessKeyID:     "minio",
		SecretAccessKey: "minio123",
	})
	require.NoError(t, err)
	assert.NotNil(t, client)
}
