package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomops/internal/domain"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

type fakeUploader struct {
	keys   []string
	bodies [][]byte
}

func (f *fakeUploader) Upload(_ context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.keys = append(f.keys, *in.Key)
	f.bodies = append(f.bodies, b)
	return &manager.UploadOutput{}, nil
}

func sampleEntry() domain.AuditEntry {
	return domain.AuditEntry{
		Seq:             7,
		Type:            domain.EntryEvent,
		Action:          "entity.joined",
		CorrelationID:   "corr-1",
		Timestamp:       time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC),
		OperatorVersion: "0.1.0",
		SpecVersion:     4,
		Metadata:        domain.JSONMap{"entityId": "bot"},
	}
}

func TestKafkaSinkKeysByCorrelation(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w, topic: "audit"}
	require.NoError(t, sink.Write(context.Background(), sampleEntry()))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "corr-1", string(w.msgs[0].Key))
	var decoded domain.AuditEntry
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, "entity.joined", decoded.Action)

	w.err = errors.New("leader not available")
	assert.ErrorContains(t, sink.Write(context.Background(), sampleEntry()), "kafka produce to audit")
}

func TestNewKafkaSinkValidates(t *testing.T) {
	_, err := NewKafkaSink(KafkaConfig{Topic: "audit"})
	assert.Error(t, err)
	_, err = NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
}

func TestS3SinkObjectKey(t *testing.T) {
	up := &fakeUploader{}
	sink := &S3Sink{bucket: "b", prefix: "ops", uploader: up}
	require.NoError(t, sink.Write(context.Background(), sampleEntry()))
	require.Len(t, up.keys, 1)
	assert.Equal(t, "ops/audit/2024/03/09/corr-1-7.json", up.keys[0])
	assert.Contains(t, string(up.bodies[0]), `"correlationId":"corr-1"`)
}
