package directives

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/engine"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
)

type nopMirror struct{}

func (m *nopMirror) Apply(ctx context.Context, c store.Commit) error { return nil }
func (m *nopMirror) Load(ctx context.Context) ([]*models.MergedEntity, error) {
	return nil, nil
}

type nopNotifier struct{}

func (n *nopNotifier) EntityChanged(ctx context.Context, event events.Type, entity *models.MergedEntity) {
}
func (n *nopNotifier) Alert(ctx context.Context, event events.Type, detail map[string]any) {}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(msg ectologger.EctoLogMessage) {})
}

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	return engine.NewEngine(testLogger(), &nopMirror{}, &nopNotifier{})
}

func ingest(t *testing.T, eng *engine.Engine, sourceID, localID string) {
	t.Helper()
	_, err := eng.Ingest(context.Background(), models.SourceRecord{
		SourceID:    sourceID,
		AdapterType: "test",
		LocalID:     localID,
		Payload:     json.RawMessage(`{}`),
		CapturedAt:  time.Now(),
	})
	require.NoError(t, err)
}

func message(t *testing.T, payload any) *kafka.IncomingMessage {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &kafka.IncomingMessage{
		Key:   "test",
		Value: data,
		Topic: "merge-directives",
	}
}

func TestHandle(t *testing.T) {
	t.Run("applies a link directive", func(t *testing.T) {
		eng := newTestEngine(t)
		ingest(t, eng, "aws_1", "i-1")
		ingest(t, eng, "ad_1", "cn=web")
		h := NewHandler(eng, testLogger())

		msg := message(t, models.MergeRequest{
			Op: models.MergeOpLink,
			Targets: []models.RecordRef{
				{SourceID: "aws_1", LocalID: "i-1"},
				{SourceID: "ad_1", LocalID: "cn=web"},
			},
		})
		require.NoError(t, h.Handle(context.Background(), msg))

		entity, err := eng.FindBySourceRecord(context.Background(), models.RecordRef{SourceID: "aws_1", LocalID: "i-1"})
		require.NoError(t, err)
		assert.Len(t, entity.Records, 2)
	})

	t.Run("applies a tag directive", func(t *testing.T) {
		eng := newTestEngine(t)
		ingest(t, eng, "aws_1", "i-1")
		h := NewHandler(eng, testLogger())

		msg := message(t, models.MergeRequest{
			Op:       models.MergeOpTag,
			Targets:  []models.RecordRef{{SourceID: "aws_1", LocalID: "i-1"}},
			TagOwner: "gui",
			TagName:  "owner",
			TagValue: json.RawMessage(`"infra"`),
		})
		require.NoError(t, h.Handle(context.Background(), msg))

		entity, err := eng.FindBySourceRecord(context.Background(), models.RecordRef{SourceID: "aws_1", LocalID: "i-1"})
		require.NoError(t, err)
		require.Len(t, entity.Tags, 1)
		assert.Equal(t, "owner", entity.Tags[0].Name)
	})

	t.Run("commits malformed payloads", func(t *testing.T) {
		eng := newTestEngine(t)
		h := NewHandler(eng, testLogger())

		msg := &kafka.IncomingMessage{Value: []byte("not json")}
		assert.NoError(t, h.Handle(context.Background(), msg))
	})

	t.Run("commits directives missing required fields", func(t *testing.T) {
		eng := newTestEngine(t)
		h := NewHandler(eng, testLogger())

		msg := message(t, map[string]any{"op": "link"})
		assert.NoError(t, h.Handle(context.Background(), msg))
	})

	t.Run("commits precondition failures", func(t *testing.T) {
		eng := newTestEngine(t)
		ingest(t, eng, "aws_1", "i-1")
		h := NewHandler(eng, testLogger())

		// unlink of a sole record would empty its entity
		msg := message(t, models.MergeRequest{
			Op:      models.MergeOpUnlink,
			Targets: []models.RecordRef{{SourceID: "aws_1", LocalID: "i-1"}},
		})
		assert.NoError(t, h.Handle(context.Background(), msg))
	})

	t.Run("commits directives for unknown records", func(t *testing.T) {
		eng := newTestEngine(t)
		h := NewHandler(eng, testLogger())

		msg := message(t, models.MergeRequest{
			Op: models.MergeOpLink,
			Targets: []models.RecordRef{
				{SourceID: "aws_1", LocalID: "ghost-1"},
				{SourceID: "ad_1", LocalID: "ghost-2"},
			},
		})
		assert.NoError(t, h.Handle(context.Background(), msg))
	})
}
