package events_test

import (
	"catalogcore/internal/core"
	"catalogcore/internal/infra/events"
	"catalogcore/internal/infra/observability"
	"catalogcore/internal/infra/persistence/memory"
	"catalogcore/pkg/domain"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type applierFunc func(ctx context.Context, studyUID int64, release int) (int64, error)

func (f applierFunc) ApplyReleaseEvent(ctx context.Context, studyUID int64, release int) (int64, error) {
	return f(ctx, studyUID, release)
}

func testLogger() (*observability.Logger, *observer.ObservedLogs) {
	obs, logs := observer.New(zap.DebugLevel)
	return observability.WrapLogger(zap.New(obs)), logs
}

func TestDecodeRejectsIncompleteEvents(t *testing.T) {
	_, err := events.Decode([]byte(`{"studyUid":1}`))
	require.ErrorIs(t, err, events.ErrInvalidEvent)
	_, err = events.Decode([]byte(`not json`))
	require.ErrorIs(t, err, events.ErrInvalidEvent)

	ev, err := events.Decode([]byte(`{"studyUid":4,"release":2}`))
	require.NoError(t, err)
	assert.Equal(t, events.ReleaseEvent{StudyUID: 4, Release: 2}, ev)
}

func TestHandleAppliesEventWithDeadline(t *testing.T) {
	log, logs := testLogger()
	var got events.ReleaseEvent
	applier := applierFunc(func(ctx context.Context, studyUID int64, release int) (int64, error) {
		_, ok := ctx.Deadline()
		assert.True(t, ok)
		got = events.ReleaseEvent{StudyUID: studyUID, Release: release}
		return 5, nil
	})
	sub := events.NewSubscriber(applier, log, events.Options{Subject: "catalog.release.advanced", HandlerTimeout: time.Second})

	raw, err := events.Encode(events.ReleaseEvent{StudyUID: 9, Release: 3})
	require.NoError(t, err)
	require.NoError(t, sub.Handle(context.Background(), &nats.Msg{Subject: "catalog.release.advanced", Data: raw}))
	assert.Equal(t, events.ReleaseEvent{StudyUID: 9, Release: 3}, got)

	handled, failed := sub.Stats()
	assert.Equal(t, int64(1), handled)
	assert.Zero(t, failed)
	assert.Equal(t, 1, logs.FilterMessage("release applied").Len())
}

func TestHandleCountsFailures(t *testing.T) {
	log, logs := testLogger()
	boom := errors.New("boom")
	sub := events.NewSubscriber(applierFunc(func(context.Context, int64, int) (int64, error) {
		return 0, boom
	}), log, events.Options{})

	err := sub.Handle(context.Background(), &nats.Msg{Data: []byte(`{"studyUid":1,"release":1}`)})
	require.ErrorIs(t, err, boom)
	err = sub.Handle(context.Background(), &nats.Msg{Data: []byte(`{}`)})
	require.ErrorIs(t, err, events.ErrInvalidEvent)

	handled, failed := sub.Stats()
	assert.Zero(t, handled)
	assert.Equal(t, int64(2), failed)
	assert.Equal(t, 2, logs.FilterMessage("release event rejected").Len())
}

func TestHandleTagsCatalogVersions(t *testing.T) {
	ctx := context.Background()
	catalog := core.New(memory.NewStore())
	require.NoError(t, catalog.RegisterStudy(ctx, domain.Study{UID: 2, ID: "s", Release: 1, Owner: "o"}))
	scope := core.Scope{StudyUID: 2, Viewer: "o"}
	_, err := catalog.Samples().Insert(ctx, scope, domain.Sample{Base: domain.Base{ID: "S1"}})
	require.NoError(t, err)

	log, _ := testLogger()
	sub := events.NewSubscriber(catalog, log, events.Options{})
	require.NoError(t, sub.Handle(ctx, &nats.Msg{Data: []byte(`{"studyUid":2,"release":2}`)}))

	got, err := catalog.Samples().Search(ctx, scope, core.NewQuery("snapshot", 2), core.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "S1", got[0].ID)
}

func TestStartRequiresConnection(t *testing.T) {
	log, _ := testLogger()
	sub := events.NewSubscriber(applierFunc(nil), log, events.Options{Subject: "x"})
	require.Error(t, sub.Start(context.Background()))
	require.NoError(t, sub.Close())
}
