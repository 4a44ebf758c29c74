package worker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mock_codec "github.com/ianktoo/image-converter/internal/codec/mocks"
	"github.com/ianktoo/image-converter/internal/errs"
	"github.com/ianktoo/image-converter/internal/plan"
	"github.com/ianktoo/image-converter/internal/storage"
	"github.com/ianktoo/image-converter/internal/task"
)

type fixture struct {
	registry *task.Registry
	fs       *storage.FS
	codec    *mock_codec.MockCodec
	conv     *Converter
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	fs, err := storage.NewFS(t.TempDir())
	require.NoError(t, err)
	registry := task.NewRegistry(nil)
	c := mock_codec.NewMockCodec(ctrl)
	return &fixture{
		registry: registry,
		fs:       fs,
		codec:    c,
		conv:     NewConverter(registry, fs, c, timeout),
	}
}

func (f *fixture) createTask(t *testing.T, jobs ...plan.Job) task.Task {
	t.Helper()
	key := storage.UploadKey("s1", "up", "photo.jpg")
	_, err := f.fs.Put(key, strings.NewReader("input-bytes"))
	require.NoError(t, err)
	created, err := f.registry.Create(context.Background(), []task.Spec{{
		SessionID: "s1",
		Filename:  "photo.jpg",
		Formats:   []string{"png"},
		Jobs:      jobs,
		InputKey:  key,
		InputSize: 11,
	}})
	require.NoError(t, err)
	return created[0]
}

func job(format, suffix string) plan.Job {
	return plan.Job{Format: format, Target: plan.Target{Keep: true, Suffix: suffix}}
}

func TestConverterCompletesAllOutputs(t *testing.T) {
	f := newFixture(t, time.Second)
	tsk := f.createTask(t, job("png", "original"), job("gif", "original"))

	f.codec.EXPECT().Convert(gomock.Any(), []byte("input-bytes"), job("png", "original")).Return([]byte("png!"), nil)
	f.codec.EXPECT().Convert(gomock.Any(), []byte("input-bytes"), job("gif", "original")).Return([]byte("gif!!"), nil)

	f.conv.Run(context.Background(), tsk.ID)

	got, err := f.registry.Get(tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Nil(t, got.Error)
	require.Len(t, got.OutputPaths, 2)
	assert.Equal(t, []int64{4, 5}, got.OutputSizes)
	assert.Equal(t, []string{"png", "gif"}, got.OutputFormats)
	assert.True(t, strings.HasSuffix(got.OutputPaths[0], "photo_"+tsk.ID[:8]+"_original.png"))

	data, err := f.fs.ReadAll(got.OutputPaths[1])
	require.NoError(t, err)
	assert.Equal(t, "gif!!", string(data))

	exists, _ := f.fs.Exists(tsk.InputKey)
	assert.False(t, exists, "upload is removed once the task is terminal")
}

func TestConverterPartialSuccessFailsTask(t *testing.T) {
	f := newFixture(t, time.Second)
	tsk := f.createTask(t, job("png", "original"), job("gif", "original"), job("bmp", "original"))

	f.codec.EXPECT().Convert(gomock.Any(), gomock.Any(), job("png", "original")).Return([]byte("ok"), nil)
	f.codec.EXPECT().Convert(gomock.Any(), gomock.Any(), job("gif", "original")).Return(nil, errs.ErrCodecFailure)
	f.codec.EXPECT().Convert(gomock.Any(), gomock.Any(), job("bmp", "original")).Return([]byte("ok2"), nil)

	f.conv.Run(context.Background(), tsk.ID)

	got, err := f.registry.Get(tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, errs.KindCodecFailure, got.Error.Kind)
	assert.Contains(t, got.Error.Message, "1 of 3 outputs failed")
	assert.Equal(t, []string{"png", "bmp"}, got.OutputFormats, "successful outputs stay listed")
	assert.Len(t, got.OutputSizes, 2)
}

func TestConverterTimeout(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)
	tsk := f.createTask(t, job("png", "original"))

	release := make(chan struct{})
	defer close(release)
	f.codec.EXPECT().Convert(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ []byte, _ plan.Job) ([]byte, error) {
			<-release
			return []byte("late"), nil
		})

	f.conv.Run(context.Background(), tsk.ID)

	got, err := f.registry.Get(tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, errs.KindTimeout, got.Error.Kind)
	assert.Empty(t, got.OutputPaths)
}

func TestConverterMissingInput(t *testing.T) {
	f := newFixture(t, time.Second)
	tsk := f.createTask(t, job("png", "original"))
	require.NoError(t, f.fs.Delete(tsk.InputKey))

	f.conv.Run(context.Background(), tsk.ID)

	got, _ := f.registry.Get(tsk.ID)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, errs.KindStorageFailure, got.Error.Kind)
}

func TestConverterDiscardsResultsOfErasedSession(t *testing.T) {
	f := newFixture(t, time.Second)
	tsk := f.createTask(t, job("png", "original"))

	f.codec.EXPECT().Convert(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ []byte, _ plan.Job) ([]byte, error) {
			f.registry.BeginErase("s1")
			return []byte("orphan"), nil
		})

	f.conv.Run(context.Background(), tsk.ID)

	key := storage.OutputKey("s1", tsk.ID, plan.OutputName("photo.jpg", tsk.ID, job("png", "original")))
	exists, err := f.fs.Exists(key)
	require.NoError(t, err)
	assert.False(t, exists, "artifact of an erased session must be discarded")

	got, _ := f.registry.Get(tsk.ID)
	assert.Equal(t, task.StatusConverting, got.Status, "no transition is recorded after the fence")
}

func TestConverterSkipsTerminalTask(t *testing.T) {
	f := newFixture(t, time.Second)
	tsk := f.createTask(t, job("png", "original"))
	_, err := f.registry.Apply(context.Background(), tsk.ID, task.Fail(errs.ErrResourceExhausted))
	require.NoError(t, err)

	f.conv.Run(context.Background(), tsk.ID) // no codec call expected

	got, _ := f.registry.Get(tsk.ID)
	assert.Equal(t, errs.KindResourceExhausted, got.Error.Kind)
}
