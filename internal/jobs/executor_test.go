package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/metasqueeze/internal/artifact"
	"github.com/yourusername/metasqueeze/internal/storage"
	"github.com/yourusername/metasqueeze/internal/transform"
)

type harness struct {
	store   *artifact.Store
	local   *storage.Local
	workDir string
	mr      *miniredis.Miniredis
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	workDir := t.TempDir()
	local, err := storage.NewLocal(t.TempDir(), workDir)
	require.NoError(t, err)
	return &harness{
		store:   artifact.NewStore(client, local),
		local:   local,
		workDir: workDir,
		mr:      mr,
	}
}

func (h *harness) executor(t *testing.T, ts ...transform.Transformation) *Executor {
	t.Helper()
	reg, err := transform.NewRegistry(ts...)
	require.NoError(t, err)
	e, err := NewExecutor(h.store, h.local, reg, nil)
	require.NoError(t, err)
	return e
}

func (h *harness) create(t *testing.T, kind artifact.Kind, name string) *artifact.Artifact {
	t.Helper()
	a, err := h.store.Create(context.Background(), artifact.NewArtifact{
		Kind:         kind,
		OriginalName: name,
		Body:         bytes.NewBufferString("original body"),
	})
	require.NoError(t, err)
	return a
}

func (h *harness) get(t *testing.T, id string) *artifact.Artifact {
	t.Helper()
	a, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return a
}

// countingText は入力を大文字にして書き出す変換で、呼び出し回数を数えます。
func countingText(kind artifact.Kind, calls *int32) transform.Transformation {
	return transform.Transformation{
		Kind:      kind,
		InputExts: []string{"pdf"},
		OutputExt: "txt",
		Run: func(_ context.Context, in, out string) error {
			atomic.AddInt32(calls, 1)
			data, err := os.ReadFile(in)
			if err != nil {
				return err
			}
			return os.WriteFile(out, bytes.ToUpper(data), 0o640)
		},
	}
}

func withRun(kind artifact.Kind, run transform.Func) transform.Transformation {
	return transform.Transformation{Kind: kind, InputExts: []string{"pdf"}, OutputExt: "txt", Run: run}
}

func TestProcessCompletes(t *testing.T) {
	h := newHarness(t)
	var calls int32
	e := h.executor(t, countingText(artifact.KindPDFToText, &calls))
	a := h.create(t, artifact.KindPDFToText, "report.pdf")

	outcome, err := e.Process(context.Background(), a.ID, "task-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	got := h.get(t, a.ID)
	assert.Equal(t, artifact.StatusCompleted, got.Status)
	assert.Equal(t, storage.ConvertedKey(a.ID, "txt"), got.OutputRef)
	require.NotNil(t, got.OutputSize)
	assert.EqualValues(t, len("ORIGINAL BODY"), *got.OutputSize)
	require.NotNil(t, got.OriginalSize)
	assert.EqualValues(t, len("original body"), *got.OriginalSize)
	assert.Empty(t, got.ClaimToken)
	assert.Empty(t, got.ErrorMessage)
	assert.Equal(t, 1, got.Attempts)
	assert.NotNil(t, got.FinishedAt)

	f, _, err := h.store.OpenOutput(got)
	require.NoError(t, err)
	defer f.Close()
	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(f)
	require.NoError(t, err)
	assert.Equal(t, "ORIGINAL BODY", buf.String())

	entries, err := os.ReadDir(h.workDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch dir must be removed")
}

func TestProcessValidationFailureSkipsConverter(t *testing.T) {
	h := newHarness(t)
	var calls int32
	e := h.executor(t, countingText(artifact.KindPDFToWord, &calls))
	a := h.create(t, artifact.KindPDFToWord, "letter.docx")

	outcome, err := e.Process(context.Background(), a.ID, "task-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Zero(t, atomic.LoadInt32(&calls))

	got := h.get(t, a.ID)
	assert.Equal(t, artifact.StatusFailed, got.Status)
	assert.Equal(t, transform.CodeValidation, got.ErrorCode)
	assert.Equal(t, "Invalid input file format for pdf_to_word. Expected: pdf.", got.ErrorMessage)
	assert.Empty(t, got.OutputRef)
}

func TestProcessUnsupportedKind(t *testing.T) {
	h := newHarness(t)
	e := h.executor(t)
	a := h.create(t, artifact.KindWordToPDF, "memo.docx")

	outcome, err := e.Process(context.Background(), a.ID, "task-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	got := h.get(t, a.ID)
	assert.Equal(t, transform.CodeUnsupportedKind, got.ErrorCode)
	assert.Equal(t, "Unsupported conversion type: word_to_pdf", got.ErrorMessage)
}

func TestProcessOutputNotProduced(t *testing.T) {
	h := newHarness(t)
	e := h.executor(t, withRun(artifact.KindPDFToText, func(context.Context, string, string) error {
		return nil
	}))
	a := h.create(t, artifact.KindPDFToText, "report.pdf")

	outcome, err := e.Process(context.Background(), a.ID, "task-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	got := h.get(t, a.ID)
	assert.Equal(t, transform.CodeOutputNotProduced, got.ErrorCode)
	assert.Equal(t, "Conversion failed: Output file not created.", got.ErrorMessage)
}

func TestProcessConverterError(t *testing.T) {
	h := newHarness(t)
	e := h.executor(t, withRun(artifact.KindPDFToText, func(context.Context, string, string) error {
		return errors.New("boom")
	}))
	a := h.create(t, artifact.KindPDFToText, "report.pdf")

	outcome, err := e.Process(context.Background(), a.ID, "task-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	got := h.get(t, a.ID)
	assert.Equal(t, transform.CodeExternalTool, got.ErrorCode)
	assert.Equal(t, "Conversion failed: boom", got.ErrorMessage)
}

func TestProcessTruncatesLongErrors(t *testing.T) {
	h := newHarness(t)
	long := strings.Repeat("é", 400)
	e := h.executor(t, withRun(artifact.KindPDFToText, func(context.Context, string, string) error {
		return errors.New(long)
	}))
	a := h.create(t, artifact.KindPDFToText, "report.pdf")

	_, err := e.Process(context.Background(), a.ID, "task-1")
	require.NoError(t, err)

	got := h.get(t, a.ID)
	assert.Len(t, []rune(got.ErrorMessage), artifact.MaxErrorMessageLen)
	assert.True(t, strings.HasPrefix(got.ErrorMessage, "Conversion failed: "))
}

func TestProcessRecoversPanic(t *testing.T) {
	h := newHarness(t)
	e := h.executor(t, withRun(artifact.KindPDFToText, func(context.Context, string, string) error {
		panic("nil map")
	}))
	a := h.create(t, artifact.KindPDFToText, "report.pdf")

	outcome, err := e.Process(context.Background(), a.ID, "task-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	got := h.get(t, a.ID)
	assert.Equal(t, artifact.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "converter panicked: nil map")
}

func TestProcessMissingArtifactIsDiscarded(t *testing.T) {
	h := newHarness(t)
	e := h.executor(t)

	outcome, err := e.Process(context.Background(), "no-such-id", "task-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDiscarded, outcome)
}

func TestProcessDuplicateDeliveryIsNoop(t *testing.T) {
	h := newHarness(t)
	var calls int32
	e := h.executor(t, countingText(artifact.KindPDFToText, &calls))
	a := h.create(t, artifact.KindPDFToText, "report.pdf")
	ctx := context.Background()

	_, err := e.Process(ctx, a.ID, "task-1")
	require.NoError(t, err)
	before := h.get(t, a.ID)

	outcome, err := e.Process(ctx, a.ID, "task-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	outcome, err = e.Process(ctx, a.ID, "task-2")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	after := h.get(t, a.ID)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Equal(t, 1, after.Attempts)
}

func TestProcessSkipsArtifactClaimedByAnotherWorker(t *testing.T) {
	h := newHarness(t)
	var calls int32
	e := h.executor(t, countingText(artifact.KindPDFToText, &calls))
	a := h.create(t, artifact.KindPDFToText, "report.pdf")
	ctx := context.Background()

	_, err := h.store.Update(ctx, a.ID, func(x *artifact.Artifact) error {
		return x.Claim("task-other", time.Now())
	})
	require.NoError(t, err)

	outcome, err := e.Process(ctx, a.ID, "task-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Zero(t, atomic.LoadInt32(&calls))

	// 同じトークンの再配信は処理を再開する
	outcome, err = e.Process(ctx, a.ID, "task-other")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, 1, h.get(t, a.ID).Attempts)
}

func TestProcessConcurrentDeliveriesReachOneTerminalState(t *testing.T) {
	h := newHarness(t)
	var calls int32
	e := h.executor(t, countingText(artifact.KindPDFToText, &calls))
	a := h.create(t, artifact.KindPDFToText, "report.pdf")

	const workers = 8
	outcomes := make([]Outcome, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o, err := e.Process(context.Background(), a.ID, fmt.Sprintf("task-%d", i))
			assert.NoError(t, err)
			outcomes[i] = o
		}(i)
	}
	wg.Wait()

	completed := 0
	for _, o := range outcomes {
		if o == OutcomeCompleted {
			completed++
		} else {
			assert.Equal(t, OutcomeSkipped, o)
		}
	}
	assert.Equal(t, 1, completed)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	got := h.get(t, a.ID)
	assert.Equal(t, artifact.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestProcessAfterRequeueRunsExactlyOneNewAttempt(t *testing.T) {
	h := newHarness(t)
	var calls int32
	fail := true
	e := h.executor(t, withRun(artifact.KindPDFToText, func(_ context.Context, _, out string) error {
		atomic.AddInt32(&calls, 1)
		if fail {
			return errors.New("tool crashed")
		}
		return os.WriteFile(out, []byte("ok"), 0o640)
	}))
	a := h.create(t, artifact.KindPDFToText, "report.pdf")
	ctx := context.Background()

	outcome, err := e.Process(ctx, a.ID, "task-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	requeued, err := h.store.Update(ctx, a.ID, func(x *artifact.Artifact) error { return x.Requeue() })
	require.NoError(t, err)
	assert.Equal(t, artifact.StatusPending, requeued.Status)
	assert.Empty(t, requeued.ErrorMessage)

	fail = false
	outcome, err = e.Process(ctx, a.ID, "task-2")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	outcome, err = e.Process(ctx, a.ID, "task-2")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)

	got := h.get(t, a.ID)
	assert.Equal(t, 2, got.Attempts)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	assert.Empty(t, got.ErrorCode)
}

func TestProcessDropsResultWhenClaimLost(t *testing.T) {
	h := newHarness(t)
	var id string
	e := h.executor(t, withRun(artifact.KindPDFToText, func(ctx context.Context, _, out string) error {
		// 処理中に管理操作で pending に戻された
		_, err := h.store.Update(ctx, id, func(x *artifact.Artifact) error {
			return x.Recover(time.Now().Add(time.Hour))
		})
		if err != nil {
			return err
		}
		return os.WriteFile(out, []byte("late"), 0o640)
	}))
	a := h.create(t, artifact.KindPDFToText, "report.pdf")
	id = a.ID

	outcome, err := e.Process(context.Background(), a.ID, "task-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeClaimLost, outcome)

	got := h.get(t, a.ID)
	assert.Equal(t, artifact.StatusPending, got.Status)
	assert.Empty(t, got.OutputRef)
}

func TestProcessStoresImageMetadata(t *testing.T) {
	h := newHarness(t)
	e := h.executor(t, transform.Transformation{
		Kind:      artifact.KindImagePNG,
		InputExts: []string{"png"},
		OutputExt: "png",
		Run: func(_ context.Context, _, out string) error {
			return os.WriteFile(out, []byte("png"), 0o640)
		},
		Inspect: func(string) (*artifact.ImageMeta, error) {
			return &artifact.ImageMeta{Width: 640, Height: 480, Format: "PNG", CameraMake: "Canon"}, nil
		},
	})
	a := h.create(t, artifact.KindImagePNG, "photo.png")

	outcome, err := e.Process(context.Background(), a.ID, "task-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	got := h.get(t, a.ID)
	require.NotNil(t, got.Image)
	assert.Equal(t, 640, got.Image.Width)
	assert.Equal(t, "Canon", got.Image.CameraMake)
}

func TestProcessReturnsInfrastructureErrors(t *testing.T) {
	h := newHarness(t)
	e := h.executor(t)
	a := h.create(t, artifact.KindPDFToText, "report.pdf")

	h.mr.SetError("READONLY redis unavailable")
	_, err := e.Process(context.Background(), a.ID, "task-1")
	require.Error(t, err)
	h.mr.SetError("")

	assert.Equal(t, artifact.StatusPending, h.get(t, a.ID).Status)
}

func TestNewExecutorValidatesArguments(t *testing.T) {
	h := newHarness(t)
	reg, err := transform.NewRegistry()
	require.NoError(t, err)

	_, err = NewExecutor(nil, h.local, reg, nil)
	assert.Error(t, err)
	_, err = NewExecutor(h.store, nil, reg, nil)
	assert.Error(t, err)
	_, err = NewExecutor(h.store, h.local, nil, nil)
	assert.Error(t, err)
}
