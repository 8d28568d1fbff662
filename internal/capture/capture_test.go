package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakePage is a scriptable pageSession that counts lifecycle calls.
type fakePage struct {
	navigateErr   error
	settleErr     error
	sectionsErr   error
	screenshotErr error

	sections   []string
	screenshot []byte

	closed int32
}

func (f *fakePage) Navigate(ctx context.Context, url string) error { return f.navigateErr }

func (f *fakePage) WaitSettle(ctx context.Context, d time.Duration) error { return f.settleErr }

func (f *fakePage) SectionTexts(ctx context.Context, selector string) ([]string, error) {
	if f.sectionsErr != nil {
		return nil, f.sectionsErr
	}
	return f.sections, nil
}

func (f *fakePage) Screenshot(ctx context.Context) ([]byte, error) {
	if f.screenshotErr != nil {
		return nil, f.screenshotErr
	}
	return f.screenshot, nil
}

func (f *fakePage) Close() error {
	atomic.AddInt32(&f.closed, 1)
	return nil
}

type fakeLauncher struct {
	page      *fakePage
	launchErr error
	launches  int32
}

func (f *fakeLauncher) launch(ctx context.Context, cfg Config) (pageSession, error) {
	atomic.AddInt32(&f.launches, 1)
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	return f.page, nil
}

func newTestEngine(t *testing.T, fl *fakeLauncher) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ArtifactsDir = t.TempDir()
	cfg.SettleWait = time.Millisecond
	e := NewEngine(cfg, zap.NewNop())
	e.launch = fl.launch
	return e
}

func TestValidationShortCircuit(t *testing.T) {
	fl := &fakeLauncher{page: &fakePage{}}
	e := newTestEngine(t, fl)

	for _, plate := range []string{"", "12", "   ", "ab", "with space", "toolongforaplate"} {
		res := e.Capture(context.Background(), Request{Plate: plate})
		assert.Equal(t, "error", res.Status, "plate %q", plate)
		assert.Equal(t, FailValidation, res.ErrorKind, "plate %q", plate)
	}

	assert.Zero(t, atomic.LoadInt32(&fl.launches), "validation failures must not acquire a browser")
}

func TestValidationNormalizesPlate(t *testing.T) {
	fl := &fakeLauncher{page: &fakePage{screenshot: []byte("png")}}
	e := newTestEngine(t, fl)

	res := e.Capture(context.Background(), Request{Plate: " abc123 "})
	require.True(t, res.Succeeded())
	assert.Equal(t, "ABC123", res.Plate)
	assert.Contains(t, res.URL, "numDocPlacaProp=ABC123")
}

func TestFaultMappingIsExhaustiveAndExclusive(t *testing.T) {
	boom := errors.New("chrome crashed")

	tests := []struct {
		name      string
		page      *fakePage
		launchErr error
		want      FailureKind
	}{
		{"launch fault", &fakePage{}, boom, FailAutomation},
		{"launch deadline", &fakePage{}, context.DeadlineExceeded, FailTimeout},
		{"navigation fault", &fakePage{navigateErr: boom}, nil, FailAutomation},
		{"navigation deadline", &fakePage{navigateErr: context.DeadlineExceeded}, nil, FailTimeout},
		{"settle deadline", &fakePage{settleErr: context.DeadlineExceeded}, nil, FailTimeout},
		{"extraction fault", &fakePage{sectionsErr: boom}, nil, FailAutomation},
		{"screenshot fault", &fakePage{screenshotErr: boom}, nil, FailAutomation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fl := &fakeLauncher{page: tt.page, launchErr: tt.launchErr}
			e := newTestEngine(t, fl)

			res := e.Capture(context.Background(), Request{Plate: "ABC123"})

			assert.Equal(t, "error", res.Status)
			assert.Equal(t, tt.want, res.ErrorKind)
			assert.Empty(t, res.Sections, "failure must not carry partial evidence")
			assert.Empty(t, res.ScreenshotPath)

			if tt.launchErr == nil {
				assert.Equal(t, int32(1), atomic.LoadInt32(&tt.page.closed),
					"page must be released exactly once")
			}
		})
	}
}

func TestScreenshotWriteFaultMapsToIO(t *testing.T) {
	page := &fakePage{screenshot: []byte("png")}
	fl := &fakeLauncher{page: page}
	e := newTestEngine(t, fl)

	// Point the artifacts dir below a regular file so MkdirAll fails.
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	e.cfg.ArtifactsDir = filepath.Join(blocker, "screenshots")

	res := e.Capture(context.Background(), Request{Plate: "ABC123"})

	assert.Equal(t, "error", res.Status)
	assert.Equal(t, FailIO, res.ErrorKind)
	assert.Empty(t, res.Sections, "IO failure discards extracted text: all or nothing")
	assert.Equal(t, int32(1), atomic.LoadInt32(&page.closed))
}

func TestCaptureSuccess(t *testing.T) {
	page := &fakePage{
		sections:   []string{"Estado\nSin comparendos", "Multas\nTotal a pagar: $0"},
		screenshot: []byte("png-bytes"),
	}
	fl := &fakeLauncher{page: page}
	e := newTestEngine(t, fl)

	res := e.Capture(context.Background(), Request{Plate: "ABC123", RequestedBy: "42"})

	require.True(t, res.Succeeded())
	require.Len(t, res.Sections, 2)
	assert.Equal(t, Section{Label: "Estado", Text: "Sin comparendos"}, res.Sections[0])
	assert.Equal(t, "Multas", res.Sections[1].Label)
	assert.False(t, res.CapturedAt.IsZero())

	data, err := os.ReadFile(res.ScreenshotPath)
	require.NoError(t, err, "screenshot path must exist on disk")
	assert.Equal(t, []byte("png-bytes"), data)

	assert.Equal(t, int32(1), atomic.LoadInt32(&page.closed),
		"page must be released exactly once on success too")
	assert.Equal(t, int32(1), atomic.LoadInt32(&fl.launches))
}

func TestEmptyExtractionIsSuccess(t *testing.T) {
	page := &fakePage{sections: nil, screenshot: []byte("png")}
	fl := &fakeLauncher{page: page}
	e := newTestEngine(t, fl)

	res := e.Capture(context.Background(), Request{Plate: "ABC123"})

	require.True(t, res.Succeeded())
	assert.Empty(t, res.Sections)
	assert.NotEmpty(t, res.ScreenshotPath)
}

func TestScreenshotPathsDoNotCollide(t *testing.T) {
	e := NewEngine(DefaultConfig(), zap.NewNop())

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		p := e.screenshotPath("ABC123", time.Now())
		assert.False(t, seen[p], "duplicate screenshot path %s", p)
		seen[p] = true
	}
}

func TestBlankSectionsDropped(t *testing.T) {
	sections := toSections([]string{"  \n ", "Estado\nSin comparendos", ""})
	require.Len(t, sections, 1)
	assert.Equal(t, "Estado", sections[0].Label)
}
