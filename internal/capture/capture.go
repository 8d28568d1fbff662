// Package capture drives a headless browser against the Simit portal to
// produce evidence for a plate or document lookup: the visible content
// blocks in page order plus a full-page screenshot persisted to disk.
//
// Capture never returns a Go error. Every outcome is a Result with exactly
// one variant populated: success, or a failure classified as validation,
// timeout, automation or io. The reasoning layer narrates failures to the
// user, so they are data, not exceptions.
package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// FailureKind classifies a failed capture run.
type FailureKind string

const (
	// FailValidation: caller-supplied input malformed; no browser acquired.
	FailValidation FailureKind = "validation"
	// FailTimeout: a navigation or settle deadline was exceeded.
	FailTimeout FailureKind = "timeout"
	// FailAutomation: the browser layer itself faulted.
	FailAutomation FailureKind = "automation"
	// FailIO: a filesystem fault unrelated to the browser.
	FailIO FailureKind = "io"
)

const contentSelector = ".container-fluid"

// plate or document number: the portal accepts both through one field.
var platePattern = regexp.MustCompile(`^[A-Z0-9]{5,12}$`)

// Section is one top-level content block extracted from the page.
type Section struct {
	Label string `json:"label"`
	Text  string `json:"text"`
}

// Request carries the capture parameters.
type Request struct {
	Plate string
	// RequestedBy optionally identifies the end user for logging.
	RequestedBy string
}

// Result is the outcome of one capture run.
type Result struct {
	Status         string      `json:"status"` // "success" or "error"
	Plate          string      `json:"plate,omitempty"`
	URL            string      `json:"url,omitempty"`
	Sections       []Section   `json:"sections,omitempty"`
	ScreenshotPath string      `json:"screenshot_path,omitempty"`
	CapturedAt     time.Time   `json:"captured_at,omitempty"`
	ErrorKind      FailureKind `json:"error_type,omitempty"`
	Message        string      `json:"message,omitempty"`
}

// Succeeded reports whether the run produced evidence.
func (r Result) Succeeded() bool { return r.Status == "success" }

// Config holds capture engine settings.
type Config struct {
	// TargetURL with a {plate} placeholder.
	TargetURL         string
	ArtifactsDir      string
	NavigationTimeout time.Duration
	// SettleWait is the fixed pause after load: the portal renders its
	// content asynchronously and exposes no ready signal, so a
	// conservative wait trades latency for complete extraction.
	SettleWait     time.Duration
	Headless       bool
	ViewportWidth  int
	ViewportHeight int
}

// DefaultConfig returns sensible defaults for the Simit portal.
func DefaultConfig() Config {
	return Config{
		TargetURL:         "https://www.fcm.org.co/simit/#/estado-cuenta?numDocPlacaProp={plate}",
		ArtifactsDir:      filepath.Join("var", "screenshots"),
		NavigationTimeout: 20 * time.Second,
		SettleWait:        7 * time.Second,
		Headless:          true,
		ViewportWidth:     1280,
		ViewportHeight:    720,
	}
}

// pageSession is one exclusively-owned browser page. The rod implementation
// lives in rod.go; tests inject fakes to count acquisitions and releases.
type pageSession interface {
	Navigate(ctx context.Context, url string) error
	WaitSettle(ctx context.Context, d time.Duration) error
	SectionTexts(ctx context.Context, selector string) ([]string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

type launchFunc func(ctx context.Context, cfg Config) (pageSession, error)

// Engine runs capture flows. One browser instance per call, no pooling.
type Engine struct {
	cfg    Config
	logger *zap.Logger
	launch launchFunc
}

// NewEngine creates a capture engine backed by a headless Chrome via rod.
func NewEngine(cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, logger: logger, launch: launchRodPage}
}

// Capture runs the full flow: validate, launch, navigate, settle, extract,
// screenshot, release. The page resource is released on every exit path.
func (e *Engine) Capture(ctx context.Context, req Request) Result {
	plate := strings.ToUpper(strings.TrimSpace(req.Plate))
	if !platePattern.MatchString(plate) {
		return Result{
			Status:    "error",
			ErrorKind: FailValidation,
			Message:   fmt.Sprintf("plate or document number %q does not match the required format", req.Plate),
		}
	}

	url := strings.ReplaceAll(e.cfg.TargetURL, "{plate}", plate)
	started := time.Now()
	log := e.logger.With(
		zap.String("plate", plate),
		zap.String("requested_by", req.RequestedBy),
	)

	fail := func(state string, kind FailureKind, err error) Result {
		log.Error("capture failed",
			zap.String("state", state),
			zap.String("kind", string(kind)),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err))
		return Result{
			Status:    "error",
			Plate:     plate,
			URL:       url,
			ErrorKind: kind,
			Message:   fmt.Sprintf("capture failed while %s: %v", state, err),
		}
	}

	page, err := e.launch(ctx, e.cfg)
	if err != nil {
		return fail("launching", classify(err), err)
	}
	defer func() {
		if err := page.Close(); err != nil {
			log.Warn("browser release failed", zap.Error(err))
		}
	}()

	if err := page.Navigate(ctx, url); err != nil {
		return fail("navigating", classify(err), err)
	}

	if err := page.WaitSettle(ctx, e.cfg.SettleWait); err != nil {
		return fail("waiting for content to settle", FailTimeout, err)
	}

	texts, err := page.SectionTexts(ctx, contentSelector)
	if err != nil {
		return fail("extracting content", classify(err), err)
	}
	sections := toSections(texts)

	img, err := page.Screenshot(ctx)
	if err != nil {
		return fail("taking screenshot", classify(err), err)
	}

	capturedAt := time.Now().UTC()
	path := e.screenshotPath(plate, capturedAt)
	if err := writeArtifact(path, img); err != nil {
		// Extracted text is discarded on purpose: one tool call promises
		// all-or-nothing evidence.
		return fail("persisting screenshot", FailIO, err)
	}

	log.Info("capture succeeded",
		zap.Int("sections", len(sections)),
		zap.String("screenshot", path),
		zap.Duration("elapsed", time.Since(started)))

	return Result{
		Status:         "success",
		Plate:          plate,
		URL:            url,
		Sections:       sections,
		ScreenshotPath: path,
		CapturedAt:     capturedAt,
	}
}

// screenshotPath builds a collision-free artifact path. Nanosecond
// timestamp resolution keeps concurrent captures for the same plate apart.
func (e *Engine) screenshotPath(plate string, t time.Time) string {
	name := fmt.Sprintf("simit_%s_%s%09dZ.png", plate, t.Format("20060102T150405"), t.Nanosecond())
	return filepath.Join(e.cfg.ArtifactsDir, name)
}

func writeArtifact(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifacts directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write screenshot: %w", err)
	}
	return nil
}

// toSections labels each content block with its first line; the remainder is
// the body. An empty set is valid evidence.
func toSections(texts []string) []Section {
	sections := make([]Section, 0, len(texts))
	for _, raw := range texts {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		label, body, found := strings.Cut(trimmed, "\n")
		if !found {
			body = ""
		}
		sections = append(sections, Section{
			Label: strings.TrimSpace(label),
			Text:  strings.TrimSpace(body),
		})
	}
	return sections
}

// classify maps a browser-layer error to its failure kind. Deadline overruns
// are timeouts; everything else is an automation fault.
func classify(err error) FailureKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return FailTimeout
	}
	return FailAutomation
}
