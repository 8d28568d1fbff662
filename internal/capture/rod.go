package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// rodPage implements pageSession over a dedicated Chrome instance.
// Launcher, browser and page all belong to this one capture run and are
// torn down together in Close.
type rodPage struct {
	launcher   *launcher.Launcher
	browser    *rod.Browser
	page       *rod.Page
	navTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

func launchRodPage(ctx context.Context, cfg Config) (pageSession, error) {
	l := launcher.New().Headless(cfg.Headless)
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chrome: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = browser.Close()
		l.Cleanup()
		return nil, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             cfg.ViewportWidth,
		Height:            cfg.ViewportHeight,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		_ = page.Close()
		_ = browser.Close()
		l.Cleanup()
		return nil, fmt.Errorf("set viewport: %w", err)
	}

	return &rodPage{
		launcher:   l,
		browser:    browser,
		page:       page,
		navTimeout: cfg.NavigationTimeout,
	}, nil
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	page := p.page.Context(ctx).Timeout(p.navTimeout)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("wait load: %w", err)
	}
	return nil
}

func (p *rodPage) WaitSettle(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *rodPage) SectionTexts(ctx context.Context, selector string) ([]string, error) {
	elements, err := p.page.Context(ctx).Timeout(p.navTimeout).Elements(selector)
	if err != nil {
		return nil, fmt.Errorf("find elements %s: %w", selector, err)
	}

	texts := make([]string, 0, len(elements))
	for _, el := range elements {
		text, err := el.Text()
		if err != nil {
			return nil, fmt.Errorf("read element text: %w", err)
		}
		texts = append(texts, text)
	}
	return texts, nil
}

func (p *rodPage) Screenshot(ctx context.Context) ([]byte, error) {
	img, err := p.page.Context(ctx).Timeout(p.navTimeout).Screenshot(true, nil)
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return img, nil
}

func (p *rodPage) Close() error {
	p.closeOnce.Do(func() {
		if err := p.page.Close(); err != nil {
			p.closeErr = err
		}
		if err := p.browser.Close(); err != nil && p.closeErr == nil {
			p.closeErr = err
		}
		p.launcher.Cleanup()
	})
	return p.closeErr
}
