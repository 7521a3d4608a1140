package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/floegence/tablesynth/internal/augment"
)

const (
	viewportWidth  = 2200
	viewportHeight = 2800
)

type ChromeOptions struct {
	Logger *slog.Logger

	// ExecPath overrides Chrome discovery.
	ExecPath  string
	NoSandbox bool
}

// Chrome rasterizes documents in one shared headless browser, one tab per call.
type Chrome struct {
	log *slog.Logger

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	closeOnce sync.Once
}

// NewChrome starts the browser. Close must be called to stop it.
func NewChrome(ctx context.Context, opts ChromeOptions) (*Chrome, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts,
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("font-render-hinting", "none"),
		chromedp.WindowSize(viewportWidth, viewportHeight),
	)
	if p := strings.TrimSpace(opts.ExecPath); p != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(p))
	}
	if opts.NoSandbox {
		allocOpts = append(allocOpts, chromedp.NoSandbox)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx, chromedp.WithErrorf(func(format string, args ...any) {
		logger.Debug("chromedp", "msg", fmt.Sprintf(format, args...))
	}))
	// The first Run launches the browser.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	return &Chrome{
		log:           logger,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

func (c *Chrome) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		c.browserCancel()
		c.allocCancel()
	})
}

const tableLayoutJS = `(() => {
  const t = document.querySelector('table');
  if (!t) return null;
  const tr = t.getBoundingClientRect();
  return {
    height: tr.height,
    rows: Array.from(t.rows).map((r) => {
      const b = r.getBoundingClientRect();
      return {top: b.top - tr.top, bottom: b.bottom - tr.top};
    }),
  };
})()`

// showRowsJS hides every row outside [first, last]. The table width is pinned on first use
// so that all parts share one width.
func showRowsJS(first int, last int) string {
	return fmt.Sprintf(`(() => {
  const t = document.querySelector('table');
  if (!t.dataset.pinned) {
    t.style.width = t.getBoundingClientRect().width + 'px';
    t.dataset.pinned = '1';
  }
  Array.from(t.rows).forEach((r, i) => { r.style.display = (i >= %d && i <= %d) ? '' : 'none'; });
  return true;
})()`, first, last)
}

func (c *Chrome) Rasterize(ctx context.Context, doc string, plan augment.Plan, maxHeight int) ([][]byte, error) {
	if c == nil || c.browserCtx == nil {
		return nil, errors.New("chrome not started")
	}
	if c.browserCtx.Err() != nil {
		return nil, errors.New("chrome closed")
	}
	scale := plan.Scale
	if scale <= 0 {
		scale = 1
	}

	tabCtx, cancelTab := chromedp.NewContext(c.browserCtx)
	defer cancelTab()
	// Tie the tab to the caller's deadline and cancellation.
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	var (
		ready  bool
		layout *tableLayout
	)
	actions := []chromedp.Action{
		chromedp.EmulateViewport(viewportWidth, viewportHeight, chromedp.EmulateScale(scale)),
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, doc).Do(ctx)
		}),
		chromedp.Evaluate(`document.fonts.ready.then(() => true)`, &ready, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}),
	}
	if maxHeight > 0 {
		actions = append(actions, chromedp.Evaluate(tableLayoutJS, &layout))
	}
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		return nil, c.runErr(ctx, err)
	}

	parts := planSplit(layout, float64(maxHeight))
	if parts == nil {
		buf, err := c.shoot(ctx, tabCtx, plan)
		if err != nil {
			return nil, err
		}
		return [][]byte{buf}, nil
	}
	c.log.Debug("splitting tall table", "source", plan.SourceID, "height", layout.Height, "parts", len(parts))
	out := make([][]byte, 0, len(parts))
	for _, rng := range parts {
		var ok bool
		if err := chromedp.Run(tabCtx, chromedp.Evaluate(showRowsJS(rng[0], rng[1]), &ok)); err != nil {
			return nil, c.runErr(ctx, err)
		}
		buf, err := c.shoot(ctx, tabCtx, plan)
		if err != nil {
			return nil, err
		}
		out = append(out, buf)
	}
	return out, nil
}

func (c *Chrome) shoot(ctx context.Context, tabCtx context.Context, plan augment.Plan) ([]byte, error) {
	var buf []byte
	if err := chromedp.Run(tabCtx, chromedp.Screenshot(Selector(plan), &buf, chromedp.NodeVisible, chromedp.ByQuery)); err != nil {
		return nil, c.runErr(ctx, err)
	}
	if len(buf) == 0 {
		return nil, errors.New("empty screenshot")
	}
	return buf, nil
}

// runErr prefers the caller's cancellation over the tab error it caused.
func (c *Chrome) runErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
