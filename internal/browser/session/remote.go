package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/cpauline9999-sketch/Ff5/internal/browser"
	"github.com/cpauline9999-sketch/Ff5/internal/browser/stealth"
	"github.com/cpauline9999-sketch/Ff5/internal/config"
)

// connection is the transport a Session drives. The chromedp implementation
// lives below; tests substitute their own.
type connection interface {
	Page() browser.Page
	AdoptNewest(ctx context.Context) (bool, error)
	Close() error
}

// dialFunc opens a connection whose resources live until life is done.
// connect bounds only the handshake.
type dialFunc func(life, connect context.Context, logger *zap.Logger) (connection, error)

// keepsURL reports whether the endpoint already names a concrete devtools
// socket. Bare host:port endpoints are resolved through /json/version.
func keepsURL(endpoint string) bool {
	u, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	return strings.Contains(u.Path, "/devtools/") || u.RawQuery != ""
}

func remoteDialer(cfg config.BrowserConfig) dialFunc {
	return func(life, connect context.Context, logger *zap.Logger) (connection, error) {
		endpoint := strings.TrimSpace(cfg.WSEndpoint)
		if endpoint == "" {
			return nil, errors.New("remote browser endpoint is not configured")
		}

		var opts []chromedp.RemoteAllocatorOption
		if keepsURL(endpoint) {
			opts = append(opts, chromedp.NoModifyURL)
		}
		allocCtx, allocCancel := chromedp.NewRemoteAllocator(life, endpoint, opts...)
		sugar := logger.Named("cdp").Sugar()
		tabCtx, tabCancel := chromedp.NewContext(allocCtx,
			chromedp.WithLogf(sugar.Debugf),
			chromedp.WithErrorf(sugar.Debugf),
		)

		var tasks chromedp.Tasks
		if cfg.Persona.Enabled {
			stealthTasks, err := stealth.Apply(stealth.PersonaFromConfig(cfg.Persona), logger)
			if err != nil {
				tabCancel()
				allocCancel()
				return nil, err
			}
			tasks = append(tasks, stealthTasks...)
		}

		runCtx, stop := CombineContext(tabCtx, connect)
		defer stop()
		if err := chromedp.Run(runCtx, tasks); err != nil {
			tabCancel()
			allocCancel()
			return nil, fmt.Errorf("handshake with %s failed: %w", config.RedactURL(endpoint), err)
		}

		c := &cdpConnection{
			logger:  logger,
			cfg:     cfg,
			life:    life,
			tab:     tabCtx,
			cancels: []context.CancelFunc{tabCancel, allocCancel},
			known:   make(map[target.ID]bool),
		}
		if t := chromedp.FromContext(tabCtx); t != nil && t.Target != nil {
			c.known[t.Target.TargetID] = true
		}
		// Tabs that existed before this session are never adopted.
		if infos, err := chromedp.Targets(runCtx); err == nil {
			for _, info := range infos {
				c.known[info.TargetID] = true
			}
		}
		c.page = c.newPage(tabCtx)
		logger.Info("Connected to remote browser.", zap.String("endpoint", config.RedactURL(endpoint)))
		return c, nil
	}
}

type cdpConnection struct {
	logger *zap.Logger
	cfg    config.BrowserConfig
	life   context.Context
	tab    context.Context

	mu      sync.Mutex
	cancels []context.CancelFunc
	known   map[target.ID]bool
	page    *cdpPage
}

func (c *cdpConnection) newPage(tabCtx context.Context) *cdpPage {
	return &cdpPage{
		ctx:               tabCtx,
		life:              c.life,
		logger:            c.logger.Named("page"),
		navigationTimeout: c.cfg.NavigationTimeout,
		defaultTimeout:    c.cfg.DefaultTimeout,
	}
}

func (c *cdpConnection) Page() browser.Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.page
}

// AdoptNewest attaches to the most recently listed page target this session
// has not seen yet and makes it the active page.
func (c *cdpConnection) AdoptNewest(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	runCtx, stop := CombineContext(c.tab, ctx)
	defer stop()
	infos, err := chromedp.Targets(runCtx)
	if err != nil {
		return false, fmt.Errorf("failed to list targets: %w", err)
	}

	var newest *target.Info
	for _, info := range infos {
		if info.Type == "page" && !c.known[info.TargetID] {
			newest = info
		}
		c.known[info.TargetID] = true
	}
	if newest == nil {
		return false, nil
	}

	adopted, cancel := chromedp.NewContext(c.tab, chromedp.WithTargetID(newest.TargetID))
	attachCtx, stopAttach := CombineContext(adopted, ctx)
	defer stopAttach()
	if err := chromedp.Run(attachCtx); err != nil {
		cancel()
		return false, fmt.Errorf("failed to attach to target %s: %w", newest.TargetID, err)
	}
	c.cancels = append([]context.CancelFunc{cancel}, c.cancels...)
	c.page = c.newPage(adopted)
	c.logger.Info("Switched to newly opened page.", zap.String("url", newest.URL))
	return true, nil
}

func (c *cdpConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := chromedp.Cancel(c.tab)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	for _, cancel := range c.cancels {
		cancel()
	}
	return err
}
