package backend

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/safesurf/internal/protocol"
	"github.com/xkilldash9x/safesurf/internal/session"
)

// Fallback messages when an endpoint fails without saying why.
const (
	msgScanFailed     = "URL Scan Failed"
	msgRedirectFailed = "Redirect Analysis Failed"
)

// ErrNotAuthenticated is returned when Check is called without a full session.
var ErrNotAuthenticated = errors.New("not authenticated")

type checkURLRequest struct {
	URL   string `json:"url"`
	Email string `json:"email"`
}

type checkURLReply struct {
	Classification string `json:"classification"`
	Reason         string `json:"reason"`
}

type redirectRequest struct {
	URL string `json:"url"`
}

// ThreatClient runs the classification and redirect analysis calls for one URL.
type ThreatClient struct {
	client *Client
	logger *zap.Logger
}

// NewThreatClient wraps a shared backend Client.
func NewThreatClient(c *Client) *ThreatClient {
	return &ThreatClient{client: c, logger: c.logger.Named("threat")}
}

// Check issues both calls concurrently and waits for both. A failure of either
// fails the whole check; when both fail the classification error is returned.
// Neither call cancels the other, and nothing is retried.
func (t *ThreatClient) Check(ctx context.Context, url string, s session.Session) (protocol.Verdict, error) {
	if !s.Authenticated() {
		return protocol.Verdict{}, ErrNotAuthenticated
	}

	var (
		g           errgroup.Group
		scan        checkURLReply
		redirect    protocol.RedirectResult
		scanErr     error
		redirectErr error
	)
	start := time.Now()

	g.Go(func() error {
		scanErr = t.client.postJSON(ctx, PathCheckURL, s.Token,
			checkURLRequest{URL: url, Email: s.Identity}, &scan, msgScanFailed)
		return nil
	})
	g.Go(func() error {
		redirectErr = t.client.postJSON(ctx, PathRedirectAnalyzer, s.Token,
			redirectRequest{URL: url}, &redirect, msgRedirectFailed)
		return nil
	})
	_ = g.Wait()

	t.logger.Debug("Threat check finished",
		zap.String("url", url),
		zap.Duration("elapsed", time.Since(start)),
		zap.NamedError("scan_error", scanErr),
		zap.NamedError("redirect_error", redirectErr))

	if scanErr != nil {
		return protocol.Verdict{}, scanErr
	}
	if redirectErr != nil {
		return protocol.Verdict{}, redirectErr
	}

	return protocol.Verdict{
		Classification: protocol.ClassificationResult{
			Label:  protocol.Label(scan.Classification),
			Reason: scan.Reason,
		},
		Redirect: redirect,
	}.Normalize(), nil
}
