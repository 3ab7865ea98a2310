package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/render"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apierrors "github.com/2sic/resizer/internal/errors"
	"github.com/2sic/resizer/internal/infrastructure"
	"github.com/2sic/resizer/internal/license"
)

// LicenseStatusHeader tells the host pipeline how to render a response
const LicenseStatusHeader = "X-License-Status"

// RefuseAction selects what the gate does with a refused request
type RefuseAction string

const (
	// RefuseBlock answers with a 402 problem
	RefuseBlock RefuseAction = "block"
	// RefuseWatermark lets the request through marked unlicensed; the host
	// draws a visible indicator on the output.
	RefuseWatermark RefuseAction = "watermark"
)

// AccessChecker is the read side of the license enforcer
type AccessChecker interface {
	CheckAccess(host string) license.Decision
	Status(host string) license.Status
}

type decisionKey struct{}

// DecisionFromContext returns the decision the gate made for this request
func DecisionFromContext(ctx context.Context) (license.Decision, bool) {
	d, ok := ctx.Value(decisionKey{}).(license.Decision)
	return d, ok
}

// LicenseGate runs CheckAccess for every request it wraps
type LicenseGate struct {
	checker         AccessChecker
	action          RefuseAction
	logger          *slog.Logger
	excludePaths    map[string]struct{}
	excludePrefixes []string
}

// NewLicenseGate creates the gate. An unknown action blocks.
func NewLicenseGate(checker AccessChecker, action RefuseAction, logger *slog.Logger) *LicenseGate {
	if action != RefuseWatermark {
		action = RefuseBlock
	}
	return &LicenseGate{
		checker:      checker,
		action:       action,
		logger:       infrastructure.WithComponent(logger, "license_gate"),
		excludePaths: make(map[string]struct{}),
	}
}

// AddExcludePath skips the gate for an exact path
func (g *LicenseGate) AddExcludePath(path string) {
	g.excludePaths[path] = struct{}{}
}

// AddExcludePrefix skips the gate for every path under prefix
func (g *LicenseGate) AddExcludePrefix(prefix string) {
	g.excludePrefixes = append(g.excludePrefixes, prefix)
}

func (g *LicenseGate) excluded(path string) bool {
	if _, ok := g.excludePaths[path]; ok {
		return true
	}
	for _, prefix := range g.excludePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Handler is the middleware function
func (g *LicenseGate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.excluded(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		host := r.Host
		decision := g.checker.CheckAccess(host)

		trace.SpanFromContext(ctx).SetAttributes(
			attribute.String("license.decision", decision.String()),
			attribute.String("license.host", host),
		)
		ctx = context.WithValue(ctx, decisionKey{}, decision)

		switch decision {
		case license.Permit:
		case license.Degrade:
			w.Header().Set(LicenseStatusHeader, "grace")
		default:
			if g.action == RefuseWatermark {
				w.Header().Set(LicenseStatusHeader, "unlicensed")
				break
			}
			g.refuse(w, r.WithContext(ctx), host)
			return
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *LicenseGate) refuse(w http.ResponseWriter, r *http.Request, host string) {
	ctx := r.Context()
	status := g.checker.Status(host)

	details := apierrors.RefusalDetails{
		Host:    host,
		State:   status.State.String(),
		Outcome: status.Outcome.String(),
		Reason:  status.Reason,
	}
	if status.LastConfirmedAt != nil {
		details.LastConfirmedAt = *status.LastConfirmedAt
	}

	g.logger.WarnContext(ctx, "request refused",
		slog.String("host", host),
		slog.String("path", r.URL.Path),
		slog.String("state", details.State),
		slog.String("reason", details.Reason),
	)

	w.Header().Set(LicenseStatusHeader, "unlicensed")
	_ = render.Render(w, r, apierrors.NewLicenseRefusedError(details, infrastructure.GetTraceID(ctx)))
}
