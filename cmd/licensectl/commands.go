package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
)

type printer struct {
	w io.Writer
}

func (p *printer) field(name, value string) {
	fmt.Fprintf(p.w, "  %-18s %s\n", name+":", value)
}

// paint colours a decision or state the way an operator reads it
func paint(value string) string {
	switch value {
	case "permit", "fully_licensed", "confirmed":
		return color.GreenString(value)
	case "degrade", "grace_period", "unreachable":
		return color.YellowString(value)
	case "refuse", "unlicensed", "denied":
		return color.RedString(value)
	default:
		return value
	}
}

func (p *printer) status(s *StatusView) {
	if !s.Enforce {
		p.field("enforce", color.CyanString("off"))
		p.field("decision", paint(s.Decision))
		return
	}

	p.field("host", s.Host)
	p.field("decision", paint(s.Decision))
	p.field("state", paint(s.State))
	if s.State == "grace_period" {
		p.field("grace remaining", (time.Duration(s.GraceRemainingSeconds) * time.Second).String())
	}
	if s.Exempt {
		p.field("exempt", "loopback")
	}
	p.field("outcome", fmt.Sprintf("%s (%s)", paint(s.Outcome), s.Reason))
	if !s.CheckedAt.IsZero() {
		p.field("checked at", s.CheckedAt.Local().Format(time.RFC1123))
	}
	if s.LastConfirmedAt != nil {
		p.field("last confirmed", s.LastConfirmedAt.Local().Format(time.RFC1123))
	} else {
		p.field("last confirmed", "never")
	}
	if s.LicenseID != "" {
		p.field("license", s.LicenseID)
	}
	if len(s.AuthorizedDomains) > 0 {
		p.field("domains", strings.Join(s.AuthorizedDomains, ", "))
	}
	if len(s.Features) > 0 {
		p.field("features", strings.Join(s.Features, ", "))
	}
}

func cmdStatus(ctx context.Context, c *Client, p *printer, host string) error {
	s, err := c.Status(ctx, host)
	if err != nil {
		return err
	}
	p.status(s)
	return nil
}

// cmdCheck reports whether the daemon refuses host
func cmdCheck(ctx context.Context, c *Client, p *printer, host string) (bool, error) {
	v, err := c.Check(ctx, host)
	if err != nil {
		return false, err
	}
	p.field("host", v.Host)
	p.field("decision", paint(v.Decision))
	p.field("state", paint(v.State))
	return v.Decision == "refuse", nil
}

func cmdRefresh(ctx context.Context, c *Client, p *printer) error {
	v, err := c.Refresh(ctx)
	if err != nil {
		return err
	}
	p.field("outcome", fmt.Sprintf("%s (%s)", paint(v.Outcome), v.Reason))
	p.status(&v.Status)
	return nil
}

func cmdDiagnostics(ctx context.Context, c *Client, w io.Writer) error {
	text, err := c.Diagnostics(ctx)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, text)
	return err
}
