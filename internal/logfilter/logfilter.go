// Package logfilter narrows a slog handler to the records whose
// attributes match glob patterns. A pattern is checked against both
// "key" and "key=value" of every attribute, including those bound with
// Logger.With, so "component=task" or "err=*" select records. An
// attribute with a nil value only offers its key.
package logfilter

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"tractor.dev/cooper/internal/glob"
)

type Options struct {
	// Include keeps only records with an attribute matching one of
	// these. Empty keeps everything.
	Include []string
	// Exclude drops records with an attribute matching one of these.
	Exclude []string
}

type Handler struct {
	next    slog.Handler
	include []*regexp.Regexp
	exclude []*regexp.Regexp
	bound   []string
	prefix  string
}

var _ slog.Handler = (*Handler)(nil)

func compile(patterns []string) ([]*regexp.Regexp, error) {
	var res []*regexp.Regexp
	for _, p := range patterns {
		re, err := glob.CompileText(p)
		if err != nil {
			return nil, fmt.Errorf("logfilter: pattern %q: %w", p, err)
		}
		res = append(res, re)
	}
	return res, nil
}

// New wraps next. It passes next through untouched when opts is empty.
func New(next slog.Handler, opts Options) (slog.Handler, error) {
	if len(opts.Include) == 0 && len(opts.Exclude) == 0 {
		return next, nil
	}
	include, err := compile(opts.Include)
	if err != nil {
		return nil, err
	}
	exclude, err := compile(opts.Exclude)
	if err != nil {
		return nil, err
	}
	return &Handler{next: next, include: include, exclude: exclude}, nil
}

// forms returns what patterns are matched against for a.
func (h *Handler) forms(a slog.Attr) []string {
	key := h.prefix + a.Key
	v := a.Value.Resolve()
	if v.Kind() == slog.KindAny && v.Any() == nil {
		return []string{key}
	}
	return []string{key, key + "=" + v.String()}
}

func matches(res []*regexp.Regexp, forms []string) bool {
	for _, re := range res {
		for _, f := range forms {
			if re.MatchString(f) {
				return true
			}
		}
	}
	return false
}

func (h *Handler) keep(r slog.Record) bool {
	included := len(h.include) == 0
	excluded := false
	check := func(forms []string) {
		if !included && matches(h.include, forms) {
			included = true
		}
		if !excluded && matches(h.exclude, forms) {
			excluded = true
		}
	}
	for _, f := range h.bound {
		check([]string{f})
	}
	r.Attrs(func(a slog.Attr) bool {
		check(h.forms(a))
		return !excluded
	})
	return included && !excluded
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if !h.keep(r) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.bound = append([]string(nil), h.bound...)
	for _, a := range attrs {
		c.bound = append(c.bound, h.forms(a)...)
	}
	c.next = h.next.WithAttrs(attrs)
	return &c
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.prefix = h.prefix + name + "."
	c.next = h.next.WithGroup(name)
	return &c
}
