package logfilter

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newLogger(t *testing.T, opts Options) (*slog.Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	text := slog.NewTextHandler(&buf, &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})
	h, err := New(text, opts)
	require.NoError(t, err)
	return slog.New(h), &buf
}

func lines(buf *bytes.Buffer) []string {
	return strings.Split(strings.TrimSpace(buf.String()), "\n")
}

func TestPassThrough(t *testing.T) {
	var buf bytes.Buffer
	text := slog.NewTextHandler(&buf, nil)
	h, err := New(text, Options{})
	require.NoError(t, err)
	require.Same(t, text, h)
}

func TestInclude(t *testing.T) {
	for _, tc := range []struct {
		name    string
		include []string
		log     func(*slog.Logger)
		logged  bool
	}{
		{"key value", []string{"pid=1"}, func(l *slog.Logger) { l.Info("x", "pid", 1) }, true},
		{"other value", []string{"pid=1"}, func(l *slog.Logger) { l.Info("x", "pid", 2) }, false},
		{"key only", []string{"err"}, func(l *slog.Logger) { l.Info("x", "err", nil) }, true},
		{"non-nil error", []string{"err=*"}, func(l *slog.Logger) { l.Info("x", "err", errors.New("boom")) }, true},
		{"nil error", []string{"err=*"}, func(l *slog.Logger) { l.Info("x", "err", nil) }, false},
		{"bound with With", []string{"component=task"}, func(l *slog.Logger) { l.With("component", "task").Info("x") }, true},
		{"bound elsewhere", []string{"component=task"}, func(l *slog.Logger) { l.With("component", "sys").Info("x") }, false},
		{"paths", []string{"path=/proc/*"}, func(l *slog.Logger) { l.Info("x", "path", "/proc/1/stat") }, true},
		{"grouped", []string{"req.nr=39"}, func(l *slog.Logger) { l.WithGroup("req").Info("x", "nr", 39) }, true},
		{"any of several", []string{"a", "b"}, func(l *slog.Logger) { l.Info("x", "b", 1) }, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			l, buf := newLogger(t, Options{Include: tc.include})
			tc.log(l)
			require.Equal(t, tc.logged, buf.Len() > 0, buf.String())
		})
	}
}

func TestExclude(t *testing.T) {
	l, buf := newLogger(t, Options{Exclude: []string{"component=sched*"}})
	l.With("component", "scheduler").Info("tick")
	l.With("component", "kernel").Info("boot", "init", "sh")
	l.Debug("hidden by level")
	require.Equal(t, []string{"level=INFO msg=boot component=kernel init=sh"}, lines(buf))
}

func TestIncludeAndExclude(t *testing.T) {
	l, buf := newLogger(t, Options{
		Include: []string{"component=*"},
		Exclude: []string{"noisy"},
	})
	l.Info("no component")
	l.Info("kept", "component", "sys")
	l.Info("dropped", "component", "sys", "noisy", true)
	require.Equal(t, []string{"level=INFO msg=kept component=sys"}, lines(buf))
}

func TestBadPattern(t *testing.T) {
	_, err := New(slog.NewTextHandler(&bytes.Buffer{}, nil), Options{Include: []string{"[z-a]"}})
	require.Error(t, err)
}
