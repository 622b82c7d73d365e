package programs

import (
	"bufio"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/anmitsu/go-shlex"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/internal/glob"
	"tractor.dev/cooper/signal"
	"tractor.dev/cooper/task"
)

// jobSignals are ignored by an interactive shell and reset in its
// children.
var jobSignals = []signal.Signal{signal.SIGINT, signal.SIGQUIT, signal.SIGTSTP, signal.SIGTTIN, signal.SIGTTOU}

type redir struct {
	fd    int
	path  string
	flags int
	dup   int // source fd for n>&m, else -1
}

type stage struct {
	argv    []string
	assigns []string
	redirs  []redir
}

type pipeline struct {
	cmds       []*stage
	background bool
	// op joins this pipeline to the previous one: "", ";", "&&" or "||"
	op string
}

type shell struct {
	t           *task.Task
	vars        map[string]string
	exported    map[string]bool
	args        []string
	status      int
	last        int
	interactive bool
	jobs        bool
	pgid        int
	stopped     []int
	exited      bool
}

// Shell runs commands from -c, a script file, or standard input. On a
// terminal it prompts and does job control.
func Shell(t *task.Task, argv []string) int {
	sh := &shell{
		t:        t,
		vars:     make(map[string]string),
		exported: make(map[string]bool),
		args:     argv[:1],
	}
	for _, kv := range t.Process().Env() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			sh.vars[k], sh.exported[k] = v, true
		}
	}
	switch {
	case len(argv) > 2 && argv[1] == "-c":
		sh.args = argv[2:]
		sh.run(strings.NewReader(argv[2]), false)
	case len(argv) > 1:
		sh.args = argv[1:]
		script, err := t.ReadFile(argv[1])
		if err != nil {
			fprintf(t, 2, "sh: %s: %v\n", argv[1], err)
			return 127
		}
		sh.run(strings.NewReader(string(script)), false)
	default:
		sh.interactive = isatty(t, 0)
		if sh.interactive {
			sh.startJobControl()
		}
		sh.run(reader{t, 0}, sh.interactive)
	}
	return sh.status
}

func (sh *shell) startJobControl() {
	t := sh.t
	// only a session leader can take the terminal; others already share it
	t.Ioctl(0, abi.TIOCSCTTY, nil)
	if pgid, _ := t.Getpgid(0); pgid != t.Getpid() {
		t.Setpgid(0, 0)
	}
	sh.pgid = t.Getpid()
	if err := t.Ioctl(0, abi.TIOCSPGRP, &sh.pgid); err != nil {
		return
	}
	for _, sig := range jobSignals {
		t.Sigaction(int(sig), &signal.Action{Handler: signal.SIG_IGN}, nil)
	}
	sh.jobs = true
}

func (sh *shell) run(r io.Reader, prompt bool) {
	br := bufio.NewReader(r)
	for !sh.exited {
		if prompt {
			cwd, _ := sh.t.Getcwd()
			fprintf(sh.t, 2, "%s $ ", cwd)
		}
		line, err := br.ReadString('\n')
		if line != "" {
			sh.runLine(line)
		}
		if err != nil {
			if prompt {
				fprintf(sh.t, 2, "\n")
			}
			return
		}
	}
}

func (sh *shell) runLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}
	words, err := shlex.Split(line, true)
	if err != nil {
		fprintf(sh.t, 2, "sh: %v\n", err)
		sh.status = 2
		return
	}
	list, err := parse(words)
	if err != nil {
		fprintf(sh.t, 2, "sh: %v\n", err)
		sh.status = 2
		return
	}
	for _, pl := range list {
		if pl.op == "&&" && sh.status != 0 || pl.op == "||" && sh.status == 0 {
			continue
		}
		sh.runPipeline(pl)
		if sh.exited {
			return
		}
	}
}

type syntaxError string

func (e syntaxError) Error() string { return "syntax error near " + strconv.Quote(string(e)) }

func parse(words []string) ([]*pipeline, error) {
	var (
		list []*pipeline
		pl   = &pipeline{}
		cmd  = &stage{}
	)
	endCmd := func(tok string) error {
		if len(cmd.argv) == 0 && len(cmd.assigns) == 0 {
			return syntaxError(tok)
		}
		pl.cmds = append(pl.cmds, cmd)
		cmd = &stage{}
		return nil
	}
	for i := 0; i < len(words); i++ {
		w := words[i]
		switch w {
		case "|":
			if err := endCmd(w); err != nil {
				return nil, err
			}
			continue
		case ";", "&", "&&", "||":
			if err := endCmd(w); err != nil {
				return nil, err
			}
			pl.background = w == "&"
			list = append(list, pl)
			pl = &pipeline{}
			if w == "&&" || w == "||" {
				pl.op = w
			}
			continue
		}
		if r, ok, err := parseRedir(w, words, &i); ok {
			if err != nil {
				return nil, err
			}
			cmd.redirs = append(cmd.redirs, r)
			continue
		}
		if len(cmd.argv) == 0 && isAssign(w) {
			cmd.assigns = append(cmd.assigns, w)
			continue
		}
		cmd.argv = append(cmd.argv, w)
	}
	if len(cmd.argv) > 0 || len(cmd.assigns) > 0 || len(cmd.redirs) > 0 {
		pl.cmds = append(pl.cmds, cmd)
	} else if len(pl.cmds) > 0 || pl.op != "" {
		return nil, syntaxError("newline")
	}
	if len(pl.cmds) > 0 {
		list = append(list, pl)
	}
	return list, nil
}

// parseRedir recognizes n>file, n>>file, n<file and n>&m, with the
// target either attached or in the next word.
func parseRedir(w string, words []string, i *int) (redir, bool, error) {
	j := 0
	for j < len(w) && w[j] >= '0' && w[j] <= '9' {
		j++
	}
	rest := w[j:]
	var r redir
	switch {
	case strings.HasPrefix(rest, ">>"):
		r = redir{fd: 1, flags: abi.O_WRONLY | abi.O_CREAT | abi.O_APPEND, dup: -1}
		rest = rest[2:]
	case strings.HasPrefix(rest, ">&"):
		r = redir{fd: 1}
		rest = rest[2:]
		src, err := strconv.Atoi(rest)
		if err != nil {
			return r, true, syntaxError(w)
		}
		r.dup = src
		if j > 0 {
			r.fd, _ = strconv.Atoi(w[:j])
		}
		return r, true, nil
	case strings.HasPrefix(rest, ">"):
		r = redir{fd: 1, flags: abi.O_WRONLY | abi.O_CREAT | abi.O_TRUNC, dup: -1}
		rest = rest[1:]
	case strings.HasPrefix(rest, "<"):
		r = redir{fd: 0, flags: abi.O_RDONLY, dup: -1}
		rest = rest[1:]
	default:
		return r, false, nil
	}
	if j > 0 {
		r.fd, _ = strconv.Atoi(w[:j])
	}
	if rest == "" {
		if *i+1 >= len(words) {
			return r, true, syntaxError("newline")
		}
		*i++
		rest = words[*i]
	}
	r.path = rest
	return r, true, nil
}

func isAssign(w string) bool {
	name, _, ok := strings.Cut(w, "=")
	if !ok || name == "" {
		return false
	}
	for i, c := range name {
		if c != '_' && !('a' <= c && c <= 'z') && !('A' <= c && c <= 'Z') && !(i > 0 && '0' <= c && c <= '9') {
			return false
		}
	}
	return true
}

func (sh *shell) lookup(name string) string {
	switch name {
	case "?":
		return strconv.Itoa(sh.status)
	case "$":
		return strconv.Itoa(sh.t.Getpid())
	case "!":
		return strconv.Itoa(sh.last)
	case "#":
		return strconv.Itoa(len(sh.args) - 1)
	}
	if n, err := strconv.Atoi(name); err == nil {
		if n < len(sh.args) {
			return sh.args[n]
		}
		return ""
	}
	return sh.vars[name]
}

// expand substitutes variables, then replaces each word holding a
// wildcard by the paths it matches. A word matching nothing is kept.
func (sh *shell) expand(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = os.Expand(w, sh.lookup)
		if glob.HasMeta(w) {
			if paths := glob.Expand(w, sh.readDir); len(paths) > 0 {
				out = append(out, paths...)
				continue
			}
		}
		out = append(out, w)
	}
	return out
}

func (sh *shell) readDir(dir string) ([]string, error) {
	return readDir(sh.t, dir)
}

func (sh *shell) environ(extra []string) []string {
	vars := make(map[string]string)
	for k, v := range sh.vars {
		if sh.exported[k] {
			vars[k] = v
		}
	}
	for _, kv := range extra {
		k, v, _ := strings.Cut(kv, "=")
		vars[k] = v
	}
	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

func (sh *shell) runPipeline(pl *pipeline) {
	t := sh.t
	for _, c := range pl.cmds {
		c.argv = sh.expand(c.argv)
		c.assigns = sh.expand(c.assigns)
		for i := range c.redirs {
			c.redirs[i].path = os.Expand(c.redirs[i].path, sh.lookup)
		}
	}
	if len(pl.cmds) == 1 && !pl.background {
		c := pl.cmds[0]
		if len(c.argv) == 0 {
			for _, kv := range c.assigns {
				k, v, _ := strings.Cut(kv, "=")
				sh.vars[k] = v
			}
			sh.status = 0
			return
		}
		if b, ok := builtins[c.argv[0]]; ok {
			sh.status = sh.withRedirs(c.redirs, func() int { return b(sh, c.argv) })
			return
		}
	}

	var (
		pids []int
		pgid int
		in   = -1
	)
	for i, c := range pl.cmds {
		out, next := -1, -1
		if i < len(pl.cmds)-1 {
			fds, err := t.Pipe2(abi.O_CLOEXEC)
			if err != nil {
				fprintf(t, 2, "sh: pipe: %v\n", err)
				break
			}
			next, out = fds[0], fds[1]
		}
		group, stdin, stdout := pgid, in, out
		pid, err := t.Fork(func(ct *task.Task) int {
			return sh.child(ct, c, group, stdin, stdout)
		})
		if err != nil {
			fprintf(t, 2, "sh: fork: %v\n", err)
		} else {
			if sh.jobs {
				if pgid == 0 {
					pgid = pid
				}
				t.Setpgid(pid, pgid)
			}
			pids = append(pids, pid)
		}
		if in >= 0 {
			t.Close(in)
		}
		if out >= 0 {
			t.Close(out)
		}
		in = next
	}
	if in >= 0 {
		t.Close(in)
	}
	if len(pids) == 0 {
		sh.status = 1
		return
	}
	sh.last = pids[len(pids)-1]
	if pl.background {
		if sh.interactive {
			fprintf(t, 2, "[%d]\n", sh.last)
		}
		sh.status = 0
		return
	}
	sh.foreground(pgid, pids)
}

// foreground waits for pids with the terminal given to pgid.
func (sh *shell) foreground(pgid int, pids []int) {
	t := sh.t
	if sh.jobs && pgid != 0 {
		t.Ioctl(0, abi.TIOCSPGRP, &pgid)
		defer t.Ioctl(0, abi.TIOCSPGRP, &sh.pgid)
	}
	for _, pid := range pids {
		for {
			_, ws, err := t.Wait4(pid, abi.WUNTRACED)
			if err == abi.EINTR {
				continue
			}
			if err != nil {
				break
			}
			if pid == pids[len(pids)-1] {
				sh.status = exitCode(ws)
			}
			if ws.Stopped() {
				sh.stopped = append(sh.stopped, pgid)
				fprintf(t, 2, "\n[stopped] %d\n", pid)
			} else if ws.Signaled() && sh.interactive && ws.Signal() == int(signal.SIGINT) {
				fprintf(t, 2, "\n")
			}
			break
		}
	}
}

// child sets up a forked command and executes it.
func (sh *shell) child(t *task.Task, c *stage, pgid, in, out int) int {
	if sh.jobs {
		t.Setpgid(0, pgid)
		for _, sig := range jobSignals {
			t.Sigaction(int(sig), &signal.Action{Handler: signal.SIG_DFL}, nil)
		}
	}
	if in >= 0 {
		t.Dup2(in, 0)
	}
	if out >= 0 {
		t.Dup2(out, 1)
	}
	for _, r := range c.redirs {
		if err := applyRedir(t, r); err != nil {
			fprintf(t, 2, "sh: %s: %v\n", r.path, err)
			return 1
		}
	}
	if len(c.argv) == 0 {
		return 0
	}
	if b, ok := builtins[c.argv[0]]; ok {
		sub := *sh
		sub.t = t
		return b(&sub, c.argv)
	}
	env := sh.environ(c.assigns)
	path, err := lookPath(t, c.argv[0], env)
	if err != nil {
		fprintf(t, 2, "sh: %s: not found\n", c.argv[0])
		return 127
	}
	err = t.Exec(path, c.argv, env)
	fprintf(t, 2, "sh: %s: %v\n", c.argv[0], err)
	if err == abi.ENOENT {
		return 127
	}
	return 126
}

func applyRedir(t *task.Task, r redir) error {
	if r.dup >= 0 {
		_, err := t.Dup2(r.dup, r.fd)
		return err
	}
	fd, err := t.Open(r.path, r.flags, 0644)
	if err != nil {
		return err
	}
	if fd != r.fd {
		if _, err := t.Dup2(fd, r.fd); err != nil {
			return err
		}
		t.Close(fd)
	}
	return nil
}

// withRedirs runs a builtin with redirections applied to the shell's
// own descriptors, restoring them afterwards.
func (sh *shell) withRedirs(redirs []redir, fn func() int) int {
	t := sh.t
	saved := make(map[int]int)
	defer func() {
		for fd, keep := range saved {
			if keep >= 0 {
				t.Dup2(keep, fd)
				t.Close(keep)
			} else {
				t.Close(fd)
			}
		}
	}()
	for _, r := range redirs {
		if _, ok := saved[r.fd]; !ok {
			keep, err := t.Fcntl(r.fd, abi.F_DUPFD_CLOEXEC, 10)
			if err != nil {
				keep = -1
			}
			saved[r.fd] = keep
		}
		if err := applyRedir(t, r); err != nil {
			fprintf(t, 2, "sh: %s: %v\n", r.path, err)
			return 1
		}
	}
	return fn()
}

var builtins map[string]func(sh *shell, argv []string) int

func init() {
	builtins = map[string]func(sh *shell, argv []string) int{
		"cd":     (*shell).cd,
		"exit":   (*shell).exit,
		"export": (*shell).export,
		"unset":  (*shell).unset,
		"fg":     (*shell).fg,
		"wait":   (*shell).wait,
	}
}

func (sh *shell) cd(argv []string) int {
	dir := sh.vars["HOME"]
	if len(argv) > 1 {
		dir = argv[1]
	}
	if dir == "" {
		dir = "/"
	}
	if err := sh.t.Chdir(dir); err != nil {
		fprintf(sh.t, 2, "cd: %s: %v\n", dir, err)
		return 1
	}
	if cwd, err := sh.t.Getcwd(); err == nil {
		sh.vars["PWD"] = cwd
	}
	return 0
}

func (sh *shell) exit(argv []string) int {
	code := sh.status
	if len(argv) > 1 {
		n, err := strconv.Atoi(argv[1])
		if err != nil {
			fprintf(sh.t, 2, "exit: %s: numeric argument required\n", argv[1])
			n = 2
		}
		code = n
	}
	sh.exited = true
	return code & 0xff
}

func (sh *shell) export(argv []string) int {
	if len(argv) == 1 {
		for _, kv := range sh.environ(nil) {
			fprintf(sh.t, 1, "export %s\n", kv)
		}
		return 0
	}
	for _, arg := range argv[1:] {
		k, v, ok := strings.Cut(arg, "=")
		if ok {
			sh.vars[k] = v
		}
		sh.exported[k] = true
	}
	return 0
}

func (sh *shell) unset(argv []string) int {
	for _, k := range argv[1:] {
		delete(sh.vars, k)
		delete(sh.exported, k)
	}
	return 0
}

// fg continues the most recently stopped job in the foreground.
func (sh *shell) fg(argv []string) int {
	if len(sh.stopped) == 0 {
		fprintf(sh.t, 2, "fg: no current job\n")
		return 1
	}
	pgid := sh.stopped[len(sh.stopped)-1]
	sh.stopped = sh.stopped[:len(sh.stopped)-1]
	if err := sh.t.Kill(-pgid, int(signal.SIGCONT)); err != nil {
		fprintf(sh.t, 2, "fg: %v\n", err)
		return 1
	}
	sh.foreground(pgid, sh.t.Kernel().Group(pgid))
	return sh.status
}

// wait reaps every child.
func (sh *shell) wait(argv []string) int {
	for {
		_, _, err := sh.t.Wait4(-1, 0)
		if err == abi.EINTR {
			continue
		}
		if err != nil {
			return 0
		}
	}
}
