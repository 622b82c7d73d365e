package programs

import (
	"bytes"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"tractor.dev/toolkit-go/engine/cli"

	"tractor.dev/cooper/abi"
	"tractor.dev/cooper/signal"
	"tractor.dev/cooper/task"
)

// Echo writes its arguments. A leading -n drops the newline.
func Echo(t *task.Task, argv []string) int {
	args := argv[1:]
	nl := "\n"
	if len(args) > 0 && args[0] == "-n" {
		args, nl = args[1:], ""
	}
	if err := writeAll(t, 1, []byte(strings.Join(args, " ")+nl)); err != nil {
		return 1
	}
	return 0
}

// Kill sends a signal, TERM unless given as -SIG, to each pid. A
// negative pid names a process group.
func Kill(t *task.Task, argv []string) int {
	args := argv[1:]
	sig := signal.SIGTERM
	if len(args) > 0 && args[0] == "-l" {
		var names []string
		for s := signal.Signal(1); s < signal.SIGRTMIN; s++ {
			if s.Valid() {
				names = append(names, strings.TrimPrefix(s.String(), "SIG"))
			}
		}
		fprintf(t, 1, "%s\n", strings.Join(names, " "))
		return 0
	}
	if len(args) > 0 && strings.HasPrefix(args[0], "-") && len(args) > 1 {
		s, ok := signal.Parse(strings.TrimPrefix(args[0], "-"))
		if !ok {
			fprintf(t, 2, "kill: %s: invalid signal\n", args[0])
			return 2
		}
		sig, args = s, args[1:]
	}
	if len(args) == 0 {
		fprintf(t, 2, "kill: usage: kill [-SIG] pid...\n")
		return 2
	}
	code := 0
	for _, arg := range args {
		pid, err := strconv.Atoi(arg)
		if err != nil {
			fprintf(t, 2, "kill: %s: not a pid\n", arg)
			code = 1
			continue
		}
		if err := t.Kill(pid, int(sig)); err != nil {
			fprintf(t, 2, "kill: %d: %v\n", pid, err)
			code = 1
		}
	}
	return code
}

func catCmd(p *proc) *cli.Command {
	return &cli.Command{
		Usage: "cat [file]...",
		Run: func(ctx *cli.Context, args []string) {
			if len(args) == 0 {
				args = []string{"-"}
			}
			buf := make([]byte, 4096)
			for _, path := range args {
				fd := 0
				if path != "-" {
					var err error
					if fd, err = p.t.Open(path, abi.O_RDONLY, 0); err != nil {
						p.errorf("%s: %v", path, err)
						continue
					}
				}
				for {
					n, err := reader{p.t, fd}.Read(buf)
					if n > 0 {
						if err := writeAll(p.t, 1, buf[:n]); err != nil {
							p.errorf("%v", err)
							return
						}
					}
					if err != nil {
						break
					}
				}
				if fd != 0 {
					p.t.Close(fd)
				}
			}
		},
	}
}

func lsCmd(p *proc) *cli.Command {
	var long, all bool
	cmd := &cli.Command{
		Usage: "ls [path]...",
		Run: func(ctx *cli.Context, args []string) {
			if len(args) == 0 {
				args = []string{"."}
			}
			for i, path := range args {
				st, err := p.t.Fstatat(abi.AT_FDCWD, path, abi.AT_SYMLINK_NOFOLLOW)
				if err != nil {
					p.errorf("%s: %v", path, err)
					continue
				}
				if !st.Mode.IsDir() {
					p.entry(path, path, st, long)
					continue
				}
				if len(args) > 1 {
					if i > 0 {
						fmt.Fprintln(p)
					}
					fmt.Fprintf(p, "%s:\n", path)
				}
				names, err := p.readDir(path)
				if err != nil {
					p.errorf("%s: %v", path, err)
					continue
				}
				for _, name := range names {
					if !all && strings.HasPrefix(name, ".") {
						continue
					}
					full := strings.TrimSuffix(path, "/") + "/" + name
					st, err := p.t.Fstatat(abi.AT_FDCWD, full, abi.AT_SYMLINK_NOFOLLOW)
					if err != nil {
						continue
					}
					p.entry(name, full, st, long)
				}
			}
		},
	}
	cmd.Flags().BoolVar(&long, "l", false, "long listing")
	cmd.Flags().BoolVar(&all, "a", false, "show dot entries")
	return cmd
}

func (p *proc) readDir(path string) ([]string, error) {
	return readDir(p.t, path)
}

func readDir(t *task.Task, path string) ([]string, error) {
	fd, err := t.Open(path, abi.O_RDONLY|abi.O_DIRECTORY, 0)
	if err != nil {
		return nil, err
	}
	defer t.Close(fd)
	ents, err := t.Getdents(fd, 0)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range ents {
		names = append(names, e.Name)
	}
	sort.Strings(names)
	return names, nil
}

func (p *proc) entry(name, full string, st abi.Stat, long bool) {
	if !long {
		fmt.Fprintln(p, name)
		return
	}
	line := fmt.Sprintf("%s %3d %8d %s", st.Mode, st.Nlink, st.Size, name)
	if st.Mode&fs.ModeSymlink != 0 {
		if target, err := p.t.Readlinkat(abi.AT_FDCWD, full); err == nil {
			line += " -> " + target
		}
	}
	fmt.Fprintln(p, line)
}

func sleepCmd(p *proc) *cli.Command {
	return &cli.Command{
		Usage: "sleep <seconds>",
		Args:  cli.ExactArgs(1),
		Run: func(ctx *cli.Context, args []string) {
			d, err := time.ParseDuration(args[0])
			if err != nil {
				secs, err := strconv.ParseFloat(args[0], 64)
				if err != nil {
					p.errorf("%s: invalid interval", args[0])
					return
				}
				d = time.Duration(secs * float64(time.Second))
			}
			if err := p.t.Nanosleep(d); err != nil {
				p.code = 1
			}
		},
	}
}

func psCmd(p *proc) *cli.Command {
	return &cli.Command{
		Usage: "ps",
		Args:  cli.ExactArgs(0),
		Run: func(ctx *cli.Context, args []string) {
			names, err := p.readDir("/proc")
			if err != nil {
				p.errorf("/proc: %v", err)
				return
			}
			var pids []int
			for _, name := range names {
				if pid, err := strconv.Atoi(name); err == nil {
					pids = append(pids, pid)
				}
			}
			sort.Ints(pids)
			fmt.Fprintf(p, "%5s %5s %s %s\n", "PID", "PPID", "S", "CMD")
			for _, pid := range pids {
				dir := "/proc/" + strconv.Itoa(pid)
				stat, err := p.t.ReadFile(dir + "/stat")
				if err != nil {
					continue
				}
				// pid (comm) state ppid ...
				s := string(stat)
				end := strings.LastIndexByte(s, ')')
				start := strings.IndexByte(s, '(')
				if start < 0 || end < start {
					continue
				}
				fields := strings.Fields(s[end+1:])
				if len(fields) < 2 {
					continue
				}
				cmd := "[" + s[start+1:end] + "]"
				if b, err := p.t.ReadFile(dir + "/cmdline"); err == nil && len(b) > 0 {
					cmd = string(bytes.ReplaceAll(bytes.TrimRight(b, "\x00"), []byte{0}, []byte{' '}))
				}
				fmt.Fprintf(p, "%5d %5s %s %s\n", pid, fields[1], fields[0], cmd)
			}
		},
	}
}

func mkdirCmd(p *proc) *cli.Command {
	var parents bool
	cmd := &cli.Command{
		Usage: "mkdir <dir>...",
		Args:  cli.MinArgs(1),
		Run: func(ctx *cli.Context, args []string) {
			for _, dir := range args {
				if !parents {
					if err := p.t.Mkdirat(abi.AT_FDCWD, dir, 0755); err != nil {
						p.errorf("%s: %v", dir, err)
					}
					continue
				}
				path := ""
				if strings.HasPrefix(dir, "/") {
					path = "/"
				}
				for _, part := range strings.Split(dir, "/") {
					if part == "" {
						continue
					}
					path += part
					if err := p.t.Mkdirat(abi.AT_FDCWD, path, 0755); err != nil && err != abi.EEXIST {
						p.errorf("%s: %v", path, err)
						break
					}
					path += "/"
				}
			}
		},
	}
	cmd.Flags().BoolVar(&parents, "p", false, "make parent directories as needed")
	return cmd
}

func rmCmd(p *proc) *cli.Command {
	var recursive bool
	cmd := &cli.Command{
		Usage: "rm <path>...",
		Args:  cli.MinArgs(1),
		Run: func(ctx *cli.Context, args []string) {
			for _, path := range args {
				if err := p.remove(path, recursive); err != nil {
					p.errorf("%s: %v", path, err)
				}
			}
		},
	}
	cmd.Flags().BoolVar(&recursive, "r", false, "remove directories and their contents")
	return cmd
}

func (p *proc) remove(path string, recursive bool) error {
	st, err := p.t.Fstatat(abi.AT_FDCWD, path, abi.AT_SYMLINK_NOFOLLOW)
	if err != nil {
		return err
	}
	if !st.Mode.IsDir() {
		return p.t.Unlinkat(abi.AT_FDCWD, path, 0)
	}
	if !recursive {
		return abi.EISDIR
	}
	names, err := p.readDir(path)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "." || name == ".." {
			continue
		}
		if err := p.remove(strings.TrimSuffix(path, "/")+"/"+name, true); err != nil {
			return err
		}
	}
	return p.t.Unlinkat(abi.AT_FDCWD, path, abi.AT_REMOVEDIR)
}

func pwdCmd(p *proc) *cli.Command {
	return &cli.Command{
		Usage: "pwd",
		Args:  cli.ExactArgs(0),
		Run: func(ctx *cli.Context, args []string) {
			cwd, err := p.t.Getcwd()
			if err != nil {
				p.errorf("%v", err)
				return
			}
			fmt.Fprintln(p, cwd)
		},
	}
}
