package tty

// Termios is the terminal settings record exchanged by TCGETS/TCSETS.
type Termios struct {
	Iflag uint32
	Oflag uint32
	Cflag uint32
	Lflag uint32
	Cc    [19]byte
}

// Winsize is the window size record exchanged by TIOCGWINSZ/TIOCSWINSZ.
type Winsize struct {
	Row    uint16
	Col    uint16
	Xpixel uint16
	Ypixel uint16
}

const (
	ICRNL = 0x100

	OPOST = 0x1
	ONLCR = 0x4

	ISIG    = 0x1
	ICANON  = 0x2
	ECHO    = 0x8
	ECHOE   = 0x10
	ECHOK   = 0x20
	ECHOCTL = 0x200
)

// Indexes into Termios.Cc.
const (
	VINTR  = 0
	VQUIT  = 1
	VERASE = 2
	VKILL  = 3
	VEOF   = 4
	VSUSP  = 10
)

// DefaultTermios is cooked mode with echo.
func DefaultTermios() Termios {
	t := Termios{
		Iflag: ICRNL,
		Oflag: OPOST | ONLCR,
		Cflag: 0xbf, // CS8|CREAD|B38400
		Lflag: ISIG | ICANON | ECHO | ECHOE | ECHOK | ECHOCTL,
	}
	t.Cc[VINTR] = 0x03
	t.Cc[VQUIT] = 0x1c
	t.Cc[VERASE] = 0x7f
	t.Cc[VKILL] = 0x15
	t.Cc[VEOF] = 0x04
	t.Cc[VSUSP] = 0x1a
	return t
}
