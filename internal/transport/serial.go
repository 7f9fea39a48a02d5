package transport

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// defaultBaud matches the common default for Twinleaf sensor links.
const defaultBaud = 115200

var baudRates = map[int]uint32{
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	921600:  unix.B921600,
}

// DialSerial opens a serial sensor link (spec.md §4.2, serial://path[:baud]),
// configuring the port into raw 8N1 mode via termios so the framing layer
// sees an unfiltered byte stream.
func DialSerial(u *url.URL) (Transport, error) {
	path, baud, err := parseSerialURL(u)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: open serial %s: %w", path, err)
	}

	if err := configureRaw(f, baud); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("transport: configure serial %s: %w", path, err)
	}

	return newFileBackedTransport(f, path), nil
}

func parseSerialURL(u *url.URL) (path string, baud int, err error) {
	path = u.Opaque
	if path == "" {
		path = u.Path
	}
	baud = defaultBaud
	if idx := strings.LastIndex(path, ":"); idx >= 0 {
		if b, convErr := strconv.Atoi(path[idx+1:]); convErr == nil {
			baud = b
			path = path[:idx]
		}
	}
	if path == "" {
		return "", 0, fmt.Errorf("transport: serial URL missing device path")
	}
	return path, baud, nil
}

// configureRaw puts the tty into raw mode at the given baud rate, the Go
// equivalent of cfmakeraw() plus the original's explicit speed setup.
func configureRaw(f *os.File, baud int) error {
	rate, ok := baudRates[baud]
	if !ok {
		return fmt.Errorf("unsupported baud rate %d", baud)
	}

	fd := int(f.Fd())
	t, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		return err
	}

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	t.Ispeed = rate
	t.Ospeed = rate

	return unix.IoctlSetTermios(fd, ioctlSetTermios, t)
}
