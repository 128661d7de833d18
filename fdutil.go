package tscb

import "golang.org/x/sys/unix"

// retryRead/retryWrite retry a syscall on EINTR, matching the teacher's
// netfd.Read/netfd.Write helpers (originally package netfd, folded in here
// since the event flag is their only caller left after trimming the
// transport-level code the spec doesn't need).

func retryRead(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Read(fd, buf)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

func retryWrite(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Write(fd, buf)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

func retryClose(fd int) error {
	for {
		err := unix.Close(fd)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}
