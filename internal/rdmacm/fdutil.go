package rdmacm

import (
	"os"

	"golang.org/x/sys/unix"
)

// setNonblockingCloexec puts f into non-blocking, close-on-exec mode,
// applied here to the simulated backend's pipe so GetFD returns
// something a real epoll/select loop could drive.
func setNonblockingCloexec(f *os.File) error {
	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		return err
	}
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return err
	}
	_, err = unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags|unix.FD_CLOEXEC)
	return err
}
