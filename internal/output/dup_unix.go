//go:build unix

package output

import "golang.org/x/sys/unix"

func dupFd(fd int) (int, error) {
	nfd, err := unix.Dup(fd)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(nfd)
	return nfd, nil
}
