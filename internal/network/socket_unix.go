package network

import (
	"golang.org/x/sys/unix"
)

func (s *socketFD) release(fd int) {
	s.releaseFunc(fd, closeLogError)
}

func (s *socketFD) close() {
	s.closeFunc(closeLogError)
}

// CloseErrorHandler is invoked when closing a file descriptor fails. It is a
// package variable so the program can route those errors to its logger.
var CloseErrorHandler = func(fd int, err error) {}

func closeLogError(fd int) {
	if err := unix.Close(fd); err != nil {
		CloseErrorHandler(fd, err)
	}
}
