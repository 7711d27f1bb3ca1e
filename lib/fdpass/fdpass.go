// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fdpass

import (
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/sys/unix"
)

// ErrNoDescriptor is returned by Receive when a message arrives without
// an SCM_RIGHTS control message.
var ErrNoDescriptor = errors.New("fdpass: message carried no descriptor")

// Send transfers fd to the peer of connection as SCM_RIGHTS attached to a
// single zero byte. The caller keeps ownership of fd.
func Send(connection *net.UnixConn, fd int) error {
	rights := unix.UnixRights(fd)
	n, oobn, err := connection.WriteMsgUnix([]byte{0}, rights, nil)
	if err != nil {
		return fmt.Errorf("fdpass: sendmsg: %w", err)
	}
	if n != 1 || oobn != len(rights) {
		return fmt.Errorf("fdpass: short sendmsg (%d payload, %d control bytes)", n, oobn)
	}
	return nil
}

// Receive reads one descriptor-carrying message from connection and
// returns the descriptor. Returns io.EOF if the peer closed the channel
// before sending anything. Any descriptors beyond the first are closed.
func Receive(connection *net.UnixConn) (int, error) {
	payload := make([]byte, 1)
	control := make([]byte, unix.CmsgSpace(4))

	n, oobn, flags, _, err := connection.ReadMsgUnix(payload, control)
	if err != nil {
		return -1, fmt.Errorf("fdpass: recvmsg: %w", err)
	}
	if n == 0 && oobn == 0 {
		return -1, io.EOF
	}
	if flags&unix.MSG_CTRUNC != 0 {
		return -1, fmt.Errorf("fdpass: control message truncated")
	}

	messages, err := unix.ParseSocketControlMessage(control[:oobn])
	if err != nil {
		return -1, fmt.Errorf("fdpass: parsing control message: %w", err)
	}

	descriptor := -1
	for index := range messages {
		if messages[index].Header.Level != unix.SOL_SOCKET || messages[index].Header.Type != unix.SCM_RIGHTS {
			continue
		}
		fds, err := unix.ParseUnixRights(&messages[index])
		if err != nil {
			return -1, fmt.Errorf("fdpass: parsing SCM_RIGHTS: %w", err)
		}
		for _, fd := range fds {
			if descriptor == -1 {
				descriptor = fd
				continue
			}
			unix.Close(fd)
		}
	}
	if descriptor == -1 {
		return -1, ErrNoDescriptor
	}

	unix.CloseOnExec(descriptor)
	return descriptor, nil
}
