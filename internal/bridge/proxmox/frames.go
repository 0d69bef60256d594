package proxmox

import (
	"fmt"
	"strconv"
)

// The termproxy websocket speaks a tiny line-based frame protocol. Frames
// sent by the client:
//
//	0:<len>:<raw bytes>   terminal input
//	1:<cols>:<rows>:      terminal resize
//	2                     keep-alive
//
// The server's first frame after the login line must be the literal "OK";
// everything after that is raw console output.
const (
	keepAliveFrame = "2"
	okFrame        = "OK"
)

// loginFrame builds the authentication line sent before anything else.
func loginFrame(user, ticket string) []byte {
	return []byte(user + ":" + ticket + "\n")
}

// inputFrame wraps one chunk of terminal input.
func inputFrame(data []byte) []byte {
	frame := make([]byte, 0, len(data)+8)
	frame = append(frame, '0', ':')
	frame = strconv.AppendInt(frame, int64(len(data)), 10)
	frame = append(frame, ':')
	return append(frame, data...)
}

// resizeFrame announces the current terminal geometry.
func resizeFrame(cols, rows int) []byte {
	return []byte(fmt.Sprintf("1:%d:%d:", cols, rows))
}

func isOK(frame []byte) bool {
	return string(frame) == okFrame
}
