package client

import (
	"fmt"

	"github.com/rkchat/rkchat/pkg/protocol"
)

// Render formats a frame the way the console client prints it:
//
//	BROADCAST  [RKchat] [alice] [14:07] hi everyone
//	DIRECT     [direct message] [alice] [14:07] hello
//	LOGIN      [system] [14:07] You are now logged in as @ bob
//	SYSTEM     [system] [14:07] User @zed does not exist! [USER_NOT_FOUND]
func Render(frame *protocol.Frame) string {
	base := fmt.Sprintf("[%s] [%s] %s", frame.Sender, clock(frame.Time), frame.Payload)

	switch frame.Type {
	case protocol.TypeBroadcast:
		return "[RKchat] " + base
	case protocol.TypeDirect:
		return "[direct message] " + base
	default:
		return base
	}
}

// clock turns HHmmss into HH:MM.
func clock(hhmmss string) string {
	if len(hhmmss) < 4 {
		return hhmmss
	}
	return hhmmss[:2] + ":" + hhmmss[2:4]
}
