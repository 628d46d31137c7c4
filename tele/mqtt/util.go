package telemqtt

import (
	"fmt"

	"github.com/256dpi/gomqtt/packet"
)

// PUBLISH payload as text, no duplicate "Message=<Message"
func PacketString(p packet.Generic) string {
	if p == nil {
		return "(nil)"
	}
	if pub, ok := p.(*packet.Publish); ok {
		return fmt.Sprintf("<Publish ID=%d Dup=%t %s>", pub.ID, pub.Dup, MessageString(&pub.Message))
	}
	return p.String()
}

func MessageString(m *packet.Message) string {
	if m == nil {
		return "message=nil"
	}
	return fmt.Sprintf("topic=%q qos=%d retain=%t payload=%q", m.Topic, m.QOS, m.Retain, m.Payload)
}
