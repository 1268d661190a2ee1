package gateway

import (
	"context"
	"log"

	"github.com/whisper/pairchat/internal/protocol"
	"github.com/whisper/pairchat/internal/ws"
)

var clientTypes = []string{
	protocol.TypeConversationJoin,
	protocol.TypeConversationLeave,
	protocol.TypeConversationStart,
	protocol.TypeMessageNew,
	protocol.TypeMessageDeliver,
	protocol.TypeMessageRead,
	protocol.TypeTypingStart,
	protocol.TypeTypingStop,
}

// Register installs the client event handlers on d.
func (g *Gateway) Register(d *ws.MessageDispatcher) {
	for _, msgType := range clientTypes {
		d.Register(msgType, func(conn *ws.Connection, msg interface{}) {
			if err := g.Handle(context.Background(), conn.ID, conn.UserID, msgType, msg); err != nil {
				g.ReplyError(conn.ID, msgType, err)
			}
		})
	}
}

// Attach hooks the gateway into the server's connection lifecycle.
func (g *Gateway) Attach(s *ws.Server) {
	s.SetOnConnect(func(c *ws.Connection) error {
		return g.Connect(context.Background(), c.ID, c.UserID)
	})
	s.SetOnDisconnect(func(c *ws.Connection) {
		g.Disconnect(context.Background(), c.ID, c.UserID)
		log.Printf("[gateway] disconnected conn=%s user=%s", c.ID, c.UserID)
	})
	s.SetOnHeartbeat(func(c *ws.Connection) {
		g.Heartbeat(context.Background(), c.ID)
	})
}
