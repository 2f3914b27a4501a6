package config

import "github.com/dgnsrekt/rental-realtime/internal/wire"

// Relay protocols accepted in relay.protocol.
const (
	ProtocolJSON     = "json"
	ProtocolProtobuf = "protobuf"
)

// ProtocolSubprotocols maps relay.protocol to the websocket subprotocol.
var ProtocolSubprotocols = map[string]string{
	ProtocolJSON:     wire.SubprotocolJSON,
	ProtocolProtobuf: wire.SubprotocolProtobuf,
}

// ValidLogLevels lists the accepted logging.level values.
var ValidLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}
