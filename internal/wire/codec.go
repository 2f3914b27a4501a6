package wire

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Codec converts frames to and from websocket messages.
type Codec interface {
	Subprotocol() string
	// MessageType is the websocket message type frames are written as.
	MessageType() int
	Encode(f Frame) ([]byte, error)
	Decode(data []byte) (Frame, error)
	Close()
}

// Subprotocols lists what a client offers, preferred first.
func Subprotocols(preferred string) []string {
	if preferred == SubprotocolProtobuf {
		return []string{SubprotocolProtobuf, SubprotocolJSON}
	}
	return []string{SubprotocolJSON, SubprotocolProtobuf}
}

// ForSubprotocol returns the codec for a negotiated subprotocol. An empty
// subprotocol means the peer did not negotiate and JSON is assumed.
func ForSubprotocol(name string) (Codec, error) {
	switch name {
	case SubprotocolJSON, "":
		return JSONCodec{}, nil
	case SubprotocolProtobuf:
		return NewProtoCodec()
	}
	return nil, fmt.Errorf("unsupported subprotocol %q", name)
}

// JSONCodec writes frames as JSON text messages.
type JSONCodec struct{}

func (JSONCodec) Subprotocol() string { return SubprotocolJSON }
func (JSONCodec) MessageType() int    { return websocket.TextMessage }
func (JSONCodec) Close()              {}

func (JSONCodec) Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

func (JSONCodec) Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("unmarshal JSON frame: %w", err)
	}
	return f, nil
}

// ProtoCodec writes frames as zstd-compressed google.protobuf.Struct
// binary messages.
type ProtoCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func NewProtoCodec() (*ProtoCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &ProtoCodec{enc: enc, dec: dec}, nil
}

func (c *ProtoCodec) Subprotocol() string { return SubprotocolProtobuf }
func (c *ProtoCodec) MessageType() int    { return websocket.BinaryMessage }

func (c *ProtoCodec) Encode(f Frame) ([]byte, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("flatten frame: %w", err)
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build struct: %w", err)
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal protobuf: %w", err)
	}
	return c.enc.EncodeAll(pbData, nil), nil
}

func (c *ProtoCodec) Decode(data []byte) (Frame, error) {
	pbData, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return Frame{}, fmt.Errorf("decompress frame: %w", err)
	}
	var st structpb.Struct
	if err := proto.Unmarshal(pbData, &st); err != nil {
		return Frame{}, fmt.Errorf("unmarshal protobuf frame: %w", err)
	}
	raw, err := json.Marshal(st.AsMap())
	if err != nil {
		return Frame{}, fmt.Errorf("re-encode frame: %w", err)
	}
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("unmarshal frame: %w", err)
	}
	return f, nil
}

// Close releases encoder resources.
func (c *ProtoCodec) Close() {
	if c.enc != nil {
		c.enc.Close()
	}
	if c.dec != nil {
		c.dec.Close()
	}
}
