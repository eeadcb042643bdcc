// Package rpc implements the node-to-node RPC surface (spec.md §4.5) over
// libp2p streams, grounded on the teacher's generic packet handler
// (internal/network/mesh.go: StartNodeWithStreams/SendPacket), generalized
// from a single opaque byte-packet into a dispatched, typed envelope.
package rpc

import (
	"time"

	"github.com/francoispqt/gojay"

	"github.com/kadefs/kadefs/internal/identifier"
)

// Method names the 12 RPCs of spec.md §4.5.
type Method string

const (
	MethodPing                  Method = "ping"
	MethodStore                 Method = "store"
	MethodFindNode               Method = "find_node"
	MethodFindValue              Method = "find_value"
	MethodFindChunkLocation      Method = "find_chunk_location"
	MethodContains               Method = "contains"
	MethodCheckIfNewValueExists  Method = "check_if_new_value_exists"
	MethodDelete                 Method = "delete"
	MethodConfirmIntegrity       Method = "confirm_integrity"
	MethodGetMetadataList        Method = "get_metadata_list"
	MethodGetChunkValue          Method = "get_chunk_value"
	MethodFindNeighbors          Method = "find_neighbors"
)

// Kind mirrors store.Kind without importing internal/store, to keep the
// wire protocol free of a dependency on the storage engine's internals.
// Callers on either side convert at the boundary (internal/api does this
// for the local node's own store.Kind values).
type Kind int8

const (
	KindMetadata Kind = 0
	KindChunk    Kind = 1
)

// NeighborInfo is the wire shape of a routing-table descriptor returned by
// find_node / find_chunk_location / find_neighbors (spec.md §4.5).
type NeighborInfo struct {
	ID   identifier.ID
	Host string
	Port int
}

func (n *NeighborInfo) MarshalJSONObject(enc *gojay.Encoder) {
	enc.AddStringKey("id", n.ID.String())
	enc.AddStringKey("host", n.Host)
	enc.AddIntKey("port", n.Port)
}

func (n *NeighborInfo) IsNil() bool { return n == nil }

func (n *NeighborInfo) UnmarshalJSONObject(dec *gojay.Decoder, key string) error {
	switch key {
	case "id":
		var s string
		if err := dec.String(&s); err != nil {
			return err
		}
		id, err := identifier.FromHex(s)
		if err != nil {
			return err
		}
		n.ID = id
	case "host":
		return dec.String(&n.Host)
	case "port":
		return dec.Int(&n.Port)
	}
	return nil
}

func (n *NeighborInfo) NKeys() int { return 3 }

type neighborList []NeighborInfo

func (l neighborList) MarshalJSONArray(enc *gojay.Encoder) {
	for i := range l {
		enc.AddObject(&l[i])
	}
}

func (l neighborList) IsNil() bool { return l == nil }

func (l *neighborList) UnmarshalJSONArray(dec *gojay.Decoder) error {
	var n NeighborInfo
	if err := dec.Object(&n); err != nil {
		return err
	}
	*l = append(*l, n)
	return nil
}

// Message is a single flat envelope used for every RPC request and
// response: which fields are meaningful is determined by Method. This
// mirrors the teacher's single opaque-packet-in/opaque-packet-out
// transport, generalized just enough to carry a dispatch tag and
// strongly-typed fields instead of an application-defined blob.
type Message struct {
	ID     string // uuid correlation id (SPEC_FULL.md §4.5)
	Method Method

	// Sender tuple, present on every request (spec.md §4.5).
	SenderID   identifier.ID
	SenderHost string
	SenderPort int

	// Request fields (subset populated depending on Method).
	RemoteID  *identifier.ID
	TargetID  identifier.ID
	Kind      Kind
	Value     []byte
	KeyName   string
	LastWrite time.Time

	// Response fields (subset populated depending on Method).
	OK        bool
	Present   bool
	HasValue  bool
	Host      string
	Port      int
	Names     []string
	Neighbors []NeighborInfo
	ErrCode   string
	ErrMsg    string
}

const timeLayout = time.RFC3339Nano

func (m *Message) MarshalJSONObject(enc *gojay.Encoder) {
	enc.AddStringKey("id", m.ID)
	enc.AddStringKey("method", string(m.Method))
	enc.AddStringKey("sender_id", m.SenderID.String())
	enc.AddStringKey("sender_host", m.SenderHost)
	enc.AddIntKey("sender_port", m.SenderPort)

	if m.RemoteID != nil {
		enc.AddStringKey("remote_id", m.RemoteID.String())
	}
	if m.TargetID != (identifier.ID{}) {
		enc.AddStringKey("target_id", m.TargetID.String())
	}
	enc.AddInt8Key("kind", int8(m.Kind))
	if len(m.Value) > 0 {
		enc.AddStringKey("value", encodeBytes(m.Value))
	}
	if m.KeyName != "" {
		enc.AddStringKey("key_name", m.KeyName)
	}
	if !m.LastWrite.IsZero() {
		enc.AddStringKey("last_write", m.LastWrite.UTC().Format(timeLayout))
	}

	enc.AddBoolKey("ok", m.OK)
	enc.AddBoolKey("present", m.Present)
	enc.AddBoolKey("has_value", m.HasValue)
	if m.Host != "" {
		enc.AddStringKey("host", m.Host)
	}
	if m.Port != 0 {
		enc.AddIntKey("port", m.Port)
	}
	if len(m.Names) > 0 {
		enc.AddArrayKey("names", gojay.EncodeArrayFunc(func(enc *gojay.Encoder) {
			for _, n := range m.Names {
				enc.AddString(n)
			}
		}))
	}
	if len(m.Neighbors) > 0 {
		enc.AddArrayKey("neighbors", neighborList(m.Neighbors))
	}
	if m.ErrCode != "" {
		enc.AddStringKey("err_code", m.ErrCode)
		enc.AddStringKey("err_msg", m.ErrMsg)
	}
}

func (m *Message) IsNil() bool { return m == nil }

func (m *Message) UnmarshalJSONObject(dec *gojay.Decoder, key string) error {
	switch key {
	case "id":
		return dec.String(&m.ID)
	case "method":
		var s string
		if err := dec.String(&s); err != nil {
			return err
		}
		m.Method = Method(s)
	case "sender_id":
		var s string
		if err := dec.String(&s); err != nil {
			return err
		}
		id, err := identifier.FromHex(s)
		if err != nil {
			return err
		}
		m.SenderID = id
	case "sender_host":
		return dec.String(&m.SenderHost)
	case "sender_port":
		return dec.Int(&m.SenderPort)
	case "remote_id":
		var s string
		if err := dec.String(&s); err != nil {
			return err
		}
		id, err := identifier.FromHex(s)
		if err != nil {
			return err
		}
		m.RemoteID = &id
	case "target_id":
		var s string
		if err := dec.String(&s); err != nil {
			return err
		}
		id, err := identifier.FromHex(s)
		if err != nil {
			return err
		}
		m.TargetID = id
	case "kind":
		var k int8
		if err := dec.Int8(&k); err != nil {
			return err
		}
		m.Kind = Kind(k)
	case "value":
		var s string
		if err := dec.String(&s); err != nil {
			return err
		}
		b, err := decodeBytes(s)
		if err != nil {
			return err
		}
		m.Value = b
	case "key_name":
		return dec.String(&m.KeyName)
	case "last_write":
		var s string
		if err := dec.String(&s); err != nil {
			return err
		}
		t, err := time.Parse(timeLayout, s)
		if err != nil {
			return err
		}
		m.LastWrite = t
	case "ok":
		return dec.Bool(&m.OK)
	case "present":
		return dec.Bool(&m.Present)
	case "has_value":
		return dec.Bool(&m.HasValue)
	case "host":
		return dec.String(&m.Host)
	case "port":
		return dec.Int(&m.Port)
	case "names":
		var names []string
		if err := dec.Array(gojay.DecodeArrayFunc(func(dec *gojay.Decoder) error {
			var s string
			if err := dec.String(&s); err != nil {
				return err
			}
			names = append(names, s)
			return nil
		})); err != nil {
			return err
		}
		m.Names = names
	case "neighbors":
		var l neighborList
		if err := dec.Array(&l); err != nil {
			return err
		}
		m.Neighbors = l
	case "err_code":
		return dec.String(&m.ErrCode)
	case "err_msg":
		return dec.String(&m.ErrMsg)
	}
	return nil
}

func (m *Message) NKeys() int { return 0 }

// Encode serialises a Message to wire bytes.
func Encode(m *Message) ([]byte, error) {
	return gojay.Marshal(m)
}

// Decode parses wire bytes into a Message.
func Decode(b []byte) (*Message, error) {
	m := &Message{}
	if err := gojay.Unmarshal(b, m); err != nil {
		return nil, err
	}
	return m, nil
}
