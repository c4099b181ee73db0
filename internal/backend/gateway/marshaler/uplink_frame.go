package marshaler

import (
	"github.com/golang/protobuf/jsonpb"
	"github.com/golang/protobuf/proto"

	"github.com/brocaar/chirpstack-api/go/v3/gw"
)

// MarshalUplinkFrame marshals the given UplinkFrame.
func MarshalUplinkFrame(t Type, uf gw.UplinkFrame) ([]byte, error) {
	return marshal(t, &uf)
}

func marshal(t Type, msg proto.Message) ([]byte, error) {
	switch t {
	case JSON:
		m := &jsonpb.Marshaler{
			EmitDefaults: true,
		}
		str, err := m.MarshalToString(msg)
		return []byte(str), err
	default:
		return proto.Marshal(msg)
	}
}
