package marshaler

import (
	"bytes"

	"github.com/golang/protobuf/jsonpb"
	"github.com/golang/protobuf/proto"

	"github.com/brocaar/chirpstack-api/go/v3/gw"
)

// UnmarshalDownlinkFrame unmarshals a DownlinkFrame. The encoding is
// detected from the payload.
func UnmarshalDownlinkFrame(b []byte, df *gw.DownlinkFrame) (Type, error) {
	var t Type

	if trimmed := bytes.TrimSpace(b); len(trimmed) > 0 && trimmed[0] == '{' {
		t = JSON
	} else {
		t = Protobuf
	}

	switch t {
	case JSON:
		m := jsonpb.Unmarshaler{
			AllowUnknownFields: true,
		}
		return t, m.Unmarshal(bytes.NewReader(b), df)
	default:
		return t, proto.Unmarshal(b, df)
	}
}

// MarshalDownlinkFrame marshals the given DownlinkFrame.
func MarshalDownlinkFrame(t Type, df gw.DownlinkFrame) ([]byte, error) {
	return marshal(t, &df)
}
