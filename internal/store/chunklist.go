package store

import (
	"github.com/francoispqt/gojay"

	"github.com/kadefs/kadefs/internal/identifier"
)

// idList is the gojay array adapter used to serialise an ordered list of
// chunk ids into a Metadata record's value (spec.md §3 "Lifecycle": value
// is the serialised list of chunk ids).
type idList []identifier.ID

func (l idList) MarshalJSONArray(enc *gojay.Encoder) {
	for _, id := range l {
		enc.AddString(id.String())
	}
}

func (l idList) IsNil() bool { return l == nil }

func (l *idList) UnmarshalJSONArray(dec *gojay.Decoder) error {
	var s string
	if err := dec.String(&s); err != nil {
		return err
	}
	id, err := identifier.FromHex(s)
	if err != nil {
		return err
	}
	*l = append(*l, id)
	return nil
}

// EncodeChunkList serialises an ordered list of chunk ids into the bytes a
// Metadata record's Value holds.
func EncodeChunkList(ids []identifier.ID) ([]byte, error) {
	return gojay.Marshal(idList(ids))
}

// DecodeChunkList parses a Metadata record's Value back into its ordered
// chunk ids.
func DecodeChunkList(b []byte) ([]identifier.ID, error) {
	var l idList
	if err := gojay.Unmarshal(b, &l); err != nil {
		return nil, err
	}
	return []identifier.ID(l), nil
}
