package store

import (
	"bytes"
	"encoding/base64"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/francoispqt/gojay"

	"github.com/kadefs/kadefs/internal/identifier"
)

// Kind distinguishes the two disjoint record namespaces (spec.md §3).
type Kind int

const (
	KindMetadata Kind = iota
	KindChunk
)

func (k Kind) String() string {
	if k == KindMetadata {
		return "metadata"
	}
	return "chunk"
}

// Record is the unit stored by the DHT (spec.md §3), combining the fields
// persisted in a record file (values/ or metadata/) with the fields
// persisted in its companion timestamp file.
type Record struct {
	Key           identifier.ID
	Kind          Kind
	Value         []byte
	KeyName       string
	LastWrite     time.Time
	Integrity     bool
	IntegrityDate time.Time
	RepublishFlag bool
	LastTouch     time.Time
}

const timeLayout = time.RFC3339Nano

// recordFile is the gojay-encoded shape written under values/ or
// metadata/: {integrity, value, integrity_date, key_name?, last_write}
// (spec.md §6). Value is brotli-compressed before being base64-encoded
// into the JSON string (SPEC_FULL.md §4.3).
type recordFile struct {
	Integrity     bool
	Value         []byte
	IntegrityDate time.Time
	KeyName       string
	LastWrite     time.Time
}

func (r *recordFile) MarshalJSONObject(enc *gojay.Encoder) {
	enc.AddBoolKey("integrity", r.Integrity)
	compressed, err := compress(r.Value)
	if err == nil {
		enc.AddStringKey("value", base64.StdEncoding.EncodeToString(compressed))
	}
	enc.AddStringKey("integrity_date", r.IntegrityDate.UTC().Format(timeLayout))
	if r.KeyName != "" {
		enc.AddStringKey("key_name", r.KeyName)
	}
	enc.AddStringKey("last_write", r.LastWrite.UTC().Format(timeLayout))
}

func (r *recordFile) IsNil() bool { return r == nil }

func (r *recordFile) UnmarshalJSONObject(dec *gojay.Decoder, key string) error {
	switch key {
	case "integrity":
		return dec.Bool(&r.Integrity)
	case "value":
		var encoded string
		if err := dec.String(&encoded); err != nil {
			return err
		}
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return err
		}
		decompressed, err := decompress(raw)
		if err != nil {
			return err
		}
		r.Value = decompressed
	case "integrity_date":
		var s string
		if err := dec.String(&s); err != nil {
			return err
		}
		t, err := time.Parse(timeLayout, s)
		if err != nil {
			return err
		}
		r.IntegrityDate = t
	case "key_name":
		return dec.String(&r.KeyName)
	case "last_write":
		var s string
		if err := dec.String(&s); err != nil {
			return err
		}
		t, err := time.Parse(timeLayout, s)
		if err != nil {
			return err
		}
		r.LastWrite = t
	}
	return nil
}

func (r *recordFile) NKeys() int { return 5 }

// timestampFile is the gojay-encoded shape written under timestamps/:
// {date, republish, last_write} (spec.md §6). "date" is last_touch.
type timestampFile struct {
	Date      time.Time
	Republish bool
	LastWrite time.Time
}

func (t *timestampFile) MarshalJSONObject(enc *gojay.Encoder) {
	enc.AddStringKey("date", t.Date.UTC().Format(timeLayout))
	enc.AddBoolKey("republish", t.Republish)
	enc.AddStringKey("last_write", t.LastWrite.UTC().Format(timeLayout))
}

func (t *timestampFile) IsNil() bool { return t == nil }

func (t *timestampFile) UnmarshalJSONObject(dec *gojay.Decoder, key string) error {
	switch key {
	case "date":
		var s string
		if err := dec.String(&s); err != nil {
			return err
		}
		v, err := time.Parse(timeLayout, s)
		if err != nil {
			return err
		}
		t.Date = v
	case "republish":
		return dec.Bool(&t.Republish)
	case "last_write":
		var s string
		if err := dec.String(&s); err != nil {
			return err
		}
		v, err := time.Parse(timeLayout, s)
		if err != nil {
			return err
		}
		t.LastWrite = v
	}
	return nil
}

func (t *timestampFile) NKeys() int { return 3 }

func compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(b []byte) ([]byte, error) {
	r := brotli.NewReader(bytes.NewReader(b))
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
