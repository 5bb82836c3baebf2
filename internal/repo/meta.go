package repo

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Meta is the type specific payload of a payment request. The concrete
// variant always matches the request's PaymentType.
type Meta interface {
	Kind() PaymentType
}

// AccessMeta describes an access purchase.
type AccessMeta struct {
	Plan string `json:"plan,omitempty"`
}

// BotMeta describes a bot slot purchase.
type BotMeta struct {
	Slots       int    `json:"slots,omitempty"`
	BotUsername string `json:"bot_username,omitempty"`
}

// PayoutMeta describes a referral payout request.
type PayoutMeta struct {
	Destination string `json:"destination,omitempty"`
}

// OtherMeta carries free form attributes for uncategorised payments.
type OtherMeta struct {
	Note   string            `json:"note,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

func (AccessMeta) Kind() PaymentType { return PaymentAccess }
func (BotMeta) Kind() PaymentType    { return PaymentBot }
func (PayoutMeta) Kind() PaymentType { return PaymentPayout }
func (OtherMeta) Kind() PaymentType  { return PaymentOther }

// SlotCount returns the number of bot slots granted on confirmation.
func (m BotMeta) SlotCount() int {
	if m.Slots <= 0 {
		return 1
	}
	return m.Slots
}

// DefaultMeta returns the zero variant for the payment type.
func DefaultMeta(t PaymentType) Meta {
	switch t {
	case PaymentAccess:
		return AccessMeta{}
	case PaymentBot:
		return BotMeta{}
	case PaymentPayout:
		return PayoutMeta{}
	default:
		return OtherMeta{}
	}
}

func encodeMeta(t PaymentType, m Meta) ([]byte, error) {
	if m == nil {
		m = DefaultMeta(t)
	}
	if m.Kind() != t {
		return nil, fmt.Errorf("meta kind %s does not match payment type %s", m.Kind(), t)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal meta: %w", err)
	}
	return data, nil
}

// ParseMeta decodes a client supplied payload into the variant of t.
// Unknown fields are rejected.
func ParseMeta(t PaymentType, data []byte) (Meta, error) {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return DefaultMeta(t), nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var err error
	switch t {
	case PaymentAccess:
		var m AccessMeta
		if err = dec.Decode(&m); err == nil {
			return m, nil
		}
	case PaymentBot:
		var m BotMeta
		if err = dec.Decode(&m); err == nil {
			return m, nil
		}
	case PaymentPayout:
		var m PayoutMeta
		if err = dec.Decode(&m); err == nil {
			return m, nil
		}
	default:
		var m OtherMeta
		if err = dec.Decode(&m); err == nil {
			return m, nil
		}
	}
	return nil, fmt.Errorf("decode %s meta: %w", t, err)
}

// decodeMeta is the lenient read path for stored rows.
func decodeMeta(t PaymentType, data []byte) Meta {
	if len(data) == 0 {
		return DefaultMeta(t)
	}
	m, err := ParseMeta(t, data)
	if err != nil {
		return DefaultMeta(t)
	}
	return m
}

// jsonParam passes JSON as text so both drivers accept it.
func jsonParam(data []byte) any {
	if data == nil {
		return nil
	}
	return string(data)
}
