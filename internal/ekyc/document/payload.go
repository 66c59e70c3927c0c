package document

import (
	"errors"
	"strings"

	"github.com/beevik/etree"
)

// Payload is the schema family carried by a document. It is either *PlainPayload or *EncryptedPayload.
type Payload interface {
	payload()
}

// PlainPayload carries demographic data in clear.
type PlainPayload struct {
	UidData *etree.Element
}

// EncryptedPayload carries a base64 ciphertext blob and the base64 session key it was sealed with.
type EncryptedPayload struct {
	Ciphertext string
	SessionKey string
}

func (*PlainPayload) payload()     {}
func (*EncryptedPayload) payload() {}

var (
	ciphertextTags = []string{"EncData", "Data", "EncryptedData"}
	sessionKeyTags = []string{"Skey", "SessionKey"}
)

func resolvePayload(root *etree.Element) (Payload, error) {
	if uid := root.SelectElement(UidDataTag); uid != nil {
		return &PlainPayload{UidData: uid}, nil
	}

	ciphertext := firstText(root, ciphertextTags)
	if ciphertext == "" {
		return nil, errors.New("document carries neither UidData nor an encrypted payload")
	}
	sessionKey := firstText(root, sessionKeyTags)
	if sessionKey == "" {
		return nil, errors.New("encrypted payload has no session key")
	}
	return &EncryptedPayload{Ciphertext: ciphertext, SessionKey: sessionKey}, nil
}

// firstText returns the whitespace-free text of the first direct child matching one of tags.
func firstText(parent *etree.Element, tags []string) string {
	for _, tag := range tags {
		if el := parent.SelectElement(tag); el != nil {
			if text := stripSpace(el.Text()); text != "" {
				return text
			}
		}
	}
	return ""
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
}
