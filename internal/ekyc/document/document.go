// Package document parses offline identity XML and resolves which payload family it carries.
package document

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	xrv "github.com/mattermost/xml-roundtrip-validator"

	apperrors "github.com/charlesng35/offlinekyc/pkg/errors"
)

// Accepted top-level data elements.
const (
	RootOfflinePaperlessKyc = "OfflinePaperlessKyc"
	RootOfflineKyc          = "OfflineKyc"
	RootKycRes              = "KycRes"
)

// UidDataTag is the element holding demographic data in plain documents.
const UidDataTag = "UidData"

const referenceIDAttr = "referenceId"

var acceptedRoots = map[string]struct{}{
	RootOfflinePaperlessKyc: {},
	RootOfflineKyc:          {},
	RootKycRes:              {},
}

// Document is a parsed identity document. The raw bytes are kept for signature verification.
type Document struct {
	raw         []byte
	tree        *etree.Document
	referenceID string
	payload     Payload
}

// Parse validates raw as XML that survives an encoding round trip, parses it strictly
// and resolves its payload. Every failure is an ErrXMLParse.
func Parse(raw []byte) (*Document, error) {
	tree, err := parseTree(raw)
	if err != nil {
		return nil, err
	}

	root := tree.Root()
	if _, ok := acceptedRoots[root.Tag]; !ok {
		return nil, apperrors.ErrXMLParse.WithInternal(fmt.Errorf("unexpected root element %q", root.Tag))
	}

	payload, err := resolvePayload(root)
	if err != nil {
		return nil, apperrors.ErrXMLParse.WithInternal(err)
	}

	return &Document{
		raw:         raw,
		tree:        tree,
		referenceID: strings.TrimSpace(root.SelectAttrValue(referenceIDAttr, "")),
		payload:     payload,
	}, nil
}

// ParsePlaintext parses decrypted document content and returns its UidData element.
// The plaintext may be a bare UidData element or a full document wrapping one.
func ParsePlaintext(raw []byte) (*etree.Element, error) {
	tree, err := parseTree(raw)
	if err != nil {
		return nil, err
	}

	root := tree.Root()
	if root.Tag == UidDataTag {
		return root, nil
	}
	if uid := root.SelectElement(UidDataTag); uid != nil {
		return uid, nil
	}
	return nil, apperrors.ErrXMLParse.WithInternal(fmt.Errorf("decrypted content has no %s element", UidDataTag))
}

func parseTree(raw []byte) (*etree.Document, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, apperrors.ErrXMLParse.WithInternal(errors.New("document is empty"))
	}
	if err := xrv.Validate(bytes.NewReader(raw)); err != nil {
		return nil, apperrors.ErrXMLParse.WithInternal(err)
	}

	tree := etree.NewDocument()
	if err := tree.ReadFromBytes(raw); err != nil {
		return nil, apperrors.ErrXMLParse.WithInternal(err)
	}
	for _, token := range tree.Child {
		if _, ok := token.(*etree.Directive); ok {
			return nil, apperrors.ErrXMLParse.WithInternal(errors.New("document type declarations are not allowed"))
		}
	}
	if tree.Root() == nil {
		return nil, apperrors.ErrXMLParse.WithInternal(errors.New("document has no root element"))
	}
	return tree, nil
}

// Raw returns the bytes the document was parsed from.
func (d *Document) Raw() []byte { return d.raw }

// Tree returns the parsed element tree.
func (d *Document) Tree() *etree.Document { return d.tree }

// Root returns the top-level data element.
func (d *Document) Root() *etree.Element { return d.tree.Root() }

// ReferenceID returns the root referenceId attribute, empty when absent.
func (d *Document) ReferenceID() string { return d.referenceID }

// Payload returns the resolved payload variant.
func (d *Document) Payload() Payload { return d.payload }

// Encrypted reports whether the demographic data must be decrypted first.
func (d *Document) Encrypted() bool {
	_, ok := d.payload.(*EncryptedPayload)
	return ok
}
