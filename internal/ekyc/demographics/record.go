// Package demographics turns verified document content into a canonical demographic record.
package demographics

import (
	"encoding/base64"
	"errors"
	"strings"

	"github.com/beevik/etree"

	"github.com/charlesng35/offlinekyc/internal/ekyc/document"
	apperrors "github.com/charlesng35/offlinekyc/pkg/errors"
)

// Address is the postal address of the identity holder.
type Address struct {
	CareOf      string `json:"care_of,omitempty"`
	House       string `json:"house,omitempty"`
	Street      string `json:"street,omitempty"`
	Landmark    string `json:"landmark,omitempty"`
	Locality    string `json:"locality,omitempty"`
	VTC         string `json:"vtc,omitempty"`
	PostOffice  string `json:"post_office,omitempty"`
	SubDistrict string `json:"sub_district,omitempty"`
	District    string `json:"district,omitempty"`
	State       string `json:"state,omitempty"`
	Country     string `json:"country,omitempty"`
	Pincode     string `json:"pincode,omitempty"`
}

// Record is the canonical demographic record.
type Record struct {
	ReferenceID    string  `json:"reference_id,omitempty"`
	Name           string  `json:"name"`
	DateOfBirth    string  `json:"date_of_birth,omitempty"`
	Gender         string  `json:"gender,omitempty"`
	Address        Address `json:"address"`
	Photo          []byte  `json:"photo,omitempty"`
	MobileHash     string  `json:"mobile_hash,omitempty"`
	EmailHash      string  `json:"email_hash,omitempty"`
	LastFourDigits string  `json:"last_four_digits,omitempty"`
}

// MaskedIdentifier returns the masked form of the identifier, empty when the suffix is unknown.
func (r *Record) MaskedIdentifier() string {
	if r == nil || r.LastFourDigits == "" {
		return ""
	}
	return MaskIdentifier(r.LastFourDigits)
}

// Extract reads Poi, Poa and Pht from a UidData element. Missing attributes are left empty;
// a UidData without a Poi element is an ErrXMLParse.
func Extract(uid *etree.Element, referenceID string) (*Record, error) {
	if uid == nil {
		return nil, apperrors.ErrXMLParse.WithInternal(errors.New("UidData element is missing"))
	}
	poi := uid.SelectElement("Poi")
	if poi == nil {
		return nil, apperrors.ErrXMLParse.WithInternal(errors.New("UidData has no Poi element"))
	}

	record := &Record{
		ReferenceID: referenceID,
		Name:        attr(poi, "name"),
		DateOfBirth: attr(poi, "dob"),
		Gender:      attr(poi, "gender"),
		MobileHash:  attr(poi, "m"),
		EmailHash:   attr(poi, "e"),
	}
	if last4, ok := document.LastFourDigits(referenceID); ok {
		record.LastFourDigits = last4
	}

	if poa := uid.SelectElement("Poa"); poa != nil {
		record.Address = Address{
			CareOf:      attr(poa, "careof"),
			House:       attr(poa, "house"),
			Street:      attr(poa, "street"),
			Landmark:    attr(poa, "landmark"),
			Locality:    attr(poa, "loc"),
			VTC:         attr(poa, "vtc"),
			PostOffice:  attr(poa, "po"),
			SubDistrict: attr(poa, "subdist"),
			District:    attr(poa, "dist"),
			State:       attr(poa, "state"),
			Country:     attr(poa, "country"),
			Pincode:     attr(poa, "pc"),
		}
	}

	if pht := uid.SelectElement("Pht"); pht != nil {
		encoded := strings.Join(strings.Fields(pht.Text()), "")
		if encoded != "" {
			photo, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return nil, apperrors.ErrXMLParse.WithInternal(errors.New("photo is not valid base64"))
			}
			record.Photo = photo
		}
	}
	return record, nil
}

func attr(el *etree.Element, key string) string {
	return strings.TrimSpace(el.SelectAttrValue(key, ""))
}
