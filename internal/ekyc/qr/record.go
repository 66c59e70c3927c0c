package qr

import "github.com/charlesng35/offlinekyc/internal/ekyc/demographics"

// Record maps the payload onto the canonical demographic record.
func (p *Payload) Record() *demographics.Record {
	return &demographics.Record{
		ReferenceID: p.ReferenceID,
		Name:        p.Name,
		DateOfBirth: p.DateOfBirth,
		Gender:      p.Gender,
		Address: demographics.Address{
			CareOf:   p.CareOf,
			House:    p.House,
			Landmark: p.Landmark,
			Locality: p.Location,
			District: p.District,
			State:    p.State,
			Pincode:  p.Pincode,
		},
		LastFourDigits: p.LastFourDigits,
	}
}
