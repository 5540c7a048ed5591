// Package profile resolves client profiles into template default variables.
package profile

import (
	"context"
	"errors"
	"fmt"

	"msgate/internal/storage"
)

var ErrNotFound = errors.New("client profile not found")

type Profile = storage.ClientProfile

// Lookup fetches one client profile. Implementations return ErrNotFound for
// unknown clients.
type Lookup interface {
	Get(ctx context.Context, clientID string) (Profile, error)
}

// Vars returns the template variables a profile provides. Attributes are
// included under their own names but never shadow the named fields.
func Vars(p Profile) map[string]string {
	out := make(map[string]string, len(p.Attributes)+5)
	for k, v := range p.Attributes {
		out[k] = v
	}
	set := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	set("client_name", p.Name)
	set("target_country", p.TargetCountry)
	set("visa_type", p.VisaType)
	set("client_email", p.Email)
	set("client_phone", p.Phone)
	return out
}

// Defaults adapts a Lookup to the template engine's defaults source.
type Defaults struct {
	Lookup Lookup
}

func (d Defaults) Defaults(ctx context.Context, clientID string) (map[string]string, error) {
	if d.Lookup == nil {
		return nil, nil
	}
	p, err := d.Lookup.Get(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", clientID, err)
	}
	return Vars(p), nil
}

// StoreLookup reads profiles from storage.
type StoreLookup struct {
	Store storage.Store
}

func (l StoreLookup) Get(ctx context.Context, clientID string) (Profile, error) {
	if l.Store == nil {
		return Profile{}, ErrNotFound
	}
	p, err := l.Store.GetClientProfile(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return Profile{}, ErrNotFound
	}
	return p, err
}
