package repository

import (
	"context"
	"fmt"
	"strings"

	"blocktalk/internal/models"
	"blocktalk/internal/service"
)

// DemoContacts seeds the directory when nothing else is configured.
var DemoContacts = []models.Profile{
	{ID: "contact-alice-123", DisplayName: "Alice Wonderland", AvatarRef: "https://placehold.co/100x100.png"},
	{ID: "contact-bob-456", DisplayName: "Bob The Builder", AvatarRef: "https://placehold.co/100x100.png"},
	{ID: "contact-charlie-789", DisplayName: "Charlie Brown", AvatarRef: "https://placehold.co/100x100.png"},
}

// StaticDirectory is a read-only profile list. Ids it does not know still
// resolve, to a profile carrying only the id.
type StaticDirectory struct {
	profiles []models.Profile
	byID     map[string]models.Profile
}

var _ service.Directory = (*StaticDirectory)(nil)

func NewStaticDirectory(profiles []models.Profile) *StaticDirectory {
	d := &StaticDirectory{byID: make(map[string]models.Profile, len(profiles))}
	for _, p := range profiles {
		if _, dup := d.byID[p.ID]; dup {
			continue
		}
		d.byID[p.ID] = p
		d.profiles = append(d.profiles, p)
	}
	return d
}

func (d *StaticDirectory) Lookup(_ context.Context, id string) (models.Profile, error) {
	if id == "" || strings.Contains(id, models.KeySeparator) {
		return models.Profile{}, fmt.Errorf("%w: profile %q", ErrNotFound, id)
	}
	if p, ok := d.byID[id]; ok {
		return p, nil
	}
	return models.Profile{ID: id, DisplayName: id}, nil
}

func (d *StaticDirectory) List(context.Context) ([]models.Profile, error) {
	out := make([]models.Profile, len(d.profiles))
	copy(out, d.profiles)
	return out, nil
}
