// Package discovery publishes local endpoints to etcd and turns the records
// other participants publish into matched/unmatched events.
package discovery

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ryandielhenn/zephyrrtps/pkg/qos"
	"github.com/ryandielhenn/zephyrrtps/pkg/rtps"
)

type Role string

const (
	RoleWriter Role = "writer"
	RoleReader Role = "reader"
)

// Announcement describes one endpoint to remote participants.
type Announcement struct {
	GUID              rtps.Guid
	Role              Role
	Topic             string
	Stateful          bool
	QoS               qos.Endpoint
	ExpectsInlineQos  bool
	UnicastLocators   []rtps.Locator
	MulticastLocators []rtps.Locator
}

type EventType uint8

const (
	Added EventType = iota
	Removed
)

func (t EventType) String() string {
	if t == Removed {
		return "removed"
	}
	return "added"
}

// Event is a remote endpoint appearing or going away. Removed events only
// carry the GUID when the record was already gone.
type Event struct {
	Type         EventType
	Announcement Announcement
}

type record struct {
	GUID              string       `json:"guid"`
	Role              Role         `json:"role"`
	Topic             string       `json:"topic"`
	Stateful          bool         `json:"stateful"`
	QoS               qos.Endpoint `json:"qos"`
	ExpectsInlineQos  bool         `json:"expects_inline_qos,omitempty"`
	UnicastLocators   []string     `json:"unicast_locators,omitempty"`
	MulticastLocators []string     `json:"multicast_locators,omitempty"`
}

func (a Announcement) Validate() error {
	if a.GUID.IsUnknown() {
		return fmt.Errorf("announcement without guid")
	}
	switch a.Role {
	case RoleWriter:
		if !a.GUID.EntityId.Kind.IsWriter() {
			return fmt.Errorf("writer announcement %s has reader entity kind", a.GUID)
		}
	case RoleReader:
		if !a.GUID.EntityId.Kind.IsReader() {
			return fmt.Errorf("reader announcement %s has writer entity kind", a.GUID)
		}
	default:
		return fmt.Errorf("announcement %s: unknown role %q", a.GUID, a.Role)
	}
	if a.Topic == "" {
		return fmt.Errorf("announcement %s without topic", a.GUID)
	}
	return a.QoS.Validate()
}

// Marshal renders the etcd value for a.
func (a Announcement) Marshal() ([]byte, error) {
	rec := record{
		GUID:             a.GUID.String(),
		Role:             a.Role,
		Topic:            a.Topic,
		Stateful:         a.Stateful,
		QoS:              a.QoS,
		ExpectsInlineQos: a.ExpectsInlineQos,
	}
	for _, l := range a.UnicastLocators {
		rec.UnicastLocators = append(rec.UnicastLocators, l.String())
	}
	for _, l := range a.MulticastLocators {
		rec.MulticastLocators = append(rec.MulticastLocators, l.String())
	}
	return json.Marshal(rec)
}

// Unmarshal parses and validates an etcd value.
func Unmarshal(data []byte) (Announcement, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Announcement{}, fmt.Errorf("decode announcement: %w", err)
	}
	guid, err := rtps.ParseGuid(rec.GUID)
	if err != nil {
		return Announcement{}, err
	}
	a := Announcement{
		GUID:             guid,
		Role:             rec.Role,
		Topic:            rec.Topic,
		Stateful:         rec.Stateful,
		QoS:              rec.QoS,
		ExpectsInlineQos: rec.ExpectsInlineQos,
	}
	if a.UnicastLocators, err = parseLocators(rec.UnicastLocators); err != nil {
		return Announcement{}, err
	}
	if a.MulticastLocators, err = parseLocators(rec.MulticastLocators); err != nil {
		return Announcement{}, err
	}
	if err := a.Validate(); err != nil {
		return Announcement{}, err
	}
	return a, nil
}

func parseLocators(ss []string) ([]rtps.Locator, error) {
	var out []rtps.Locator
	for _, s := range ss {
		l, err := rtps.ParseLocator(s)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

// Prefix is the etcd key prefix holding every endpoint of a domain.
func Prefix(domain uint32) string {
	return fmt.Sprintf("/zephyr/rtps/%d/endpoints/", domain)
}

func Key(domain uint32, guid rtps.Guid) string {
	return Prefix(domain) + guid.String()
}

// guidFromKey recovers the GUID of a deleted record.
func guidFromKey(domain uint32, key string) (rtps.Guid, error) {
	s, ok := strings.CutPrefix(key, Prefix(domain))
	if !ok {
		return rtps.GuidUnknown, fmt.Errorf("key %q outside domain %d", key, domain)
	}
	return rtps.ParseGuid(s)
}
