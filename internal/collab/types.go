// Package collab declares the external collaborator interfaces the CORE
// depends on — event bus, database, security, softcode, communication —
// plus reference implementations wired into the demo server and exercised
// by tests. CORE code (scheduler, channels, agents) depends only on the
// interface types in this package, never on a concrete implementation.
package collab

import "github.com/google/uuid"

// EntityID is the domain identifier the world model uses: a site plus an
// opaque entity UUID. The scheduler treats it as opaque except for grouping
// (owner-entity indexing, "kill all processes owned by X").
type EntityID struct {
	Site   uint32
	Entity uuid.UUID
}

// IsZero reports whether id is the zero value (no entity).
func (id EntityID) IsZero() bool {
	return id.Site == 0 && id.Entity == uuid.Nil
}

func (id EntityID) String() string {
	return id.Entity.String()
}

// Capability names a permission a security context may hold.
type Capability string

// Inherited capabilities a puppet agent may carry from its owning player,
// per the glossary.
const (
	CapSendTextRoomUnrestricted Capability = "send-text-room-unrestricted"
	CapSendTextEntity           Capability = "send-text-entity"
	CapFindCharacterByNameAfar  Capability = "find-character-by-name-afar"
	CapConnectionCheck          Capability = "connection-check"
)

// InheritedPuppetCapabilities is the fixed subset a puppet agent is
// permitted to carry from its owner, per the glossary entry.
var InheritedPuppetCapabilities = []Capability{
	CapSendTextRoomUnrestricted,
	CapSendTextEntity,
	CapFindCharacterByNameAfar,
	CapConnectionCheck,
}
