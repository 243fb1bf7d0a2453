package broker

// EntityKind is the tagged variant an entity is classified into exactly
// once, per the design note in spec.md §9 ("Dynamic attribute access on
// platform objects" — "classify the entity once into an internal tagged
// variant ... and branch on that variant thereafter").
type EntityKind string

const (
	EntityUser      EntityKind = "user"
	EntityGroup     EntityKind = "group"     // small chat, chat_id space
	EntityMegagroup EntityKind = "megagroup" // supergroup
	EntityBroadcast EntityKind = "broadcast" // channel
)

// Entity is the broker's normalized view of a resolved platform object —
// a handle, phone number, or numeric id all dereference to one of these.
type Entity struct {
	Kind        EntityKind
	ID          int64
	AccessHash  int64
	Username    string
	DisplayName string
	IsCreator   bool
}

// IsChannel reports whether the entity lives in Telegram's "channel"
// namespace (megagroups and broadcast channels both do, per MTProto).
func (e Entity) IsChannel() bool {
	return e.Kind == EntityMegagroup || e.Kind == EntityBroadcast
}
