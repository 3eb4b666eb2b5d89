// Package turn holds the value objects and the aggregate for one turn of the
// five-phase pipeline: identifiers, configuration, phase bookkeeping,
// compensation descriptors, results, and the Turn aggregate itself.
//
// All value objects are immutable; mutating operations return new instances.
// The only stateful type is the Turn aggregate, which is owned by a single
// worker during execution and is not goroutine-safe on its own.
package turn

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// customNamePattern constrains user-supplied turn names.
var customNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

// reservedNames cannot be used as custom turn names.
var reservedNames = map[string]bool{
	"test":   true,
	"debug":  true,
	"system": true,
	"admin":  true,
	"root":   true,
	"api":    true,
}

// ID identifies one turn. The uuid is required; sequence number, campaign id,
// and custom name are optional qualifiers. Immutable after creation.
type ID struct {
	UUID           uuid.UUID `json:"uuid"`
	SequenceNumber int       `json:"sequence_number,omitempty"` // 0 = unset, otherwise >= 1
	CampaignID     string    `json:"campaign_id,omitempty"`
	CustomName     string    `json:"custom_name,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// IDOption customizes a new ID.
type IDOption func(*ID) error

// WithSequence sets the sequence number (must be >= 1).
func WithSequence(n int) IDOption {
	return func(id *ID) error {
		if n < 1 {
			return NewError(KindValidation, "sequence number must be >= 1, got %d", n)
		}
		id.SequenceNumber = n
		return nil
	}
}

// WithCampaign sets the owning campaign id.
func WithCampaign(campaign string) IDOption {
	return func(id *ID) error {
		if strings.ContainsAny(campaign, ": \t\n") {
			return NewError(KindValidation, "campaign id %q contains reserved characters", campaign)
		}
		id.CampaignID = campaign
		return nil
	}
}

// WithName sets a human-readable custom name.
func WithName(name string) IDOption {
	return func(id *ID) error {
		if !customNamePattern.MatchString(name) {
			return NewError(KindValidation, "custom name %q must match [A-Za-z0-9_-]{1,50}", name)
		}
		if reservedNames[strings.ToLower(name)] {
			return NewError(KindValidation, "custom name %q is reserved", name)
		}
		id.CustomName = name
		return nil
	}
}

// NewID mints a fresh turn id.
func NewID(opts ...IDOption) (ID, error) {
	id := ID{UUID: uuid.New(), CreatedAt: time.Now().UTC()}
	for _, opt := range opts {
		if err := opt(&id); err != nil {
			return ID{}, err
		}
	}
	return id, nil
}

// FromUUID builds an ID around an externally supplied uuid.
func FromUUID(u uuid.UUID, opts ...IDOption) (ID, error) {
	id := ID{UUID: u, CreatedAt: time.Now().UTC()}
	for _, opt := range opts {
		if err := opt(&id); err != nil {
			return ID{}, err
		}
	}
	return id, nil
}

// Short returns the bare uuid form.
func (id ID) Short() string { return id.UUID.String() }

// String returns the long, round-trippable form:
//
//	turn:<uuid>[:seq=<n>][:campaign=<id>][:name=<name>]
func (id ID) String() string {
	var b strings.Builder
	b.WriteString("turn:")
	b.WriteString(id.UUID.String())
	if id.SequenceNumber > 0 {
		fmt.Fprintf(&b, ":seq=%d", id.SequenceNumber)
	}
	if id.CampaignID != "" {
		fmt.Fprintf(&b, ":campaign=%s", id.CampaignID)
	}
	if id.CustomName != "" {
		fmt.Fprintf(&b, ":name=%s", id.CustomName)
	}
	return b.String()
}

// ParseID accepts either the short (bare uuid) or the long form produced by
// String. The parsed id carries a fresh CreatedAt; identity comparison uses
// Equal, which ignores creation time.
func ParseID(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ID{}, NewError(KindValidation, "turn id is empty")
	}

	if !strings.HasPrefix(s, "turn:") {
		u, err := uuid.Parse(s)
		if err != nil {
			return ID{}, NewError(KindValidation, "turn id %q is not a valid uuid", s)
		}
		return ID{UUID: u, CreatedAt: time.Now().UTC()}, nil
	}

	parts := strings.Split(strings.TrimPrefix(s, "turn:"), ":")
	u, err := uuid.Parse(parts[0])
	if err != nil {
		return ID{}, NewError(KindValidation, "turn id %q has invalid uuid segment", s)
	}

	var opts []IDOption
	for _, part := range parts[1:] {
		key, value, found := strings.Cut(part, "=")
		if !found {
			return ID{}, NewError(KindValidation, "turn id segment %q is malformed", part)
		}
		switch key {
		case "seq":
			n, err := strconv.Atoi(value)
			if err != nil {
				return ID{}, NewError(KindValidation, "turn id sequence %q is not a number", value)
			}
			opts = append(opts, WithSequence(n))
		case "campaign":
			opts = append(opts, WithCampaign(value))
		case "name":
			opts = append(opts, WithName(value))
		default:
			return ID{}, NewError(KindValidation, "turn id segment key %q is unknown", key)
		}
	}
	return FromUUID(u, opts...)
}

// Equal compares identity fields, ignoring CreatedAt.
func (id ID) Equal(other ID) bool {
	return id.UUID == other.UUID &&
		id.SequenceNumber == other.SequenceNumber &&
		id.CampaignID == other.CampaignID &&
		id.CustomName == other.CustomName
}

// IsZero reports whether the id is unset.
func (id ID) IsZero() bool { return id.UUID == uuid.Nil }
