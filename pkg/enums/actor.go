package enums

import "fmt"

// Actor records who caused a status transition.
type Actor string

const (
	ActorUser   Actor = "user"
	ActorSystem Actor = "system"
	ActorAdmin  Actor = "admin"
)

var validActors = []Actor{
	ActorUser,
	ActorSystem,
	ActorAdmin,
}

// String implements fmt.Stringer.
func (a Actor) String() string {
	return string(a)
}

// IsValid reports whether the value is a known Actor.
func (a Actor) IsValid() bool {
	for _, candidate := range validActors {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseActor converts raw input into a Actor.
func ParseActor(value string) (Actor, error) {
	for _, candidate := range validActors {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid actor %q", value)
}
