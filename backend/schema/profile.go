package schema

import "fmt"

// Profile is the global privilege level of a user. A user holds exactly one
// profile at a time; levels are ordered by id.
const (
	ProfileNobody      = "nobody"
	ProfileUser        = "users"
	ProfileTrustedUser = "trusted-users"
	ProfileAdmin       = "administrators"
)

var profileIds = map[string]int{
	ProfileNobody:      0,
	ProfileUser:        1,
	ProfileTrustedUser: 2,
	ProfileAdmin:       3,
}

var profileSlugs = map[int]string{
	0: ProfileNobody,
	1: ProfileUser,
	2: ProfileTrustedUser,
	3: ProfileAdmin,
}

func ProfileId(slug string) (int, error) {
	id, ok := profileIds[slug]
	if !ok {
		return 0, fmt.Errorf("%w: '%v'", ErrProfileNotFound, slug)
	}
	return id, nil
}

func ProfileFromId(id int) (string, error) {
	slug, ok := profileSlugs[id]
	if !ok {
		return "", fmt.Errorf("%w: id %d", ErrProfileNotFound, id)
	}
	return slug, nil
}

func ValidProfile(slug string) bool {
	_, ok := profileIds[slug]
	return ok
}

func (u *User) IsAdmin() bool {
	return u.Profile == ProfileAdmin
}

// Auth types. External accounts are managed by a remote identity provider;
// their email and password cannot be changed through this service.
const (
	AuthTypeInternal = "internal"
	AuthTypeExternal = "external"
	AuthTypeUnknown  = "unknown"
)

func (u *User) HasExternalAuth() bool {
	return u.AuthType == AuthTypeExternal
}

// Workspace access types.
const (
	AccessTypeOpen         = "open"
	AccessTypeOnRequest    = "on_request"
	AccessTypeConfidential = "confidential"
)

func ValidAccessType(accessType string) bool {
	switch accessType {
	case AccessTypeOpen, AccessTypeOnRequest, AccessTypeConfidential:
		return true
	}
	return false
}

// Subscription states.
const (
	SubscriptionPending  = "pending"
	SubscriptionAccepted = "accepted"
	SubscriptionRejected = "rejected"
)

// Call states. InProgress is the only non-terminal state.
const (
	CallInProgress = "in_progress"
	CallAccepted   = "accepted"
	CallRejected   = "rejected"
	CallDeclined   = "declined"
	CallPostponed  = "postponed"
	CallCancelled  = "cancelled"
	CallUnanswered = "unanswered"
)

func ValidCallState(state string) bool {
	switch state {
	case CallInProgress, CallAccepted, CallRejected, CallDeclined,
		CallPostponed, CallCancelled, CallUnanswered:
		return true
	}
	return false
}

func TerminalCallState(state string) bool {
	return ValidCallState(state) && state != CallInProgress
}
