package domain

import "errors"

const MaxGroupNameLen = 36

var (
	ErrGroupNameEmpty   = errors.New("group name empty")
	ErrGroupNameTooLong = errors.New("group name too long")
)

type (
	GroupID   string
	GroupName string
)

// Group is a named set of users. Membership is owned by the presence
// adapter; sessions reference members but never own them.
type Group struct {
	ID   GroupID
	Name GroupName
}

func NewGroupName(raw string) (GroupName, error) {
	if len(raw) == 0 {
		return "", ErrGroupNameEmpty
	}
	if len(raw) > MaxGroupNameLen {
		return "", ErrGroupNameTooLong
	}
	return GroupName(raw), nil
}
