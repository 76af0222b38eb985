package automation

import "errors"

var (
	ErrNoTrigger         = errors.New("no trigger defined")
	ErrNoAction          = errors.New("no action defined")
	ErrNoEntity          = errors.New("trigger needs a time or an entity")
	ErrEntityNotFound    = errors.New("entity not found")
	ErrNoPayload         = errors.New("action payload not defined")
	ErrUnknownCondition  = errors.New("condition needs entity, after, before or weekday")
	ErrSolarPosition     = errors.New("latitude and longitude are mandatory for solar triggers")
	ErrInvalidTime       = errors.New("invalid time string")
	ErrInvalidPayload    = errors.New("payload must be turn_on, turn_off, toggle or an object")
	ErrDuplicateName     = errors.New("duplicate automation name")
	ErrUnknownAutomation = errors.New("unknown automation")
	ErrAlreadyStarted    = errors.New("engine already started")
)
