package plan

import "errors"

var (
	ErrPlanNotFound         = errors.New("plan not found")
	ErrInvalidConfiguration = errors.New("invalid plan configuration")
	ErrFailedToLoadPlans    = errors.New("failed to load plans")
)
