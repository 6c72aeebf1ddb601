package httpapi

import "fmt"

var (
	ErrMembership   = fmt.Errorf("caller is not a member of this workspace")
	ErrBadRunStatus = fmt.Errorf("run is not in an executable status")
)
