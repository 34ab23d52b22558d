package kernel

import (
	"github.com/google/uuid"
)

func UuidV7() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// BindJSON binds the request body into obj and reports whether it worked.
// On failure the request is already aborted with 400.
func (rt *RequestRuntime) BindJSON(obj any) bool {
	if err := rt.RequestContext.ShouldBindJSON(obj); err != nil {
		rt.Ef(400, "bad request: %v", err)
		return false
	}
	return true
}
