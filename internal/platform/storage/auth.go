package storage

import (
	"errors"

	"github.com/PerfectlyContent/cardmaker/internal/platform/auth"
)

// ErrPermissionDenied is returned when the caller does not own the asset.
var ErrPermissionDenied = errors.New("storage: permission denied")

// AuthorizeDownload allows only the owner recorded on the asset.
func AuthorizeDownload(requester *auth.Owner, ownerID string) error {
	if requester == nil || ownerID == "" {
		return ErrPermissionDenied
	}
	if requester.ID != ownerID {
		return ErrPermissionDenied
	}
	return nil
}
