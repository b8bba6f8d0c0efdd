package oci

import (
	"errors"
	"fmt"
	"net/http"

	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote/errcode"

	"github.com/gitvault/gitvault/internal/store"
)

// mapError maps ORAS errors to the store sentinels. Mapping happens after
// retry classification so that the classifier sees the raw registry error.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errdef.ErrNotFound) {
		return fmt.Errorf("%w: %v", store.ErrNotFound, err)
	}

	var resp *errcode.ErrorResponse
	if errors.As(err, &resp) {
		switch resp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", store.ErrNotFound, err)
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", store.ErrUnauthorized, err)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %v", store.ErrForbidden, err)
		}
	}
	return err
}
