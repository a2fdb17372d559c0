package audit

import (
	"fmt"

	"github.com/platinummonkey/circles/pkg/apperrors"
)

func badQuery(field string, err error) error {
	return apperrors.NewValidation(field, err.Error())
}

func errUnknownAction(a Action) error {
	return fmt.Errorf("unknown audit action %q", a)
}
