package subjects

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Kind tells which table an SAP ID belongs to.
type Kind string

const (
	KindUser         Kind = "user"
	KindSpecialUser  Kind = "special_user"
	KindOrganization Kind = "organization"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.TrimSpace(strings.ToLower(s))); k {
	case KindUser, KindSpecialUser, KindOrganization:
		return k, nil
	default:
		return "", errors.Wrapf(ErrInvalidSubject, "unknown kind %q", s)
	}
}

// Ref points at a candidate: either a self-registered user or a special
// user. Both share the SAP ID namespace but live in different tables.
type Ref struct {
	Kind  Kind
	SapID string
}

func UserRef(sapID string) Ref {
	return Ref{Kind: KindUser, SapID: sapID}
}

func SpecialUserRef(sapID string) Ref {
	return Ref{Kind: KindSpecialUser, SapID: sapID}
}

// Validate accepts only refs that can own bookings and purchases.
func (r Ref) Validate() error {
	if strings.TrimSpace(r.SapID) == "" {
		return errors.Wrap(ErrInvalidSubject, "empty sap id")
	}
	if r.Kind != KindUser && r.Kind != KindSpecialUser {
		return errors.Wrapf(ErrInvalidSubject, "kind %q cannot book tests", r.Kind)
	}
	return nil
}

func (r Ref) String() string {
	return string(r.Kind) + ":" + r.SapID
}

// Account is anything that can log in with an OTP.
type Account struct {
	Kind              Kind
	SapID             string
	Email             string
	Name              string
	Phone             string
	OrganizationSapID string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (a Account) Ref() Ref {
	return Ref{Kind: a.Kind, SapID: a.SapID}
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
