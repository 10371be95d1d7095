package invites

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-invites/internal/identity"
	"github.com/Klingon-tech/klingnet-invites/internal/ledger"
)

var (
	// ErrNotFound is returned when a user, peer, contact, invite or
	// wallet account is missing. No side effects happened.
	ErrNotFound = errors.New("invites: not found")

	// ErrPrecondition groups failures detected before anything was submitted.
	ErrPrecondition = errors.New("invites: precondition failed")

	ErrInsufficientBalance = fmt.Errorf("%w: insufficient token balance", ErrPrecondition)
	ErrWrongNetwork        = fmt.Errorf("%w: invite belongs to another network", ErrPrecondition)
	ErrSignatureMissing    = fmt.Errorf("%w: accepted signature missing", ErrPrecondition)
	ErrAlreadyInvited      = fmt.Errorf("%w: contact already invited", ErrPrecondition)
	ErrAlreadyDeclined     = fmt.Errorf("%w: invite request already declined", ErrPrecondition)

	// ErrTransactionFailed is returned when the ledger rejected or failed a
	// transaction. Optimistic local state has been rolled back.
	ErrTransactionFailed = errors.New("invites: transaction failed")

	// ErrSync is returned when historical replay could not complete. The
	// checkpoint is unchanged.
	ErrSync = errors.New("invites: sync failed")

	ErrUnknownTxKind = errors.New("invites: unknown transaction kind")

	ErrDecode             = ledger.ErrDecode
	ErrUnsupportedNetwork = ledger.ErrUnsupportedNetwork
	ErrIllegalTransition  = identity.ErrIllegalTransition
)

// notFound maps identity lookups onto ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, identity.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

func isDecodeError(err error) bool {
	return err != nil && errors.Is(err, ErrDecode)
}
