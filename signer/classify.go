package signer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/miekg/pkcs11"
	"golang.org/x/text/cases"

	"github.com/signdesk/localagent/errdefs"
)

// pinTerms are substrings that mark a provider message as PIN related. The
// comparison is case folded, so localized uppercase variants match too.
var pinTerms = []string{"pin", "senha", "password", "passphrase"}

// Classify maps a provider failure into the PIN taxonomy. pinSupplied says
// whether the failed attempt carried a PIN: the same underlying condition is
// PinRequired before a PIN was offered and PinInvalid after.
func Classify(err error, pinSupplied bool) error {
	if err == nil {
		return nil
	}
	// Already classified errors pass through.
	for _, sentinel := range []error{
		errdefs.ErrPinRequired, errdefs.ErrPinInvalid,
		errdefs.ErrPinConfiguration, errdefs.ErrSigningFailed,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}

	var pkErr pkcs11.Error
	if errors.As(err, &pkErr) {
		switch pkErr {
		case pkcs11.CKR_PIN_INCORRECT, pkcs11.CKR_PIN_INVALID,
			pkcs11.CKR_PIN_LEN_RANGE, pkcs11.CKR_PIN_LOCKED:
			if pinSupplied {
				return fmt.Errorf("%w: %v", errdefs.ErrPinInvalid, err)
			}
			return fmt.Errorf("%w: %v", errdefs.ErrPinRequired, err)
		case pkcs11.CKR_USER_NOT_LOGGED_IN, pkcs11.CKR_PIN_EXPIRED,
			pkcs11.CKR_FUNCTION_CANCELED, pkcs11.CKR_USER_PIN_NOT_INITIALIZED:
			return fmt.Errorf("%w: %v", errdefs.ErrPinRequired, err)
		}
	}

	if mentionsPin(err.Error()) {
		if pinSupplied {
			return fmt.Errorf("%w: %v", errdefs.ErrPinInvalid, err)
		}
		return fmt.Errorf("%w: %v", errdefs.ErrPinRequired, err)
	}
	return fmt.Errorf("%w: %v", errdefs.ErrSigningFailed, err)
}

func mentionsPin(msg string) bool {
	folded := cases.Fold().String(msg)
	for _, term := range pinTerms {
		if strings.Contains(folded, term) {
			return true
		}
	}
	return false
}
