package main

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/coldvault/vault/crypto"
)

var ErrEmptyPassphrase = errors.New("vaultctl: empty passphrase")

// obtainPassword prompts on the controlling terminal with echo disabled. If
// allowEmpty is false, an empty line is rejected rather than silently
// treated as a valid (empty) passphrase.
func obtainPassword(prompt string, allowEmpty bool) ([]byte, error) {
	fmt.Fprintf(os.Stderr, "%s: ", prompt)
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	if len(pass) == 0 && !allowEmpty {
		return nil, ErrEmptyPassphrase
	}
	return pass, nil
}

// obtainNewPassword prompts twice and requires the two entries to match,
// for create/change-passphrase flows where a typo would lock the vault.
func obtainNewPassword(prompt string) ([]byte, error) {
	pass, err := obtainPassword(prompt, false)
	if err != nil {
		return nil, err
	}
	confirm, err := obtainPassword("Confirm "+prompt, false)
	if err != nil {
		crypto.Zeroize(pass)
		return nil, err
	}
	defer crypto.Zeroize(confirm)
	if subtle.ConstantTimeCompare(pass, confirm) != 1 {
		crypto.Zeroize(pass)
		return nil, fmt.Errorf("passphrases do not match")
	}
	return pass, nil
}
