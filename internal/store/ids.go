package store

import (
	"crypto/rand"
	"fmt"
)

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// idLen is the length, in characters, of a FormID or SubmissionID.
const idLen = 8

func newRandomID() (string, error) {
	buf := make([]byte, idLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random id: %w", err)
	}
	for i, b := range buf {
		buf[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(buf), nil
}

// NewFormID draws a fresh random form identifier. Form IDs are public
// capabilities; nothing depends on their unguessability.
func NewFormID() (FormID, error) {
	id, err := newRandomID()
	if err != nil {
		return "", err
	}
	return FormID(id), nil
}

// NewSubmissionID draws a fresh random submission identifier.
func NewSubmissionID() (SubmissionID, error) {
	id, err := newRandomID()
	if err != nil {
		return "", err
	}
	return SubmissionID(id), nil
}
