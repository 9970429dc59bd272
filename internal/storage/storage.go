// Package storage publishes signed CRLs to object storage.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when no object exists at a URL.
var ErrNotFound = errors.New("object not found")

// ObjectStorage publishes CRL PEM documents and returns where they can be fetched.
type ObjectStorage interface {
	// Upload stores the CRL of caName under its number, refreshes the CA's
	// latest alias and returns the numbered URL.
	Upload(ctx context.Context, caName string, crlNumber int64, pem string) (string, error)
	Download(ctx context.Context, url string) (string, error)
	Delete(ctx context.Context, url string) error
}

// CRLObjectName is the object name of CRL number n of a CA. Every CA has its
// own directory so CRL numbers of different CAs never collide.
func CRLObjectName(caName string, n int64) string {
	return fmt.Sprintf("%s/crl-%d.crl", caName, n)
}

// LatestObjectName always holds the most recently uploaded CRL of a CA.
func LatestObjectName(caName string) string {
	return caName + "/ca.crl"
}
