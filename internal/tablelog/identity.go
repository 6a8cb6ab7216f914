package tablelog

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidResourceID indicates that a resource identifier is empty or exceeds storage bounds.
	ErrInvalidResourceID = errors.New("tablelog: invalid resource id")
	// ErrInvalidSection indicates that a section name is empty or exceeds storage bounds.
	ErrInvalidSection = errors.New("tablelog: invalid section")
)

// DocumentIdentity names the shared resource a page is editing: one logical
// section (for example "cardLog") of one production resource.
type DocumentIdentity struct {
	resourceID string
	section    string
}

// NewDocumentIdentity validates raw input and returns a DocumentIdentity.
func NewDocumentIdentity(rawResourceID, rawSection string) (DocumentIdentity, error) {
	resourceID := strings.TrimSpace(rawResourceID)
	if resourceID == "" {
		return DocumentIdentity{}, fmt.Errorf("%w: empty", ErrInvalidResourceID)
	}
	if len(resourceID) > maxIdentifierLength {
		return DocumentIdentity{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidResourceID, maxIdentifierLength)
	}
	section := strings.TrimSpace(rawSection)
	if section == "" {
		return DocumentIdentity{}, fmt.Errorf("%w: empty", ErrInvalidSection)
	}
	if len(section) > maxIdentifierLength {
		return DocumentIdentity{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidSection, maxIdentifierLength)
	}
	return DocumentIdentity{resourceID: resourceID, section: section}, nil
}

// ResourceID returns the resource identifier component.
func (identity DocumentIdentity) ResourceID() string {
	return identity.resourceID
}

// Section returns the logical section component.
func (identity DocumentIdentity) Section() string {
	return identity.section
}

// Equal reports whether both components match exactly.
func (identity DocumentIdentity) Equal(other DocumentIdentity) bool {
	return identity.resourceID == other.resourceID && identity.section == other.section
}

// String renders the identity as "resourceID/section".
func (identity DocumentIdentity) String() string {
	return identity.resourceID + "/" + identity.section
}
