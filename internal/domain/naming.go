package domain

import (
	"fmt"
	"strings"
)

type NamingType string

const (
	NamingPreserve NamingType = "preserve"
	NamingPrefix   NamingType = "prefix"
	NamingSuffix   NamingType = "suffix"

	DefaultNamingPrefix = "converted_"
	DefaultNamingSuffix = "_converted"
)

// NamingConvention controls the names presented to downloaders. Prefix and
// Suffix are both kept so switching Type does not lose the user's text.
type NamingConvention struct {
	Type   NamingType `json:"type"`
	Prefix string     `json:"prefix"`
	Suffix string     `json:"suffix"`
}

func DefaultNaming() NamingConvention {
	return NamingConvention{
		Type:   NamingSuffix,
		Prefix: DefaultNamingPrefix,
		Suffix: DefaultNamingSuffix,
	}
}

func (n NamingConvention) Validate() error {
	switch n.Type {
	case NamingPreserve, NamingPrefix, NamingSuffix:
	default:
		return fmt.Errorf("%w: unknown naming type %q", ErrInvalidRequest, n.Type)
	}
	if strings.ContainsAny(n.Prefix+n.Suffix, `/\`) {
		return fmt.Errorf("%w: naming text must not contain path separators", ErrInvalidRequest)
	}
	return nil
}
