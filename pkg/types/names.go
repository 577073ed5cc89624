package types

import (
	"fmt"
	"strings"
	"unicode"
)

// Length bounds for peer and cluster names.
const (
	NameMinLength = 4
	NameMaxLength = 64

	// NetworkInterfaceNameMaxLength mirrors the kernel's IFNAMSIZ minus the terminator.
	NetworkInterfaceNameMaxLength = 15
)

// IllegalNameError reports a name that violates the naming rules.
type IllegalNameError struct {
	Kind   string
	Value  string
	Reason string
}

func (e *IllegalNameError) Error() string {
	return fmt.Sprintf("%s '%s' is illegal: %s", e.Kind, e.Value, e.Reason)
}

// PeerName is the human-readable name of a peer.
type PeerName string

// ClusterName is the human-readable name of a cluster.
type ClusterName string

// NetworkInterfaceName is the kernel name of a network interface.
type NetworkInterfaceName string

// NewPeerName validates and returns a peer name.
func NewPeerName(value string) (PeerName, error) {
	if err := validateName("PeerName", value); err != nil {
		return "", err
	}
	return PeerName(value), nil
}

// NewClusterName validates and returns a cluster name.
func NewClusterName(value string) (ClusterName, error) {
	if err := validateName("ClusterName", value); err != nil {
		return "", err
	}
	return ClusterName(value), nil
}

// NewNetworkInterfaceName validates and returns a network interface name.
func NewNetworkInterfaceName(value string) (NetworkInterfaceName, error) {
	name := NetworkInterfaceName(value)
	if err := name.Validate(); err != nil {
		return "", err
	}
	return name, nil
}

func (n PeerName) String() string { return string(n) }

// Validate checks the peer name against the naming rules.
func (n PeerName) Validate() error { return validateName("PeerName", string(n)) }

func (n ClusterName) String() string { return string(n) }

// Validate checks the cluster name against the naming rules.
func (n ClusterName) Validate() error { return validateName("ClusterName", string(n)) }

func (n NetworkInterfaceName) String() string { return string(n) }

// Validate checks the interface name against the kernel's constraints.
func (n NetworkInterfaceName) Validate() error {
	value := string(n)
	switch {
	case value == "":
		return &IllegalNameError{Kind: "NetworkInterfaceName", Value: value, Reason: "must not be empty"}
	case len(value) > NetworkInterfaceNameMaxLength:
		return &IllegalNameError{
			Kind:   "NetworkInterfaceName",
			Value:  value,
			Reason: fmt.Sprintf("must not exceed %d bytes, got %d", NetworkInterfaceNameMaxLength, len(value)),
		}
	case strings.ContainsAny(value, "/: \t\n"):
		return &IllegalNameError{Kind: "NetworkInterfaceName", Value: value, Reason: "contains invalid characters"}
	}
	return nil
}

func validateName(kind, value string) error {
	length := len([]rune(value))
	if length < NameMinLength || length > NameMaxLength {
		return &IllegalNameError{
			Kind:   kind,
			Value:  value,
			Reason: fmt.Sprintf("expected between %d and %d characters, got %d", NameMinLength, NameMaxLength, length),
		}
	}

	for _, c := range value {
		if !validNameCharacter(c) {
			return &IllegalNameError{Kind: kind, Value: value, Reason: "contains invalid characters"}
		}
	}

	runes := []rune(value)
	if !validNameBoundary(runes[0]) {
		return &IllegalNameError{Kind: kind, Value: value, Reason: "starts with an invalid character"}
	}
	if !validNameBoundary(runes[len(runes)-1]) {
		return &IllegalNameError{Kind: kind, Value: value, Reason: "ends with an invalid character"}
	}

	return nil
}

func validNameCharacter(c rune) bool {
	return c < unicode.MaxASCII && (unicode.IsLetter(c) || unicode.IsDigit(c) || c == '-' || c == '_')
}

func validNameBoundary(c rune) bool {
	return c != '-' && c != '_'
}
