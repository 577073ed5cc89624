package fleet

import (
	"errors"
	"fmt"
	"strings"

	"github.com/openfroyo/fleet/pkg/types"
)

// ErrorKind classifies a reconciler error.
type ErrorKind string

const (
	// KindNotFound indicates a referenced entity does not exist.
	KindNotFound ErrorKind = "not_found"

	// KindIllegalState indicates the operation is not permitted in the current lifecycle state.
	KindIllegalState ErrorKind = "illegal_state"

	// KindPersistence indicates a transaction or backend failure. It always wraps a cause.
	KindPersistence ErrorKind = "persistence"

	// KindCommunication indicates a peer could not be reached.
	KindCommunication ErrorKind = "communication"

	// KindProtocol indicates a malformed message.
	KindProtocol ErrorKind = "protocol"

	// KindInvalid indicates a rejected request.
	KindInvalid ErrorKind = "invalid"
)

// Error codes.
const (
	CodePeerNotFound                 = "peer_not_found"
	CodeClusterConfigurationNotFound = "cluster_configuration_not_found"
	CodeClusterDeploymentNotFound    = "cluster_deployment_not_found"
	CodeClusterDeploymentExists      = "cluster_deployment_exists"
	CodeIllegalClusterState          = "illegal_cluster_state"
	CodeIllegalPeerState             = "illegal_peer_state"
	CodeDeploymentDenied             = "deployment_denied"
	CodeInvalidPeerDescriptor        = "invalid_peer_descriptor"
	CodeInvalidClusterConfiguration  = "invalid_cluster_configuration"
	CodeSendingToPeerFailed          = "sending_to_peer_failed"
	CodePersistence                  = "persistence"
)

// Error is a classified reconciler error with enough context to render an
// actionable message.
type Error struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Code identifies the error for programmatic handling.
	Code string `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Operation is the reconciler operation that failed.
	Operation string `json:"operation,omitempty"`

	// PeerID is the peer involved, if any.
	PeerID *types.PeerID `json:"peer_id,omitempty"`

	// ClusterID is the cluster involved, if any.
	ClusterID *types.ClusterID `json:"cluster_id,omitempty"`

	// ActualState and RequiredState describe a lifecycle conflict.
	ActualState   string `json:"actual_state,omitempty"`
	RequiredState string `json:"required_state,omitempty"`

	// InvalidPeers lists the peers that block the operation.
	InvalidPeers []types.PeerID `json:"invalid_peers,omitempty"`

	// Violations lists policy violations that denied the operation.
	Violations []string `json:"violations,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Kind, e.Message)
	if e.ActualState != "" {
		fmt.Fprintf(&b, " (state=%s, required=%s)", e.ActualState, e.RequiredState)
	}
	if len(e.InvalidPeers) > 0 {
		fmt.Fprintf(&b, " (peers=%v)", e.InvalidPeers)
	}
	if len(e.Violations) > 0 {
		fmt.Fprintf(&b, " (violations=%s)", strings.Join(e.Violations, "; "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors of the same kind and code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// ErrorKind implements telemetry.ErrorClassifier.
func (e *Error) ErrorKind() string { return string(e.Kind) }

// ErrorCode implements telemetry.ErrorClassifier.
func (e *Error) ErrorCode() string { return e.Code }

// Sentinels for errors.Is.
var (
	ErrPeerNotFound                 = &Error{Kind: KindNotFound, Code: CodePeerNotFound}
	ErrClusterConfigurationNotFound = &Error{Kind: KindNotFound, Code: CodeClusterConfigurationNotFound}
	ErrClusterDeploymentNotFound    = &Error{Kind: KindNotFound, Code: CodeClusterDeploymentNotFound}
	ErrClusterDeploymentExists      = &Error{Kind: KindIllegalState, Code: CodeClusterDeploymentExists}
	ErrIllegalClusterState          = &Error{Kind: KindIllegalState, Code: CodeIllegalClusterState}
	ErrIllegalPeerState             = &Error{Kind: KindIllegalState, Code: CodeIllegalPeerState}
	ErrDeploymentDenied             = &Error{Kind: KindIllegalState, Code: CodeDeploymentDenied}
	ErrSendingToPeerFailed          = &Error{Kind: KindCommunication, Code: CodeSendingToPeerFailed}
	ErrPersistence                  = &Error{Kind: KindPersistence, Code: CodePersistence}
)

// KindOf returns the kind of a classified error, or "" if err is not one.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func peerNotFound(op string, peerID types.PeerID) *Error {
	return &Error{
		Kind:      KindNotFound,
		Code:      CodePeerNotFound,
		Message:   fmt.Sprintf("peer <%s> does not exist", peerID),
		Operation: op,
		PeerID:    &peerID,
	}
}

func clusterConfigurationNotFound(op string, clusterID types.ClusterID) *Error {
	return &Error{
		Kind:      KindNotFound,
		Code:      CodeClusterConfigurationNotFound,
		Message:   fmt.Sprintf("cluster configuration <%s> does not exist", clusterID),
		Operation: op,
		ClusterID: &clusterID,
	}
}

func clusterDeploymentNotFound(op string, clusterID types.ClusterID) *Error {
	return &Error{
		Kind:      KindNotFound,
		Code:      CodeClusterDeploymentNotFound,
		Message:   fmt.Sprintf("cluster deployment <%s> does not exist", clusterID),
		Operation: op,
		ClusterID: &clusterID,
	}
}

func illegalClusterState(op string, clusterID types.ClusterID, actual, required types.ClusterState) *Error {
	return &Error{
		Kind:          KindIllegalState,
		Code:          CodeIllegalClusterState,
		Message:       fmt.Sprintf("cluster <%s> is in an illegal state for %s", clusterID, op),
		Operation:     op,
		ClusterID:     &clusterID,
		ActualState:   string(actual),
		RequiredState: string(required),
	}
}

func invalid(op, code string, err error) *Error {
	return &Error{
		Kind:      KindInvalid,
		Code:      code,
		Message:   "request rejected",
		Operation: op,
		Err:       err,
	}
}

func sendingToPeerFailed(op string, peerID types.PeerID, err error) *Error {
	return &Error{
		Kind:      KindCommunication,
		Code:      CodeSendingToPeerFailed,
		Message:   fmt.Sprintf("sending configuration to peer <%s> failed", peerID),
		Operation: op,
		PeerID:    &peerID,
		Err:       err,
	}
}

// persistence wraps err unless it already is a classified error, in which
// case it is passed through.
func persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{
		Kind:      KindPersistence,
		Code:      CodePersistence,
		Message:   fmt.Sprintf("%s failed to persist", op),
		Operation: op,
		Err:       err,
	}
}

func peerPersistence(op string, peerID types.PeerID, err error) error {
	wrapped := persistence(op, err)
	if e, ok := wrapped.(*Error); ok && e.Kind == KindPersistence && e.PeerID == nil {
		e.PeerID = &peerID
	}
	return wrapped
}

func clusterPersistence(op string, clusterID types.ClusterID, err error) error {
	wrapped := persistence(op, err)
	if e, ok := wrapped.(*Error); ok && e.Kind == KindPersistence && e.ClusterID == nil {
		e.ClusterID = &clusterID
	}
	return wrapped
}
