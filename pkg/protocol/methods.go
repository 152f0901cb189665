package protocol

// RPC method names (client → server).
const (
	MethodConnect                = "connect"
	MethodHealth                 = "health"
	MethodStatus                 = "status"
	MethodSubscribeToSession     = "subscribe_to_session"
	MethodUnsubscribeFromSession = "unsubscribe_from_session"
)

// Observer roles carried in subscribe_to_session params.
const (
	RoleFullVisibility = "full-visibility"
	RoleRestricted     = "restricted"
)

// SubscribeParams are the params for subscribe_to_session.
type SubscribeParams struct {
	SessionID       string   `json:"sessionId"`
	UserID          string   `json:"userId"`
	Role            string   `json:"role"`
	AssignedChatIDs []string `json:"assignedChatIds,omitempty"`
}

// UnsubscribeParams are the params for unsubscribe_from_session.
type UnsubscribeParams struct {
	SessionID string `json:"sessionId"`
}

// SubscribeConfirmed is the payload of a successful subscribe_to_session.
type SubscribeConfirmed struct {
	Status    string `json:"status"` // "subscription_confirmed"
	SessionID string `json:"sessionId"`
}

// UnsubscribeConfirmed is the payload of a successful unsubscribe_from_session.
type UnsubscribeConfirmed struct {
	Status    string `json:"status"` // "unsubscription_confirmed"
	SessionID string `json:"sessionId"`
}
