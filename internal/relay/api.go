package relay

import (
	"encoding/json"

	"ciphergroup/internal/domain"
)

// Paths of the delivery service API.
const (
	PathPublishKeyPackages = "/api/user/key_package/"
	PathFetchKeyPackage    = "/api/user/get_key_package/"
	PathCreateGroup        = "/api/group/create/"
	PathPublish            = "/api/group/mls_state/"
	PathFetch              = "/api/group/get_mls_state/"
)

// Request headers.
const (
	HeaderUserID        = "web3mq-user-id"
	HeaderTimestamp     = "web3mq-timestamp"
	HeaderSignature     = "web3mq-user-signature"
	HeaderRequestPubKey = "web3mq-request-pubkey"
	HeaderDIDKey        = "didkey"
)

// envelope wraps every response body. Code is 0 on success.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data,omitempty"`
}

type publishKeyPackagesRequest struct {
	Bundle domain.PreKeyBundle `json:"bundle"`
}

type publishKeyPackagesResponse struct {
	Token string `json:"token"`
	Count int    `json:"count"`
}

type fetchKeyPackageRequest struct {
	Target  domain.UserID `json:"target_userid"`
	Consume bool          `json:"consume"`
}

type createGroupRequest struct {
	GroupID domain.GroupID `json:"groupid"`
}

type createGroupResponse struct {
	GroupID domain.GroupID `json:"groupid"`
}

type publishRequest struct {
	GroupID   domain.GroupID `json:"groupid"`
	Recipient domain.UserID  `json:"recipient,omitempty"`
	Event     []byte         `json:"mls_state"`
}

type publishResponse struct {
	Cursor uint64 `json:"cursor"`
}

type fetchRequest struct {
	Cursors       map[domain.GroupID]uint64 `json:"groups"`
	WelcomeCursor uint64                    `json:"welcome_cursor"`
}
