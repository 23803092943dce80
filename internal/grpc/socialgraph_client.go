package grpc

import (
	"context"
	"errors"

	grpc "google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"dm-service/internal/access"
)

const (
	methodIsMutuallyConnected = "/socialgraph.v1.SocialGraph/IsMutuallyConnected"
	methodMessagingPolicyOf   = "/socialgraph.v1.SocialGraph/MessagingPolicyOf"
)

// SocialGraphClient wraps the social-graph service gRPC API.
type SocialGraphClient struct {
	conn grpc.ClientConnInterface
}

// NewSocialGraphClient constructs the wrapper.
func NewSocialGraphClient(conn grpc.ClientConnInterface) *SocialGraphClient {
	return &SocialGraphClient{conn: conn}
}

// IsMutuallyConnected reports whether a and b follow each other.
func (c *SocialGraphClient) IsMutuallyConnected(ctx context.Context, a, b int) (bool, error) {
	req, err := structpb.NewStruct(map[string]interface{}{"user_id": a, "other_user_id": b})
	if err != nil {
		return false, err
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, methodIsMutuallyConnected, req, resp); err != nil {
		return false, err
	}
	return resp.GetFields()["connected"].GetBoolValue(), nil
}

// MessagingPolicyOf returns the messaging policy of userID.
func (c *SocialGraphClient) MessagingPolicyOf(ctx context.Context, userID int) (access.Policy, error) {
	req, err := structpb.NewStruct(map[string]interface{}{"user_id": userID})
	if err != nil {
		return access.Policy{}, err
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, methodMessagingPolicyOf, req, resp); err != nil {
		return access.Policy{}, err
	}

	fields := resp.GetFields()
	policy := access.Policy{Mode: access.Mode(fields["mode"].GetStringValue())}
	switch policy.Mode {
	case access.ModeEveryone, access.ModeConnections, access.ModeNobody:
	case "":
		policy.Mode = access.ModeConnections
	default:
		return access.Policy{}, errors.New("unknown messaging policy mode " + string(policy.Mode))
	}
	for _, v := range fields["blocked"].GetListValue().GetValues() {
		policy.Blocked = append(policy.Blocked, int(v.GetNumberValue()))
	}
	return policy, nil
}

var _ access.SocialGraph = (*SocialGraphClient)(nil)
