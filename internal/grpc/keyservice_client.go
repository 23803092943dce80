package grpc

import (
	"context"
	"encoding/base64"
	"errors"

	grpc "google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"dm-service/internal/crypto"
)

const methodConversationKey = "/keys.v1.KeyService/ConversationKey"

// KeyServiceClient fetches per-conversation key material from the identity/crypto service.
type KeyServiceClient struct {
	conn grpc.ClientConnInterface
}

// NewKeyServiceClient constructs the wrapper.
func NewKeyServiceClient(conn grpc.ClientConnInterface) *KeyServiceClient {
	return &KeyServiceClient{conn: conn}
}

// ConversationKey returns the symmetric key for conversationID.
func (c *KeyServiceClient) ConversationKey(ctx context.Context, conversationID int) ([]byte, error) {
	req, err := structpb.NewStruct(map[string]interface{}{"conversation_id": conversationID})
	if err != nil {
		return nil, err
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, methodConversationKey, req, resp); err != nil {
		return nil, err
	}

	encoded := resp.GetFields()["key"].GetStringValue()
	if encoded == "" {
		return nil, errors.New("key service returned no key")
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	if len(key) != crypto.KeySize {
		return nil, errors.New("key service returned a key of the wrong size")
	}
	return key, nil
}

var _ crypto.KeyProvider = (*KeyServiceClient)(nil)
