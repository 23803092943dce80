package grpc

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	grpc "google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"dm-service/internal/access"
)

type fakeConn struct {
	method string
	req    *structpb.Struct
	resp   map[string]interface{}
	err    error
}

func (f *fakeConn) Invoke(_ context.Context, method string, args interface{}, reply interface{}, _ ...grpc.CallOption) error {
	f.method = method
	f.req = args.(*structpb.Struct)
	if f.err != nil {
		return f.err
	}
	resp, err := structpb.NewStruct(f.resp)
	if err != nil {
		return err
	}
	proto.Merge(reply.(proto.Message), resp)
	return nil
}

func (f *fakeConn) NewStream(context.Context, *grpc.StreamDesc, string, ...grpc.CallOption) (grpc.ClientStream, error) {
	return nil, errors.New("streams not supported")
}

func TestIsMutuallyConnected(t *testing.T) {
	conn := &fakeConn{resp: map[string]interface{}{"connected": true}}
	client := NewSocialGraphClient(conn)

	ok, err := client.IsMutuallyConnected(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, methodIsMutuallyConnected, conn.method)
	assert.Equal(t, float64(2), conn.req.GetFields()["other_user_id"].GetNumberValue())
}

func TestMessagingPolicyOf(t *testing.T) {
	conn := &fakeConn{resp: map[string]interface{}{
		"mode":    "everyone",
		"blocked": []interface{}{4, 5},
	}}

	policy, err := NewSocialGraphClient(conn).MessagingPolicyOf(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, access.ModeEveryone, policy.Mode)
	assert.Equal(t, []int{4, 5}, policy.Blocked)
}

func TestMessagingPolicyDefaultsAndErrors(t *testing.T) {
	policy, err := NewSocialGraphClient(&fakeConn{resp: map[string]interface{}{}}).MessagingPolicyOf(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, access.ModeConnections, policy.Mode)

	_, err = NewSocialGraphClient(&fakeConn{resp: map[string]interface{}{"mode": "friends-of-friends"}}).MessagingPolicyOf(context.Background(), 3)
	assert.Error(t, err)

	_, err = NewSocialGraphClient(&fakeConn{err: errors.New("unavailable")}).MessagingPolicyOf(context.Background(), 3)
	assert.Error(t, err)
}

func TestConversationKey(t *testing.T) {
	key := make([]byte, 32)
	key[0] = 9
	conn := &fakeConn{resp: map[string]interface{}{"key": base64.StdEncoding.EncodeToString(key)}}

	got, err := NewKeyServiceClient(conn).ConversationKey(context.Background(), 12)
	require.NoError(t, err)
	assert.Equal(t, key, got)
	assert.Equal(t, methodConversationKey, conn.method)

	conn.resp = map[string]interface{}{"key": base64.StdEncoding.EncodeToString([]byte("short"))}
	_, err = NewKeyServiceClient(conn).ConversationKey(context.Background(), 12)
	assert.Error(t, err)
}
